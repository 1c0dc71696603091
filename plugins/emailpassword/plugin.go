// Package emailpassword implementa autenticación email + password: registro
// con verificación por código, login con sesión opaca y reset de password.
package emailpassword

import (
	"time"

	"github.com/SOG-web/reauth/internal/email"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/security/password"
)

// Provider es el valor de identities.provider que usa este plugin.
const Provider = "email"

// Propósitos de los códigos de un solo uso.
const (
	purposeVerify = "email_verify"
	purposeReset  = "password_reset"
)

type Config struct {
	// RequireVerification exige email verificado para loguear.
	RequireVerification bool
	// AutoLogin emite sesión al registrar (solo sin RequireVerification).
	AutoLogin bool

	SessionTTL      time.Duration // default 24h
	CodeTTL         time.Duration // default 15m
	ResetTTL        time.Duration // default 10m
	CodeDigits      int           // default 6
	MaxCodeAttempts int           // default 5

	Policy        password.Policy
	BlacklistPath string

	// Sender entrega los códigos. Default: LogSender (dev).
	Sender email.Sender
	// Limiter limita intentos de login por identifier. Nil = sin límite.
	Limiter rate.Limiter

	TestUsers []engine.TestUser

	CleanupInterval time.Duration // default 1h
	CleanupEnabled  bool
}

func (c *Config) defaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = engine.DefaultSessionTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 15 * time.Minute
	}
	if c.ResetTTL <= 0 {
		c.ResetTTL = 10 * time.Minute
	}
	if c.CodeDigits <= 0 {
		c.CodeDigits = 6
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 5
	}
	if c.Sender == nil {
		c.Sender = email.LogSender{}
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
}

type Plugin struct {
	cfg *Config
}

func New(cfg Config) *Plugin {
	cfg.defaults()
	return &Plugin{cfg: &cfg}
}

func (p *Plugin) Name() string { return "email-password" }

func (p *Plugin) Description() string {
	return "Email + password authentication with verification codes and password reset"
}

func (p *Plugin) Config() any { return p.cfg }

func (p *Plugin) ValidateConfig() []string {
	var v []string
	if p.cfg.AutoLogin && p.cfg.RequireVerification {
		v = append(v, "auto_login cannot be combined with require_verification")
	}
	if p.cfg.CodeDigits < 4 || p.cfg.CodeDigits > 10 {
		v = append(v, "code_digits must be between 4 and 10")
	}
	for _, u := range p.cfg.TestUsers {
		if u.Identifier == "" || u.Password == "" {
			v = append(v, "test user needs identifier and password")
			continue
		}
		if len(u.Environments) == 0 {
			v = append(v, "test user "+u.Identifier+" needs at least one environment")
		}
	}
	return v
}

func (p *Plugin) SensitiveFields() []string {
	return []string{"password", "new_password", "code"}
}

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.loginStep(),
		p.registerStep(),
		p.verifyEmailStep(),
		p.sendResetStep(),
		p.resetPasswordStep(),
	}
}

func (p *Plugin) Initialize(reg engine.EngineRegistrar) error {
	reg.RegisterCleanupTask(cleanup.Task{
		Name:       "expired-codes",
		PluginName: p.Name(),
		Interval:   p.cfg.CleanupInterval,
		Enabled:    p.cfg.CleanupEnabled,
		Run:        purgeCodes,
	})
	return nil
}
