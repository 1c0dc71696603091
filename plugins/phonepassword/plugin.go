// Package phonepassword implementa autenticación teléfono + password con
// verificación por código SMS. El envío real del SMS es un colaborador
// inyectado: acá no hay ningún gateway cableado.
package phonepassword

import (
	"context"
	"regexp"
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/security/password"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/plugins/identity"
)

const Provider = "phone"

const purposeVerify = "phone_verify"

// CodeSender entrega el código por SMS. Default: log (dev).
type CodeSender func(ctx context.Context, phone, code string) error

// phoneRx acepta E.164: + opcional y 7 a 15 dígitos.
var phoneRx = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

type Config struct {
	RequireVerification bool

	SessionTTL      time.Duration
	CodeTTL         time.Duration
	CodeDigits      int
	MaxCodeAttempts int

	Policy password.Policy

	SendCode CodeSender
	Limiter  rate.Limiter

	TestUsers []engine.TestUser

	CleanupInterval time.Duration
	CleanupEnabled  bool
}

func (c *Config) defaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = engine.DefaultSessionTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 5 * time.Minute
	}
	if c.CodeDigits <= 0 {
		c.CodeDigits = 6
	}
	if c.MaxCodeAttempts <= 0 {
		c.MaxCodeAttempts = 5
	}
	if c.SendCode == nil {
		c.SendCode = func(ctx context.Context, phone, code string) error {
			logger.From(ctx).Info("sms code (not sent)",
				logger.Plugin("phone-password"),
				logger.String("phone", phone),
				logger.String("code", code),
			)
			return nil
		}
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

func (p *Plugin) Name() string { return "phone-password" }

func (p *Plugin) Description() string {
	return "Phone + password authentication with SMS verification codes"
}

func (p *Plugin) Config() any { return p.cfg }

func (p *Plugin) SensitiveFields() []string { return []string{"password", "code"} }

func (p *Plugin) ValidateConfig() []string {
	var v []string
	if p.cfg.CodeDigits < 4 || p.cfg.CodeDigits > 10 {
		v = append(v, "code_digits must be between 4 and 10")
	}
	for _, u := range p.cfg.TestUsers {
		if u.Identifier == "" || u.Password == "" {
			v = append(v, "test user needs identifier and password")
		}
	}
	return v
}

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.loginStep(),
		p.registerStep(),
		p.sendCodeStep(),
		p.verifyPhoneStep(),
	}
}

func (p *Plugin) Initialize(reg engine.EngineRegistrar) error {
	reg.RegisterCleanupTask(cleanup.Task{
		Name:       "expired-codes",
		PluginName: p.Name(),
		Interval:   p.cfg.CleanupInterval,
		Enabled:    p.cfg.CleanupEnabled,
		Run: func(ctx context.Context, orm storage.Orm, _ map[string]any) (cleanup.Result, error) {
			var res cleanup.Result
			n, err := identity.PurgeExpiredCodes(ctx, orm, purposeVerify)
			if err != nil {
				return res, err
			}
			res.Add(purposeVerify, n)
			return res, nil
		},
	})
	return nil
}
