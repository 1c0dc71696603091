// Package twofactor implementa TOTP como segundo factor: enrolamiento en dos
// pasos, verificación step-up con lockout temporal y backup codes de un solo
// uso. Los secrets se guardan cifrados (AES-GCM), nunca en claro.
package twofactor

import (
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/security/secretbox"
	"github.com/SOG-web/reauth/internal/storage"
)

const methodTOTP = "totp"

type Config struct {
	// Issuer es el label que ve el usuario en su app TOTP.
	Issuer string
	// Box cifra los secrets TOTP en storage. Obligatorio.
	Box *secretbox.Box

	// WindowSteps tolera pasos de 30s de clock skew hacia ambos lados.
	WindowSteps int // default 1

	BackupCodes      int // default 10
	BackupCodeDigits int // default 10

	MaxFailures int64         // default 5
	Window      time.Duration // default 10m
	LockFor     time.Duration // default 15m
}

func (c *Config) defaults() {
	if c.WindowSteps <= 0 {
		c.WindowSteps = 1
	}
	if c.BackupCodes <= 0 {
		c.BackupCodes = 10
	}
	if c.BackupCodeDigits <= 0 {
		c.BackupCodeDigits = 10
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.LockFor <= 0 {
		c.LockFor = 15 * time.Minute
	}
}

type Plugin struct {
	cfg *Config
}

func New(cfg Config) *Plugin {
	cfg.defaults()
	return &Plugin{cfg: &cfg}
}

func (p *Plugin) Name() string        { return "two-factor" }
func (p *Plugin) Description() string { return "TOTP second factor with backup codes and lockout" }
func (p *Plugin) Config() any         { return p.cfg }

func (p *Plugin) SensitiveFields() []string { return []string{"code", "backup_code"} }

func (p *Plugin) ValidateConfig() []string {
	var v []string
	if p.cfg.Issuer == "" {
		v = append(v, "issuer is required")
	}
	if p.cfg.Box == nil {
		v = append(v, "a secretbox is required to encrypt TOTP secrets")
	}
	return v
}

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.setupStep(),
		p.verifySetupStep(),
		p.verifyStep(),
		p.disableStep(),
	}
}

func (p *Plugin) Initialize(engine.EngineRegistrar) error { return nil }

func (p *Plugin) lockout(orm storage.Orm) *rate.Lockout {
	return &rate.Lockout{
		Orm:         orm,
		Table:       storage.TableTwoFactorAttempts,
		MaxFailures: p.cfg.MaxFailures,
		Window:      p.cfg.Window,
		LockFor:     p.cfg.LockFor,
	}
}
