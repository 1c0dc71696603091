// Package username implementa autenticación usuario + password, sin canal de
// verificación: pensado para herramientas internas y back-offices.
package username

import (
	"regexp"
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/security/password"
)

const Provider = "username"

// usernameRx: 3-32 chars, alfanumérico con . _ -
var usernameRx = regexp.MustCompile(`^[a-zA-Z0-9._-]{3,32}$`)

type Config struct {
	SessionTTL time.Duration

	Policy        password.Policy
	BlacklistPath string

	Limiter   rate.Limiter
	TestUsers []engine.TestUser
}

func (c *Config) defaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = engine.DefaultSessionTTL
	}
}

type Plugin struct {
	cfg *Config
}

func New(cfg Config) *Plugin {
	cfg.defaults()
	return &Plugin{cfg: &cfg}
}

func (p *Plugin) Name() string        { return "username" }
func (p *Plugin) Description() string { return "Username + password authentication" }
func (p *Plugin) Config() any         { return p.cfg }

func (p *Plugin) SensitiveFields() []string {
	return []string{"password", "current_password", "new_password"}
}

func (p *Plugin) ValidateConfig() []string {
	var v []string
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
		p.changePasswordStep(),
	}
}

func (p *Plugin) Initialize(engine.EngineRegistrar) error { return nil }
