// Package oauth expone login federado (Google, GitHub) como steps del
// engine. El handshake de autorización guarda state+nonce en cache con TTL:
// single-use, sin estado en el proceso.
package oauth

import (
	"time"

	"github.com/SOG-web/reauth/internal/cache"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/oauth"
)

type Config struct {
	// Providers indexados por nombre ("google", "github").
	Providers map[string]oauth.Provider
	// Cache guarda el state del handshake. Obligatorio.
	Cache cache.Client

	StateTTL   time.Duration // default 10m
	SessionTTL time.Duration
}

func (c *Config) defaults() {
	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
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

func (p *Plugin) Name() string        { return "oauth" }
func (p *Plugin) Description() string { return "Federated login via external OAuth/OIDC providers" }
func (p *Plugin) Config() any         { return p.cfg }

func (p *Plugin) SensitiveFields() []string { return []string{"code"} }

func (p *Plugin) ValidateConfig() []string {
	var v []string
	if len(p.cfg.Providers) == 0 {
		v = append(v, "at least one provider is required")
	}
	if p.cfg.Cache == nil {
		v = append(v, "a cache client is required for the state handshake")
	}
	return v
}

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.authorizeURLStep(),
		p.exchangeStep(),
	}
}

func (p *Plugin) Initialize(engine.EngineRegistrar) error { return nil }
