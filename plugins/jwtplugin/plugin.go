// Package jwtplugin expone el servicio de tokens como steps: emisión de
// access+refresh a partir de una sesión, rotación single-use, revocación y
// JWKS público. También purga refresh tokens muertos.
package jwtplugin

import (
	"context"
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/jwt"
	"github.com/SOG-web/reauth/internal/storage"
)

type Config struct {
	// Keystore alimenta el endpoint JWKS.
	Keystore *jwt.Keystore

	CleanupInterval time.Duration
	CleanupEnabled  bool
}

func (c *Config) defaults() {
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

func (p *Plugin) Name() string        { return "jwt" }
func (p *Plugin) Description() string { return "JWT access tokens with rotating opaque refresh tokens" }
func (p *Plugin) Config() any         { return p.cfg }

func (p *Plugin) SensitiveFields() []string { return []string{"refresh_token"} }

func (p *Plugin) ValidateConfig() []string {
	var v []string
	if p.cfg.Keystore == nil {
		v = append(v, "a keystore is required")
	}
	return v
}

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.issueStep(),
		p.refreshStep(),
		p.revokeStep(),
		p.revokeAllStep(),
		p.jwksStep(),
	}
}

func (p *Plugin) Initialize(reg engine.EngineRegistrar) error {
	reg.RegisterCleanupTask(cleanup.Task{
		Name:       "dead-refresh-tokens",
		PluginName: p.Name(),
		Interval:   p.cfg.CleanupInterval,
		Enabled:    p.cfg.CleanupEnabled,
		Run: func(ctx context.Context, orm storage.Orm, _ map[string]any) (cleanup.Result, error) {
			var res cleanup.Result
			n, err := orm.DeleteMany(ctx, storage.TableRefreshTokens, storage.Query{
				Where: storage.Or(
					storage.Lte("expires_at", time.Now().UTC()),
					storage.Eq("is_revoked", true),
				),
			})
			if err != nil {
				return res, err
			}
			res.Add("refresh_tokens", n)
			return res, nil
		},
	})
	return nil
}
