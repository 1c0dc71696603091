// Package sessionplugin expone el manejo de sesiones opacas como steps:
// logout, logout global y consulta de la sesión actual. También purga las
// filas vencidas que el chequeo soft-TTL ya no acepta.
package sessionplugin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/session"
	"github.com/SOG-web/reauth/internal/storage"
)

type Config struct {
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

func (p *Plugin) Name() string        { return "session" }
func (p *Plugin) Description() string { return "Opaque session management: logout, logout-all, introspection" }
func (p *Plugin) Config() any         { return p.cfg }

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.logoutStep(),
		p.logoutAllStep(),
		p.getSessionStep(),
	}
}

func (p *Plugin) Initialize(reg engine.EngineRegistrar) error {
	reg.RegisterCleanupTask(cleanup.Task{
		Name:       "expired-sessions",
		PluginName: p.Name(),
		Interval:   p.cfg.CleanupInterval,
		Enabled:    p.cfg.CleanupEnabled,
		Run: func(ctx context.Context, orm storage.Orm, _ map[string]any) (cleanup.Result, error) {
			var res cleanup.Result
			n, err := orm.DeleteMany(ctx, storage.TableSessions, storage.Query{
				Where: storage.Lte("expires_at", time.Now().UTC()),
			})
			if err != nil {
				return res, err
			}
			res.Add("sessions", n)
			session.SyncActiveGauge(ctx, orm)
			return res, nil
		},
	})
	return nil
}

func (p *Plugin) logoutStep() engine.Step {
	return &engine.StepDef{
		StepName:        "logout",
		StepDescription: "Destroy the current session",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess:  http.StatusOK,
				engine.StatusNotFound: http.StatusUnauthorized,
			},
		},
		RunFunc: func(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
			err := sc.Sessions.DestroySession(ctx, in.String("token"))
			if errors.Is(err, session.ErrSessionNotFound) {
				return engine.Fail(engine.StatusNotFound, "Session not found"), nil
			}
			if err != nil {
				return engine.Output{}, err
			}
			return engine.Ok(engine.StatusSuccess, "Logged out", nil), nil
		},
	}
}

func (p *Plugin) logoutAllStep() engine.Step {
	return &engine.StepDef{
		StepName:        "logout-all",
		StepDescription: "Destroy every session of the authenticated subject",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"revoked"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess: http.StatusOK,
			},
		},
		RunFunc: func(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
			v, err := sc.Sessions.VerifySession(ctx, in.String("token"))
			if err != nil {
				return engine.Output{}, &engine.AuthenticationError{Reason: "invalid session"}
			}
			n, err := sc.Sessions.DestroyAllSessions(ctx, v.SubjectID)
			if err != nil {
				return engine.Output{}, err
			}
			return engine.Ok(engine.StatusSuccess, "All sessions revoked", map[string]any{
				"revoked": n,
			}), nil
		},
	}
}

func (p *Plugin) getSessionStep() engine.Step {
	return &engine.StepDef{
		StepName:        "get-session",
		StepDescription: "Resolve the current session to its sanitized subject",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"subject_type", "subject_id", "subject", "expires_at"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess: http.StatusOK,
			},
		},
		RunFunc: func(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
			info, err := sc.Engine.CheckSession(ctx, in.String("token"))
			if err != nil {
				if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
					return engine.Output{}, &engine.AuthenticationError{Reason: "invalid session"}
				}
				return engine.Output{}, err
			}
			return engine.Ok(engine.StatusSuccess, "Session is valid", map[string]any{
				"subject_type": info.SubjectType,
				"subject_id":   info.SubjectID,
				"subject":      info.Subject,
				"expires_at":   info.ExpiresAt,
			}), nil
		},
	}
}
