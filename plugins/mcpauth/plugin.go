// Package mcpauth autentica servidores MCP (machine-to-machine): registro
// con secret de un solo vistazo, sesiones opacas con subject type propio y
// audit log persistente de cada intento.
package mcpauth

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth/internal/audit"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/storage"
)

// SubjectType es el tipo de subject que emite este plugin.
const SubjectType = "mcp_server"

type Config struct {
	SessionTTL time.Duration

	// TestServers: fixtures server_id+secret para entornos de test.
	TestServers []engine.TestUser

	Limiter rate.Limiter

	// AuditRetention define cuánto viven las filas de auditoría.
	AuditRetention  time.Duration // default 90d
	CleanupInterval time.Duration
	CleanupEnabled  bool
}

func (c *Config) defaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Hour
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 12 * time.Hour
	}
}

type Plugin struct {
	cfg   *Config
	audit *audit.Recorder
}

func New(cfg Config) *Plugin {
	cfg.defaults()
	return &Plugin{cfg: &cfg}
}

func (p *Plugin) Name() string        { return "mcp-auth" }
func (p *Plugin) Description() string { return "Machine-to-machine authentication for MCP servers" }
func (p *Plugin) Config() any         { return p.cfg }

func (p *Plugin) SensitiveFields() []string { return []string{"secret"} }

func (p *Plugin) ValidateConfig() []string {
	var v []string
	for _, s := range p.cfg.TestServers {
		if s.Identifier == "" || s.Password == "" {
			v = append(v, "test server needs identifier and secret")
		}
	}
	return v
}

func (p *Plugin) Steps() []engine.Step {
	return []engine.Step{
		p.registerServerStep(),
		p.authenticateStep(),
	}
}

func (p *Plugin) Initialize(reg engine.EngineRegistrar) error {
	reg.RegisterSessionResolver(SubjectType, engine.SessionResolver{
		GetByID:  getServerBySubjectID,
		Sanitize: sanitizeServer,
	})
	reg.RegisterCleanupTask(cleanup.Task{
		Name:       "audit-retention",
		PluginName: p.Name(),
		Interval:   p.cfg.CleanupInterval,
		Enabled:    p.cfg.CleanupEnabled,
		Run: func(ctx context.Context, orm storage.Orm, _ map[string]any) (cleanup.Result, error) {
			var res cleanup.Result
			cutoff := time.Now().UTC().Add(-p.cfg.AuditRetention)
			n, err := orm.DeleteMany(ctx, storage.TableMCPAuditLog, storage.Query{
				Where: storage.Lt("created_at", cutoff),
			})
			if err != nil {
				return res, err
			}
			res.Add("audit_rows", n)
			return res, nil
		},
	})
	return nil
}

// RootHooks: cada error de step queda auditado además del log normal.
func (p *Plugin) RootHooks() engine.RootHooks {
	return engine.RootHooks{
		OnError: func(ctx context.Context, err error, input engine.Input, sc *engine.StepContext, step engine.Step) {
			p.recorder(sc).Record(ctx, "mcp."+step.Name()+".error", input.String("server_id"), "", map[string]any{
				"error": err.Error(),
			})
		},
	}
}

func (p *Plugin) recorder(sc *engine.StepContext) *audit.Recorder {
	if p.audit == nil {
		p.audit = &audit.Recorder{Orm: sc.Orm, Table: storage.TableMCPAuditLog}
	}
	return p.audit
}

func getServerBySubjectID(ctx context.Context, orm storage.Orm, id string) (storage.Row, error) {
	row, err := orm.FindFirst(ctx, storage.TableMCPServers, storage.Query{
		Where: storage.Eq("subject_id", id),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.New("mcp server not found")
	}
	return row, err
}

func sanitizeServer(row storage.Row) storage.Row {
	out := make(storage.Row, len(row))
	for k, v := range row {
		if k == "secret_hash" {
			continue
		}
		out[k] = v
	}
	return out
}
