package engine

import (
	"context"
	"time"

	"github.com/SOG-web/reauth/internal/engine/cleanup"
	"github.com/SOG-web/reauth/internal/storage"
)

// RootHooks son los hooks transversales de un plugin. Before puede reemplazar
// el input (mutación cross-cutting, sweeps oportunistas); After puede
// reemplazar el output (redacción/enriquecimiento); OnError es side-effect
// puro (audit logging).
//
// Política de fallas: un error de hook se traga y se loguea, salvo que sea
// parte de la decisión de autorización — un hook que devuelve
// *AuthenticationError, *AuthorizationError o *RateLimitedError aborta el
// step deliberadamente.
type RootHooks struct {
	Before  func(ctx context.Context, input Input, sc *StepContext, step Step) (Input, error)
	After   func(ctx context.Context, output Output, sc *StepContext, step Step) (Output, error)
	OnError func(ctx context.Context, err error, input Input, sc *StepContext, step Step)
}

// SessionResolver mapea un subject-type a su carga y sanitización. Lo
// registran los plugins en Initialize (ej: mcpauth registra "mcp_server").
type SessionResolver struct {
	GetByID  func(ctx context.Context, orm storage.Orm, id string) (storage.Row, error)
	Sanitize func(subject storage.Row) storage.Row
}

// EngineRegistrar es la cara del engine que ve Initialize: solo registro,
// nada de I/O de dominio.
type EngineRegistrar interface {
	RegisterSessionResolver(subjectType string, r SessionResolver)
	RegisterCleanupTask(t cleanup.Task)
}

// Plugin es un bundle nombrado de steps con config propia.
type Plugin interface {
	Name() string
	Description() string
	Config() any
	Steps() []Step
	// Initialize se llama una sola vez al registrar. Acá el plugin registra
	// session resolvers y cleanup tasks; nunca hace side effects de dominio.
	Initialize(reg EngineRegistrar) error
}

// ConfigValidator lo implementan los plugins que validan su config al
// registrarse. Devuelve todas las violaciones juntas.
type ConfigValidator interface {
	ValidateConfig() []string
}

// SensitiveFielder lo implementan los plugins que declaran campos a redactar
// en outputs/logs (password, code, secret).
type SensitiveFielder interface {
	SensitiveFields() []string
}

// TestUser es una identidad fixture para el shortcut de test: match exacto de
// identifier+password y environment permitido saltea el storage por completo.
type TestUser struct {
	Identifier   string
	Password     string
	Profile      map[string]any
	Environments []string // "development" | "test" | "all"
}

// MatchTestUser busca un fixture que matchee identifier+password con el
// environment actual permitido. El environment se evalúa fresco en cada
// llamada: nunca se cachea.
func MatchTestUser(users []TestUser, identifier, password, env string) (*TestUser, bool) {
	for i := range users {
		u := &users[i]
		if u.Identifier != identifier || u.Password != password {
			continue
		}
		for _, allowed := range u.Environments {
			if allowed == "all" || allowed == env {
				return u, true
			}
		}
	}
	return nil, false
}

// DefaultSessionTTL es el TTL de sesión que usan los plugins cuando su config
// no especifica uno.
const DefaultSessionTTL = 24 * time.Hour
