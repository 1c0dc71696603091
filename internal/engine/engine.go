// Package engine es el núcleo del motor de autenticación: registro de
// plugins, pipeline de ejecución de steps e introspección. No sabe nada de
// HTTP; los adapters viven afuera.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/SOG-web/reauth/internal/engine/cleanup"
	jwtsvc "github.com/SOG-web/reauth/internal/jwt"
	"github.com/SOG-web/reauth/internal/metrics"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/session"
	"github.com/SOG-web/reauth/internal/storage"
)

// RootHooker lo implementan los plugins que enganchan hooks transversales.
type RootHooker interface {
	RootHooks() RootHooks
}

// Engine mantiene el registro de plugins y ejecuta steps. Registrar plugins
// no es thread-safe: se hace todo en el arranque, antes de servir tráfico.
type Engine struct {
	orm      storage.Orm
	sessions *session.Service
	tokens   *jwtsvc.Service
	cleanup  *cleanup.Scheduler
	envFunc  func() string
	version  string

	plugins   map[string]Plugin
	order     []string
	steps     map[string]map[string]Step
	hooks     map[string]RootHooks
	sensitive map[string]map[string]bool
	resolvers map[string]SessionResolver
}

type Option func(*Engine)

func WithSessionService(s *session.Service) Option {
	return func(e *Engine) { e.sessions = s }
}

func WithTokenService(s *jwtsvc.Service) Option {
	return func(e *Engine) { e.tokens = s }
}

// WithEnvFunc reemplaza cómo el engine lee el environment actual. Se evalúa
// fresco en cada uso, nunca se cachea el resultado.
func WithEnvFunc(f func() string) Option {
	return func(e *Engine) { e.envFunc = f }
}

func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

func New(orm storage.Orm, opts ...Option) *Engine {
	e := &Engine{
		orm:       orm,
		envFunc:   defaultEnv,
		version:   "dev",
		plugins:   map[string]Plugin{},
		steps:     map[string]map[string]Step{},
		hooks:     map[string]RootHooks{},
		sensitive: map[string]map[string]bool{},
		resolvers: map[string]SessionResolver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sessions == nil {
		e.sessions = session.NewService(orm, DefaultSessionTTL)
	}
	e.cleanup = cleanup.NewScheduler(orm)
	return e
}

func defaultEnv() string {
	if v := os.Getenv("APP_ENV"); v != "" {
		return v
	}
	if v := os.Getenv("GO_ENV"); v != "" {
		return v
	}
	return "development"
}

// Environment devuelve el environment actual, leído fresco.
func (e *Engine) Environment() string { return e.envFunc() }

func (e *Engine) Orm() storage.Orm               { return e.orm }
func (e *Engine) Sessions() *session.Service     { return e.sessions }
func (e *Engine) Tokens() *jwtsvc.Service        { return e.tokens }
func (e *Engine) Cleanup() *cleanup.Scheduler    { return e.cleanup }

// Plugin devuelve el plugin registrado con ese nombre.
func (e *Engine) Plugin(name string) (Plugin, bool) {
	p, ok := e.plugins[name]
	return p, ok
}

// Step devuelve un step registrado. Los adapters lo usan para leer Protocol
// antes de ejecutar (método HTTP, mapeo de códigos).
func (e *Engine) Step(pluginName, stepName string) (Step, bool) {
	byStep, ok := e.steps[pluginName]
	if !ok {
		return nil, false
	}
	s, ok := byStep[stepName]
	return s, ok
}

// Register valida y registra un plugin. Config inválida o nombre duplicado
// son fatales: mejor morir en el arranque que servir un step roto.
func (e *Engine) Register(p Plugin) error {
	name := p.Name()
	if _, exists := e.plugins[name]; exists {
		return &DuplicatePluginError{Name: name}
	}
	if cv, ok := p.(ConfigValidator); ok {
		if violations := cv.ValidateConfig(); len(violations) > 0 {
			return &ConfigValidationError{Plugin: name, Violations: violations}
		}
	}

	steps := map[string]Step{}
	for _, s := range p.Steps() {
		if _, dup := steps[s.Name()]; dup {
			return &ConfigValidationError{Plugin: name, Violations: []string{
				fmt.Sprintf("duplicate step %q", s.Name()),
			}}
		}
		steps[s.Name()] = s
	}

	sens := map[string]bool{}
	if sf, ok := p.(SensitiveFielder); ok {
		for _, f := range sf.SensitiveFields() {
			sens[f] = true
		}
	}

	if err := p.Initialize(e); err != nil {
		return fmt.Errorf("initialize plugin %q: %w", name, err)
	}

	e.plugins[name] = p
	e.order = append(e.order, name)
	e.steps[name] = steps
	e.sensitive[name] = sens
	if h, ok := p.(RootHooker); ok {
		e.hooks[name] = h.RootHooks()
	}

	logger.L().Info("plugin registrado",
		logger.Layer("engine"),
		logger.Plugin(name),
		logger.Count(len(steps)),
	)
	return nil
}

// RegisterSessionResolver implementa EngineRegistrar.
func (e *Engine) RegisterSessionResolver(subjectType string, r SessionResolver) {
	e.resolvers[subjectType] = r
}

// RegisterCleanupTask implementa EngineRegistrar.
func (e *Engine) RegisterCleanupTask(t cleanup.Task) {
	e.cleanup.Register(t)
}

// abortError: los hooks solo abortan con errores que son decisión de
// autorización; cualquier otro error de hook es best-effort y se traga.
func abortError(err error) bool {
	var authn *AuthenticationError
	var authz *AuthorizationError
	var rl *RateLimitedError
	return errors.As(err, &authn) || errors.As(err, &authz) || errors.As(err, &rl)
}

// ExecuteStep corre el pipeline completo de un step:
// resolver → validar → hook before → run → hook after/onError.
//
// Contrato de errores: el error de retorno solo puede ser
// *StepNotFoundError, *ValidationError o una decisión de autorización tipada
// (de hook o del step). Cualquier otro error del Run (o un panic) NUNCA
// escapa: se loguea con detalle y el caller recibe un Output genérico de
// error interno.
func (e *Engine) ExecuteStep(ctx context.Context, pluginName, stepName string, input Input) (Output, error) {
	steps, ok := e.steps[pluginName]
	if !ok {
		return Output{}, &StepNotFoundError{Plugin: pluginName}
	}
	step, ok := steps[stepName]
	if !ok {
		return Output{}, &StepNotFoundError{Plugin: pluginName, Step: stepName}
	}

	log := logger.From(ctx).With(
		logger.Layer("engine"),
		logger.Plugin(pluginName),
		logger.Step(stepName),
	)
	start := time.Now()

	// Validación antes de cualquier side effect.
	if err := step.Validate(input); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Plugin = pluginName
			return Output{}, ve
		}
		return Output{}, &ValidationError{Plugin: pluginName, Step: stepName, Violations: []string{err.Error()}}
	}

	sc := &StepContext{
		Config:   e.plugins[pluginName].Config(),
		Orm:      e.orm,
		Sessions: e.sessions,
		Tokens:   e.tokens,
		Engine:   e,
	}
	hooks := e.hooks[pluginName]

	if hooks.Before != nil {
		next, err := hooks.Before(ctx, input, sc, step)
		if err != nil {
			if abortError(err) {
				if hooks.OnError != nil {
					hooks.OnError(ctx, err, input, sc, step)
				}
				return Output{}, err
			}
			log.Warn("before hook falló, se continúa", logger.Err(err))
		} else if next != nil {
			input = next
		}
	}

	output, runErr := e.runStep(ctx, step, input, sc)

	if runErr != nil {
		if hooks.OnError != nil {
			hooks.OnError(ctx, runErr, input, sc, step)
		}
		// Las decisiones de autorización del propio step sí viajan tipadas
		// al caller (401/403/429 en el adapter).
		if abortError(runErr) {
			metrics.StepExecutions.WithLabelValues(pluginName, stepName, "denied").Inc()
			return Output{}, runErr
		}
		log.Error("step falló",
			logger.Err(runErr),
			logger.Duration(time.Since(start)),
		)
		metrics.StepExecutions.WithLabelValues(pluginName, stepName, StatusInternal).Inc()
		// Nunca filtrar detalle interno al caller.
		return Fail(StatusInternal, "An unexpected error occurred"), nil
	}

	if hooks.After != nil {
		next, err := hooks.After(ctx, output, sc, step)
		if err != nil {
			log.Warn("after hook falló, se usa el output original", logger.Err(err))
		} else {
			output = next
		}
	}

	log.Info("step ejecutado",
		logger.StepStatus(output.Status),
		logger.Bool("success", output.Success),
		logger.Duration(time.Since(start)),
	)
	metrics.StepExecutions.WithLabelValues(pluginName, stepName, output.Status).Inc()
	metrics.StepDuration.WithLabelValues(pluginName, stepName).
		Observe(float64(time.Since(start).Milliseconds()))
	return output, nil
}

// runStep aísla el Run con recovery: un step que hace panic no voltea el
// proceso, se convierte en error interno.
func (e *Engine) runStep(ctx context.Context, step Step, input Input, sc *StepContext) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v", r)
		}
	}()
	return step.Run(ctx, input, sc)
}

// SessionInfo es el resultado de CheckSession: el subject resuelto y
// sanitizado, listo para exponer al caller.
type SessionInfo struct {
	SubjectType string      `json:"subject_type"`
	SubjectID   string      `json:"subject_id"`
	Subject     storage.Row `json:"subject"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// CheckSession resuelve un token de sesión opaco a su subject. Si el subject
// type tiene un resolver registrado, el resolver carga y sanitiza; si no, se
// expone la fila de subjects tal cual (no lleva secretos).
func (e *Engine) CheckSession(ctx context.Context, rawToken string) (*SessionInfo, error) {
	v, err := e.sessions.VerifySession(ctx, rawToken)
	if err != nil {
		return nil, err
	}
	subjectType := v.Subject.String("type")
	subject := v.Subject
	if r, ok := e.resolvers[subjectType]; ok {
		if r.GetByID != nil {
			loaded, err := r.GetByID(ctx, e.orm, v.SubjectID)
			if err != nil {
				return nil, err
			}
			subject = loaded
		}
		if r.Sanitize != nil {
			subject = r.Sanitize(subject)
		}
	}
	return &SessionInfo{
		SubjectType: subjectType,
		SubjectID:   v.SubjectID,
		Subject:     subject,
		ExpiresAt:   v.ExpiresAt,
	}, nil
}

// RedactInput devuelve una copia del input con los campos sensibles del
// plugin reemplazados. Para logging y auditoría, nunca para el pipeline.
func (e *Engine) RedactInput(pluginName string, input Input) Input {
	sens := e.sensitive[pluginName]
	if len(sens) == 0 {
		return input
	}
	out := make(Input, len(input))
	for k, v := range input {
		if sens[k] {
			out[k] = "[REDACTED]"
		} else {
			out[k] = v
		}
	}
	return out
}

// ---- Introspección ----

type StepDescriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Inputs      []string `json:"inputs"`
	Outputs     []string `json:"outputs"`
	Protocol    Protocol `json:"protocol"`
}

type PluginDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Steps       []StepDescriptor `json:"steps"`
}

type Introspection struct {
	Plugins     []PluginDescriptor `json:"plugins"`
	GeneratedAt time.Time          `json:"generated_at"`
	Version     string             `json:"version"`
}

// Introspect describe todos los plugins y steps registrados. Pensado para
// generar clients y para el endpoint de discovery.
func (e *Engine) Introspect() Introspection {
	plugins := make([]PluginDescriptor, 0, len(e.order))
	for _, name := range e.order {
		p := e.plugins[name]
		steps := p.Steps()
		descs := make([]StepDescriptor, 0, len(steps))
		for _, s := range steps {
			descs = append(descs, StepDescriptor{
				Name:        s.Name(),
				Description: s.Description(),
				Inputs:      s.Inputs(),
				Outputs:     s.Outputs(),
				Protocol:    s.Protocol(),
			})
		}
		sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
		plugins = append(plugins, PluginDescriptor{
			Name:        name,
			Description: p.Description(),
			Steps:       descs,
		})
	}
	return Introspection{
		Plugins:     plugins,
		GeneratedAt: time.Now().UTC(),
		Version:     e.version,
	}
}
