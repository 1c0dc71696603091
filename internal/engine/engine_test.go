package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
)

// fakePlugin arma un plugin mínimo configurable para ejercitar el pipeline.
type fakePlugin struct {
	name       string
	steps      []Step
	hooks      RootHooks
	violations []string
	sensitive  []string
	initErr    error
	initCalled bool
}

func (p *fakePlugin) Name() string        { return p.name }
func (p *fakePlugin) Description() string { return "fake plugin for pipeline tests" }
func (p *fakePlugin) Config() any         { return nil }
func (p *fakePlugin) Steps() []Step       { return p.steps }
func (p *fakePlugin) Initialize(reg EngineRegistrar) error {
	p.initCalled = true
	return p.initErr
}

// hookedPlugin expone RootHooks vía la interfaz opcional RootHooker.
type hookedPlugin struct{ *fakePlugin }

func (p *hookedPlugin) RootHooks() RootHooks { return p.hooks }

type validatedPlugin struct{ *fakePlugin }

func (p *validatedPlugin) ValidateConfig() []string { return p.violations }

type sensitivePlugin struct{ *fakePlugin }

func (p *sensitivePlugin) SensitiveFields() []string { return p.sensitive }

func echoStep(name string) *StepDef {
	return &StepDef{
		StepName:        name,
		StepDescription: "echoes the input value",
		Schema:          Schema{"value": {Kind: KindString, Required: true}},
		OutputNames:     []string{"value"},
		Proto:           Protocol{Method: "POST", Codes: map[string]int{StatusSuccess: 200}},
		RunFunc: func(ctx context.Context, in Input, sc *StepContext) (Output, error) {
			return Ok(StatusSuccess, "ok", map[string]any{"value": in.String("value")}), nil
		},
	}
}

func newEngine(t *testing.T, plugins ...Plugin) *Engine {
	t.Helper()
	e := New(memory.New())
	for _, p := range plugins {
		require.NoError(t, e.Register(p))
	}
	return e
}

func TestRegister_DuplicateName(t *testing.T) {
	e := New(memory.New())
	require.NoError(t, e.Register(&fakePlugin{name: "a", steps: []Step{echoStep("s")}}))

	err := e.Register(&fakePlugin{name: "a"})
	var dup *DuplicatePluginError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "a", dup.Name)
}

func TestRegister_ConfigValidation(t *testing.T) {
	e := New(memory.New())
	p := &validatedPlugin{&fakePlugin{name: "bad", violations: []string{"issuer is required"}}}

	err := e.Register(p)
	var cfgErr *ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Violations, "issuer is required")
	// un plugin rechazado no queda registrado ni inicializado
	require.False(t, p.initCalled)
	_, ok := e.Plugin("bad")
	require.False(t, ok)
}

func TestRegister_DuplicateStep(t *testing.T) {
	e := New(memory.New())
	err := e.Register(&fakePlugin{name: "a", steps: []Step{echoStep("s"), echoStep("s")}})
	var cfgErr *ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestExecuteStep_NotFound(t *testing.T) {
	e := newEngine(t, &fakePlugin{name: "a", steps: []Step{echoStep("s")}})

	_, err := e.ExecuteStep(context.Background(), "nope", "s", Input{})
	var nf *StepNotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "nope", nf.Plugin)

	_, err = e.ExecuteStep(context.Background(), "a", "nope", Input{})
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "nope", nf.Step)
}

func TestExecuteStep_Validation(t *testing.T) {
	e := newEngine(t, &fakePlugin{name: "a", steps: []Step{echoStep("s")}})

	_, err := e.ExecuteStep(context.Background(), "a", "s", Input{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "a", ve.Plugin)
	require.Contains(t, ve.Violations, "value is required")

	// tipo incorrecto
	_, err = e.ExecuteStep(context.Background(), "a", "s", Input{"value": 42})
	require.ErrorAs(t, err, &ve)
	require.Contains(t, ve.Violations, "value must be a string")
}

func TestExecuteStep_Success(t *testing.T) {
	e := newEngine(t, &fakePlugin{name: "a", steps: []Step{echoStep("s")}})

	out, err := e.ExecuteStep(context.Background(), "a", "s", Input{"value": "hola"})
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, StatusSuccess, out.Status)
	require.Equal(t, "hola", out.Fields["value"])
}

func TestExecuteStep_RunErrorBecomesGenericInternal(t *testing.T) {
	boom := &StepDef{
		StepName: "boom",
		Proto:    Protocol{Method: "POST"},
		RunFunc: func(ctx context.Context, in Input, sc *StepContext) (Output, error) {
			return Output{}, errors.New("pq: connection refused to db-internal-10.2.3.4")
		},
	}
	e := newEngine(t, &fakePlugin{name: "a", steps: []Step{boom}})

	out, err := e.ExecuteStep(context.Background(), "a", "boom", Input{})
	require.NoError(t, err)
	require.False(t, out.Success)
	require.Equal(t, StatusInternal, out.Status)
	// el detalle interno jamás llega al caller
	require.Equal(t, "An unexpected error occurred", out.Message)
}

func TestExecuteStep_PanicRecovered(t *testing.T) {
	panics := &StepDef{
		StepName: "panics",
		Proto:    Protocol{Method: "POST"},
		RunFunc: func(ctx context.Context, in Input, sc *StepContext) (Output, error) {
			panic("nil map write")
		},
	}
	e := newEngine(t, &fakePlugin{name: "a", steps: []Step{panics}})

	out, err := e.ExecuteStep(context.Background(), "a", "panics", Input{})
	require.NoError(t, err)
	require.Equal(t, StatusInternal, out.Status)
	require.Equal(t, "An unexpected error occurred", out.Message)
}

func TestExecuteStep_TypedAuthErrorPropagates(t *testing.T) {
	denied := &StepDef{
		StepName: "denied",
		Proto:    Protocol{Method: "POST"},
		RunFunc: func(ctx context.Context, in Input, sc *StepContext) (Output, error) {
			return Output{}, &AuthenticationError{Reason: "session expired"}
		},
	}
	e := newEngine(t, &fakePlugin{name: "a", steps: []Step{denied}})

	_, err := e.ExecuteStep(context.Background(), "a", "denied", Input{})
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
}

func TestHooks_BeforeMutatesInput(t *testing.T) {
	p := &hookedPlugin{&fakePlugin{name: "a", steps: []Step{echoStep("s")}}}
	p.hooks = RootHooks{
		Before: func(ctx context.Context, in Input, sc *StepContext, step Step) (Input, error) {
			in["value"] = "mutated"
			return in, nil
		},
	}
	e := newEngine(t, p)

	out, err := e.ExecuteStep(context.Background(), "a", "s", Input{"value": "original"})
	require.NoError(t, err)
	require.Equal(t, "mutated", out.Fields["value"])
}

func TestHooks_BeforeAbortsWithTypedError(t *testing.T) {
	var onErrSeen error
	p := &hookedPlugin{&fakePlugin{name: "a", steps: []Step{echoStep("s")}}}
	p.hooks = RootHooks{
		Before: func(ctx context.Context, in Input, sc *StepContext, step Step) (Input, error) {
			return nil, &RateLimitedError{RetryAfter: time.Minute}
		},
		OnError: func(ctx context.Context, err error, in Input, sc *StepContext, step Step) {
			onErrSeen = err
		},
	}
	e := newEngine(t, p)

	_, err := e.ExecuteStep(context.Background(), "a", "s", Input{"value": "x"})
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, time.Minute, rl.RetryAfter)
	require.ErrorAs(t, onErrSeen, &rl)
}

func TestHooks_BeforeNonTypedErrorIsSwallowed(t *testing.T) {
	p := &hookedPlugin{&fakePlugin{name: "a", steps: []Step{echoStep("s")}}}
	p.hooks = RootHooks{
		Before: func(ctx context.Context, in Input, sc *StepContext, step Step) (Input, error) {
			return nil, errors.New("metrics backend down")
		},
	}
	e := newEngine(t, p)

	// el step corre igual con el input original
	out, err := e.ExecuteStep(context.Background(), "a", "s", Input{"value": "x"})
	require.NoError(t, err)
	require.Equal(t, "x", out.Fields["value"])
}

func TestHooks_AfterReplacesOutput(t *testing.T) {
	p := &hookedPlugin{&fakePlugin{name: "a", steps: []Step{echoStep("s")}}}
	p.hooks = RootHooks{
		After: func(ctx context.Context, out Output, sc *StepContext, step Step) (Output, error) {
			out.Message = "decorated"
			return out, nil
		},
	}
	e := newEngine(t, p)

	out, err := e.ExecuteStep(context.Background(), "a", "s", Input{"value": "x"})
	require.NoError(t, err)
	require.Equal(t, "decorated", out.Message)
}

func TestHooks_AfterErrorKeepsOriginalOutput(t *testing.T) {
	p := &hookedPlugin{&fakePlugin{name: "a", steps: []Step{echoStep("s")}}}
	p.hooks = RootHooks{
		After: func(ctx context.Context, out Output, sc *StepContext, step Step) (Output, error) {
			return Output{}, errors.New("decoration failed")
		},
	}
	e := newEngine(t, p)

	out, err := e.ExecuteStep(context.Background(), "a", "s", Input{"value": "x"})
	require.NoError(t, err)
	require.Equal(t, "ok", out.Message)
	require.Equal(t, "x", out.Fields["value"])
}

func TestRedactInput(t *testing.T) {
	p := &sensitivePlugin{&fakePlugin{
		name:      "a",
		steps:     []Step{echoStep("s")},
		sensitive: []string{"password", "code"},
	}}
	e := newEngine(t, p)

	in := Input{"email": "a@b.test", "password": "secret", "code": "123456"}
	red := e.RedactInput("a", in)
	require.Equal(t, "a@b.test", red["email"])
	require.Equal(t, "[REDACTED]", red["password"])
	require.Equal(t, "[REDACTED]", red["code"])
	// el original no se toca
	require.Equal(t, "secret", in["password"])
}

func TestIntrospect(t *testing.T) {
	e := newEngine(t,
		&fakePlugin{name: "b", steps: []Step{echoStep("z"), echoStep("a")}},
		&fakePlugin{name: "a", steps: []Step{echoStep("s")}},
	)

	intro := e.Introspect()
	require.Len(t, intro.Plugins, 2)
	// orden de registro para plugins, alfabético para steps
	require.Equal(t, "b", intro.Plugins[0].Name)
	require.Equal(t, "a", intro.Plugins[0].Steps[0].Name)
	require.Equal(t, "z", intro.Plugins[0].Steps[1].Name)
	require.Equal(t, []string{"value"}, intro.Plugins[0].Steps[0].Inputs)
	require.Equal(t, "POST", intro.Plugins[0].Steps[0].Protocol.Method)
	require.False(t, intro.GeneratedAt.IsZero())
}

func TestMatchTestUser(t *testing.T) {
	users := []TestUser{
		{Identifier: "dev@test", Password: "pw", Environments: []string{"development", "test"}},
		{Identifier: "any@test", Password: "pw", Environments: []string{"all"}},
	}

	u, ok := MatchTestUser(users, "dev@test", "pw", "development")
	require.True(t, ok)
	require.Equal(t, "dev@test", u.Identifier)

	// producción no matchea fixtures restringidos
	_, ok = MatchTestUser(users, "dev@test", "pw", "production")
	require.False(t, ok)

	// "all" matchea cualquier env
	_, ok = MatchTestUser(users, "any@test", "pw", "production")
	require.True(t, ok)

	// password incorrecto nunca matchea
	_, ok = MatchTestUser(users, "dev@test", "wrong", "development")
	require.False(t, ok)
}

func TestEnvironment_ReadFresh(t *testing.T) {
	env := "development"
	e := New(memory.New(), WithEnvFunc(func() string { return env }))

	require.Equal(t, "development", e.Environment())
	env = "production"
	require.Equal(t, "production", e.Environment())
}

func TestCheckSession_UsesResolver(t *testing.T) {
	orm := memory.New()
	e := New(orm)
	ctx := context.Background()

	subject, err := orm.Create(ctx, storage.TableSubjects, storage.Row{
		"type": "mcp_server", "role": "server",
	})
	require.NoError(t, err)
	subjectID := subject.String("id")

	_, err = orm.Create(ctx, storage.TableMCPServers, storage.Row{
		"server_id": "srv-1", "subject_id": subjectID, "secret_hash": "hhh", "active": true,
	})
	require.NoError(t, err)

	e.RegisterSessionResolver("mcp_server", SessionResolver{
		GetByID: func(ctx context.Context, orm storage.Orm, id string) (storage.Row, error) {
			return orm.FindFirst(ctx, storage.TableMCPServers, storage.Query{
				Where: storage.Eq("subject_id", id),
			})
		},
		Sanitize: func(r storage.Row) storage.Row {
			delete(r, "secret_hash")
			return r
		},
	})

	raw, err := e.Sessions().CreateSession(ctx, subjectID, time.Hour)
	require.NoError(t, err)

	info, err := e.CheckSession(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "mcp_server", info.SubjectType)
	require.Equal(t, subjectID, info.SubjectID)
	require.Equal(t, "srv-1", info.Subject.String("server_id"))
	_, leaked := info.Subject["secret_hash"]
	require.False(t, leaked)
}
