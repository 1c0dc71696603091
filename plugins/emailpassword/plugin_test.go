package emailpassword

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/cache"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/jwt"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/security/password"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
	"github.com/SOG-web/reauth/plugins/identity"
)

// captureSender guarda los mails en vez de mandarlos, para poder leer el
// código desde el test.
type captureSender struct {
	mails []capturedMail
}

type capturedMail struct {
	To      string
	Subject string
	Text    string
}

func (c *captureSender) Send(to, subject, htmlBody, textBody string) error {
	c.mails = append(c.mails, capturedMail{To: to, Subject: subject, Text: textBody})
	return nil
}

var codeRe = regexp.MustCompile(`\d{6}`)

func (c *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, c.mails)
	code := codeRe.FindString(c.mails[len(c.mails)-1].Text)
	require.NotEmpty(t, code)
	return code
}

func newHarness(t *testing.T, cfg Config) (*engine.Engine, storage.Orm, *captureSender) {
	t.Helper()
	orm := memory.New()
	sender := &captureSender{}
	cfg.Sender = sender

	ks := jwt.NewKeystore(orm, time.Hour)
	require.NoError(t, ks.EnsureBootstrap(context.Background()))
	tokens := jwt.NewService(orm, jwt.NewIssuer("reauth-test", ks), time.Hour, true)

	e := engine.New(orm,
		engine.WithTokenService(tokens),
		engine.WithEnvFunc(func() string { return "development" }),
	)
	require.NoError(t, e.Register(New(cfg)))
	return e, orm, sender
}

func exec(t *testing.T, e *engine.Engine, step string, in engine.Input) engine.Output {
	t.Helper()
	out, err := e.ExecuteStep(context.Background(), "email-password", step, in)
	require.NoError(t, err)
	return out
}

func TestRegisterVerifyLogin_Flow(t *testing.T) {
	e, _, sender := newHarness(t, Config{RequireVerification: true})

	out := exec(t, e, "register", engine.Input{"email": "Ana@Example.com", "password": "hunter22"})
	require.True(t, out.Success)
	require.Equal(t, engine.StatusSuccess, out.Status)
	require.NotEmpty(t, out.Fields["subject_id"])

	// el código de verificación salió por mail, al email normalizado
	require.Len(t, sender.mails, 1)
	require.Equal(t, "ana@example.com", sender.mails[0].To)
	require.Equal(t, "Verify your email", sender.mails[0].Subject)

	// sin verificar todavía: el login no pasa
	out = exec(t, e, "login", engine.Input{"email": "ana@example.com", "password": "hunter22"})
	require.False(t, out.Success)
	require.Equal(t, engine.StatusUnverified, out.Status)
	require.Equal(t, identity.MsgInvalidCredentials, out.Message)

	out = exec(t, e, "verify-email", engine.Input{"email": "ana@example.com", "code": sender.lastCode(t)})
	require.True(t, out.Success)

	out = exec(t, e, "login", engine.Input{"email": "ANA@example.com", "password": "hunter22"})
	require.True(t, out.Success)
	require.NotEmpty(t, out.Fields["token"])
	require.NotEmpty(t, out.Fields["subject_id"])

	// el token es una sesión real
	v, err := e.Sessions().VerifySession(context.Background(), out.Fields["token"].(string))
	require.NoError(t, err)
	require.Equal(t, out.Fields["subject_id"], v.SubjectID)
}

func TestLogin_EnumerationSafety(t *testing.T) {
	e, _, _ := newHarness(t, Config{RequireVerification: false})
	exec(t, e, "register", engine.Input{"email": "real@example.com", "password": "hunter22"})

	unknown := exec(t, e, "login", engine.Input{"email": "nope@example.com", "password": "hunter22"})
	wrongPass := exec(t, e, "login", engine.Input{"email": "real@example.com", "password": "wrong"})

	// mismo mensaje byte a byte: no se distingue cuenta inexistente de
	// password incorrecto
	require.Equal(t, engine.StatusInvalidCreds, unknown.Status)
	require.Equal(t, engine.StatusInvalidCreds, wrongPass.Status)
	require.Equal(t, unknown.Message, wrongPass.Message)
	require.Equal(t, identity.MsgInvalidCredentials, unknown.Message)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	e, orm, _ := newHarness(t, Config{})

	out := exec(t, e, "register", engine.Input{"email": "  Dup@Example.COM ", "password": "hunter22"})
	require.True(t, out.Success)

	// mismo email normalizado: conflicto, sin subject huérfano
	out = exec(t, e, "register", engine.Input{"email": "dup@example.com", "password": "other999"})
	require.Equal(t, engine.StatusConflict, out.Status)

	n, err := orm.Count(context.Background(), storage.TableSubjects, storage.Query{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestRegister_PasswordPolicy(t *testing.T) {
	e, _, _ := newHarness(t, Config{
		Policy: password.Policy{MinLength: 8, RequireDigit: true},
	})

	out := exec(t, e, "register", engine.Input{"email": "a@example.com", "password": "short"})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
	reasons, ok := out.Fields["reasons"].([]string)
	require.True(t, ok)
	require.Contains(t, reasons, "too_short")
	require.Contains(t, reasons, "missing_digit")
}

func TestRegister_AutoLogin(t *testing.T) {
	e, _, sender := newHarness(t, Config{AutoLogin: true})

	out := exec(t, e, "register", engine.Input{"email": "a@example.com", "password": "hunter22"})
	require.True(t, out.Success)
	require.NotEmpty(t, out.Fields["token"])
	// sin verificación no hay mail que mandar
	require.Empty(t, sender.mails)
}

func TestSendReset_SameResponseForUnknown(t *testing.T) {
	e, _, sender := newHarness(t, Config{})
	exec(t, e, "register", engine.Input{"email": "known@example.com", "password": "hunter22"})

	known := exec(t, e, "send-reset", engine.Input{"email": "known@example.com"})
	unknown := exec(t, e, "send-reset", engine.Input{"email": "ghost@example.com"})

	require.True(t, known.Success)
	require.True(t, unknown.Success)
	require.Equal(t, known.Message, unknown.Message)
	// pero solo la cuenta real recibió el código
	require.Len(t, sender.mails, 1)
	require.Equal(t, "known@example.com", sender.mails[0].To)
}

func TestResetPassword_RevokesEverything(t *testing.T) {
	e, _, sender := newHarness(t, Config{})
	ctx := context.Background()

	out := exec(t, e, "register", engine.Input{"email": "a@example.com", "password": "oldpass11"})
	subjectID := out.Fields["subject_id"].(string)

	login := exec(t, e, "login", engine.Input{"email": "a@example.com", "password": "oldpass11"})
	sessionToken := login.Fields["token"].(string)

	pair, err := e.Tokens().CreateTokenPair(ctx, jwt.Payload{
		SubjectType: "user", SubjectID: subjectID, Role: "user",
	}, nil)
	require.NoError(t, err)

	exec(t, e, "send-reset", engine.Input{"email": "a@example.com"})
	out = exec(t, e, "reset-password", engine.Input{
		"email": "a@example.com", "code": sender.lastCode(t), "new_password": "newpass22",
	})
	require.True(t, out.Success)

	// sesión vieja muerta
	_, err = e.Sessions().VerifySession(ctx, sessionToken)
	require.Error(t, err)

	// refresh token revocado
	v := e.Tokens().ValidateRefreshToken(ctx, pair.RefreshToken)
	require.False(t, v.IsValid)

	// password vieja ya no entra, la nueva sí
	out = exec(t, e, "login", engine.Input{"email": "a@example.com", "password": "oldpass11"})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
	out = exec(t, e, "login", engine.Input{"email": "a@example.com", "password": "newpass22"})
	require.True(t, out.Success)
}

func TestVerifyEmail_WrongCode(t *testing.T) {
	e, _, _ := newHarness(t, Config{RequireVerification: true})
	exec(t, e, "register", engine.Input{"email": "a@example.com", "password": "hunter22"})

	wrong := exec(t, e, "verify-email", engine.Input{"email": "a@example.com", "code": "000000"})
	ghost := exec(t, e, "verify-email", engine.Input{"email": "ghost@example.com", "code": "000000"})

	require.Equal(t, engine.StatusInvalidCreds, wrong.Status)
	// email inexistente: misma respuesta que código incorrecto
	require.Equal(t, wrong.Status, ghost.Status)
	require.Equal(t, wrong.Message, ghost.Message)
}

func TestVerifyEmail_ExpiredCode(t *testing.T) {
	e, _, sender := newHarness(t, Config{
		RequireVerification: true,
		CodeTTL:             time.Nanosecond,
	})
	exec(t, e, "register", engine.Input{"email": "a@example.com", "password": "hunter22"})
	code := sender.lastCode(t)
	time.Sleep(2 * time.Millisecond)

	out := exec(t, e, "verify-email", engine.Input{"email": "a@example.com", "code": code})
	require.Equal(t, engine.StatusExpired, out.Status)
}

func TestLogin_RateLimited(t *testing.T) {
	c, err := cache.New(cache.Config{Driver: "memory"})
	require.NoError(t, err)
	e, _, _ := newHarness(t, Config{
		Limiter: rate.NewCacheLimiter(c, "rl-test", 2, time.Minute),
	})

	in := engine.Input{"email": "a@example.com", "password": "whatever1"}
	exec(t, e, "login", in)
	exec(t, e, "login", in)

	out := exec(t, e, "login", in)
	require.Equal(t, engine.StatusRateLimited, out.Status)
	require.Contains(t, out.Fields, "retry_after")

	// otro identifier no comparte la ventana
	out = exec(t, e, "login", engine.Input{"email": "b@example.com", "password": "whatever1"})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
}

func TestLogin_TestUserShortcut(t *testing.T) {
	cfg := Config{TestUsers: []engine.TestUser{{
		Identifier:   "qa@example.com",
		Password:     "qa-pass",
		Environments: []string{"development"},
		Profile:      map[string]any{"role": "tester"},
	}}}

	e, orm, _ := newHarness(t, cfg)
	out := exec(t, e, "login", engine.Input{"email": "qa@example.com", "password": "qa-pass"})
	require.True(t, out.Success)
	require.Equal(t, "test|qa@example.com", out.Fields["subject_id"])
	require.Equal(t, "tester", out.Fields["role"])

	// nada tocó el storage
	n, err := orm.Count(context.Background(), storage.TableSubjects, storage.Query{})
	require.NoError(t, err)
	require.Zero(t, n)

	// password equivocado no usa el shortcut
	out = exec(t, e, "login", engine.Input{"email": "qa@example.com", "password": "nope"})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)

	// en production el shortcut no existe: cae al storage y falla genérico
	prod := engine.New(memory.New(), engine.WithEnvFunc(func() string { return "production" }))
	cfg.Sender = &captureSender{}
	require.NoError(t, prod.Register(New(cfg)))
	out, err = prod.ExecuteStep(context.Background(), "email-password", "login",
		engine.Input{"email": "qa@example.com", "password": "qa-pass"})
	require.NoError(t, err)
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
	require.Equal(t, identity.MsgInvalidCredentials, out.Message)
}

func TestInitialize_RegistersCleanupTask(t *testing.T) {
	e, _, _ := newHarness(t, Config{CleanupEnabled: true})

	tasks := e.Cleanup().Tasks()
	require.Len(t, tasks, 1)
	require.Equal(t, "expired-codes", tasks[0].Name)
	require.Equal(t, "email-password", tasks[0].PluginName)
	require.True(t, tasks[0].Enabled)
}

func TestConfigValidation_RejectsAutoLoginWithVerification(t *testing.T) {
	e := engine.New(memory.New())
	err := e.Register(New(Config{AutoLogin: true, RequireVerification: true}))
	var cfgErr *engine.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
}
