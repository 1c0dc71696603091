package username

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/security/password"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
	"github.com/SOG-web/reauth/plugins/identity"
)

func newHarness(t *testing.T, cfg Config) (*engine.Engine, storage.Orm) {
	t.Helper()
	orm := memory.New()
	e := engine.New(orm, engine.WithEnvFunc(func() string { return "development" }))
	require.NoError(t, e.Register(New(cfg)))
	return e, orm
}

func exec(t *testing.T, e *engine.Engine, step string, in engine.Input) engine.Output {
	t.Helper()
	out, err := e.ExecuteStep(context.Background(), "username", step, in)
	require.NoError(t, err)
	return out
}

func TestRegisterAndLogin(t *testing.T) {
	e, _ := newHarness(t, Config{})

	out := exec(t, e, "register", engine.Input{"username": "  Admin.One ", "password": "hunter22"})
	require.True(t, out.Success)
	require.NotEmpty(t, out.Fields["subject_id"])
	// el registro emite sesión de una: no hay verificación en este plugin
	require.NotEmpty(t, out.Fields["token"])

	out = exec(t, e, "login", engine.Input{"username": "admin.one", "password": "hunter22"})
	require.True(t, out.Success)
	v, err := e.Sessions().VerifySession(context.Background(), out.Fields["token"].(string))
	require.NoError(t, err)
	require.NotEmpty(t, v.SubjectID)
}

func TestRegister_UsernameFormat(t *testing.T) {
	e, _ := newHarness(t, Config{})

	for _, bad := range []string{"ab", "has space", "emoji😀", "way.too.long.username.more.than.32.chars"} {
		out := exec(t, e, "register", engine.Input{"username": bad, "password": "hunter22"})
		require.Equal(t, engine.StatusInvalidCreds, out.Status, "username %q", bad)
	}
}

func TestRegister_Taken(t *testing.T) {
	e, _ := newHarness(t, Config{})
	exec(t, e, "register", engine.Input{"username": "taken", "password": "hunter22"})

	out := exec(t, e, "register", engine.Input{"username": "TAKEN", "password": "other999"})
	require.Equal(t, engine.StatusConflict, out.Status)
}

func TestLogin_EnumerationSafety(t *testing.T) {
	e, _ := newHarness(t, Config{})
	exec(t, e, "register", engine.Input{"username": "real", "password": "hunter22"})

	unknown := exec(t, e, "login", engine.Input{"username": "ghost", "password": "hunter22"})
	wrong := exec(t, e, "login", engine.Input{"username": "real", "password": "nope"})

	require.Equal(t, engine.StatusInvalidCreds, unknown.Status)
	require.Equal(t, unknown.Message, wrong.Message)
	require.Equal(t, identity.MsgInvalidCredentials, unknown.Message)
}

func TestChangePassword_KeepsCurrentSession(t *testing.T) {
	e, orm := newHarness(t, Config{})
	ctx := context.Background()

	out := exec(t, e, "register", engine.Input{"username": "alice", "password": "oldpass11"})
	subjectID := out.Fields["subject_id"].(string)
	current := out.Fields["token"].(string)

	// una segunda sesión del mismo subject, que debería morir con el cambio
	login := exec(t, e, "login", engine.Input{"username": "alice", "password": "oldpass11"})
	other := login.Fields["token"].(string)

	out = exec(t, e, "change-password", engine.Input{
		"token": current, "current_password": "oldpass11", "new_password": "newpass22",
	})
	require.True(t, out.Success)

	// la sesión que hizo el cambio sigue viva, la otra no
	_, err := e.Sessions().VerifySession(ctx, current)
	require.NoError(t, err)
	_, err = e.Sessions().VerifySession(ctx, other)
	require.Error(t, err)

	n, err := orm.Count(ctx, storage.TableSessions, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	out = exec(t, e, "login", engine.Input{"username": "alice", "password": "newpass22"})
	require.True(t, out.Success)
}

func TestChangePassword_WrongCurrent(t *testing.T) {
	e, _ := newHarness(t, Config{})
	out := exec(t, e, "register", engine.Input{"username": "bob", "password": "oldpass11"})
	token := out.Fields["token"].(string)

	out = exec(t, e, "change-password", engine.Input{
		"token": token, "current_password": "nope", "new_password": "newpass22",
	})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
}

func TestChangePassword_BadSessionIsTyped(t *testing.T) {
	e, _ := newHarness(t, Config{})

	_, err := e.ExecuteStep(context.Background(), "username", "change-password", engine.Input{
		"token": "garbage", "current_password": "x", "new_password": "newpass22",
	})
	var authErr *engine.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestChangePassword_NewPasswordPolicy(t *testing.T) {
	e, _ := newHarness(t, Config{Policy: password.Policy{MinLength: 10}})
	out := exec(t, e, "register", engine.Input{"username": "carol", "password": "longenough1"})
	token := out.Fields["token"].(string)

	out = exec(t, e, "change-password", engine.Input{
		"token": token, "current_password": "longenough1", "new_password": "short",
	})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
	require.Contains(t, out.Fields["reasons"], "too_short")
}
