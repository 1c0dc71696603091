package sessionplugin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
)

func newHarness(t *testing.T) (*engine.Engine, storage.Orm) {
	t.Helper()
	orm := memory.New()
	e := engine.New(orm)
	require.NoError(t, e.Register(New(Config{CleanupEnabled: true})))
	return e, orm
}

func newSession(t *testing.T, e *engine.Engine, orm storage.Orm, subjectID string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := orm.FindFirst(ctx, storage.TableSubjects, storage.Query{
		Where: storage.Eq("id", subjectID),
	}); err != nil {
		_, err := orm.Create(ctx, storage.TableSubjects, storage.Row{
			"id": subjectID, "type": "user", "role": "user",
		})
		require.NoError(t, err)
	}
	token, err := e.Sessions().CreateSession(ctx, subjectID, time.Hour)
	require.NoError(t, err)
	return token
}

func exec(t *testing.T, e *engine.Engine, step string, in engine.Input) engine.Output {
	t.Helper()
	out, err := e.ExecuteStep(context.Background(), "session", step, in)
	require.NoError(t, err)
	return out
}

func TestLogout(t *testing.T) {
	e, orm := newHarness(t)
	token := newSession(t, e, orm, "s1")

	out := exec(t, e, "logout", engine.Input{"token": token})
	require.True(t, out.Success)

	// segunda vez ya no está
	out = exec(t, e, "logout", engine.Input{"token": token})
	require.Equal(t, engine.StatusNotFound, out.Status)
}

func TestLogoutAll(t *testing.T) {
	e, orm := newHarness(t)
	t1 := newSession(t, e, orm, "s1")
	t2 := newSession(t, e, orm, "s1")
	other := newSession(t, e, orm, "s2")

	out := exec(t, e, "logout-all", engine.Input{"token": t1})
	require.True(t, out.Success)
	require.EqualValues(t, 2, out.Fields["revoked"])

	_, err := e.Sessions().VerifySession(context.Background(), t2)
	require.Error(t, err)
	// el otro subject no se ve afectado
	_, err = e.Sessions().VerifySession(context.Background(), other)
	require.NoError(t, err)
}

func TestLogoutAll_BadToken(t *testing.T) {
	e, _ := newHarness(t)

	_, err := e.ExecuteStep(context.Background(), "session", "logout-all",
		engine.Input{"token": "garbage"})
	var authErr *engine.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestGetSession(t *testing.T) {
	e, orm := newHarness(t)
	token := newSession(t, e, orm, "s1")

	out := exec(t, e, "get-session", engine.Input{"token": token})
	require.True(t, out.Success)
	require.Equal(t, "user", out.Fields["subject_type"])
	require.Equal(t, "s1", out.Fields["subject_id"])

	_, err := e.ExecuteStep(context.Background(), "session", "get-session",
		engine.Input{"token": "garbage"})
	var authErr *engine.AuthenticationError
	require.ErrorAs(t, err, &authErr)
}

func TestCleanup_PurgesExpiredRows(t *testing.T) {
	e, orm := newHarness(t)
	ctx := context.Background()

	newSession(t, e, orm, "s1")
	// una fila vencida que el soft-TTL ya rechaza pero sigue ocupando lugar
	_, err := orm.Create(ctx, storage.TableSessions, storage.Row{
		"token_hash": "stale", "subject_id": "s1",
		"expires_at": time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)

	res := e.Cleanup().RunOnce(ctx)["session/expired-sessions"]
	require.EqualValues(t, 1, res.Cleaned["sessions"])

	n, err := orm.Count(ctx, storage.TableSessions, storage.Query{})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
