package twofactor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/security/secretbox"
	"github.com/SOG-web/reauth/internal/security/totp"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
)

func newHarness(t *testing.T, cfg Config) (*engine.Engine, storage.Orm) {
	t.Helper()
	if cfg.Issuer == "" {
		cfg.Issuer = "reauth-test"
	}
	if cfg.Box == nil {
		box, err := secretbox.New(bytes.Repeat([]byte{0x42}, 32))
		require.NoError(t, err)
		cfg.Box = box
	}
	orm := memory.New()
	e := engine.New(orm)
	require.NoError(t, e.Register(New(cfg)))
	return e, orm
}

// newSession crea un subject real con su sesión; los steps de este plugin
// exigen estar logueado.
func newSession(t *testing.T, e *engine.Engine, orm storage.Orm, subjectID string) string {
	t.Helper()
	ctx := context.Background()
	_, err := orm.Create(ctx, storage.TableSubjects, storage.Row{
		"id": subjectID, "type": "user", "role": "user",
	})
	require.NoError(t, err)
	token, err := e.Sessions().CreateSession(ctx, subjectID, time.Hour)
	require.NoError(t, err)
	return token
}

func exec(t *testing.T, e *engine.Engine, step string, in engine.Input) engine.Output {
	t.Helper()
	out, err := e.ExecuteStep(context.Background(), "two-factor", step, in)
	require.NoError(t, err)
	return out
}

// enroll corre setup + verify-setup y devuelve el secreto crudo y los backup
// codes.
func enroll(t *testing.T, e *engine.Engine, token string) ([]byte, []string) {
	t.Helper()
	out := exec(t, e, "setup", engine.Input{"token": token})
	require.True(t, out.Success)
	b32 := out.Fields["secret"].(string)
	secret, err := totp.DecodeSecret(b32)
	require.NoError(t, err)

	out = exec(t, e, "verify-setup", engine.Input{
		"token": token, "code": totp.Generate(secret, time.Now()),
	})
	require.True(t, out.Success)
	codes := out.Fields["backup_codes"].([]string)
	return secret, codes
}

func TestEnroll_Flow(t *testing.T) {
	e, orm := newHarness(t, Config{BackupCodes: 4})
	token := newSession(t, e, orm, "s1")

	out := exec(t, e, "setup", engine.Input{"token": token})
	require.True(t, out.Success)
	require.NotEmpty(t, out.Fields["secret"])
	require.Contains(t, out.Fields["otpauth_url"], "otpauth://totp/")
	require.Contains(t, out.Fields["otpauth_url"], "reauth-test")

	secret, err := totp.DecodeSecret(out.Fields["secret"].(string))
	require.NoError(t, err)

	// código cualquiera no confirma el enrolamiento
	bad := exec(t, e, "verify-setup", engine.Input{"token": token, "code": "000000"})
	require.Equal(t, engine.StatusInvalidCreds, bad.Status)

	good := exec(t, e, "verify-setup", engine.Input{
		"token": token, "code": totp.Generate(secret, time.Now()),
	})
	require.True(t, good.Success)
	require.Len(t, good.Fields["backup_codes"], 4)

	row, err := orm.FindFirst(context.Background(), storage.TableTwoFactorMethods, storage.Query{
		Where: storage.Eq("subject_id", "s1"),
	})
	require.NoError(t, err)
	require.True(t, row.Bool("enabled"))
	// el secreto nunca se guarda en claro
	require.NotEqual(t, string(secret), row.String("secret_enc"))
}

func TestSetup_AlreadyEnabled(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")
	enroll(t, e, token)

	out := exec(t, e, "setup", engine.Input{"token": token})
	require.Equal(t, engine.StatusConflict, out.Status)
}

func TestSetup_ReplacesPendingEnrollment(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")

	first := exec(t, e, "setup", engine.Input{"token": token})
	second := exec(t, e, "setup", engine.Input{"token": token})
	require.NotEqual(t, first.Fields["secret"], second.Fields["secret"])

	// el primer secreto murió: confirmar con él no anda
	old, err := totp.DecodeSecret(first.Fields["secret"].(string))
	require.NoError(t, err)
	out := exec(t, e, "verify-setup", engine.Input{
		"token": token, "code": totp.Generate(old, time.Now()),
	})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
}

func TestVerifySetup_NoPending(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")

	out := exec(t, e, "verify-setup", engine.Input{"token": token, "code": "123456"})
	require.Equal(t, engine.StatusNotConfigured, out.Status)
}

func TestVerify_NotEnabled(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")

	out := exec(t, e, "verify", engine.Input{"token": token, "code": "123456"})
	require.Equal(t, engine.StatusNotConfigured, out.Status)
}

func TestVerify_AntiReplay(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")
	secret, _ := enroll(t, e, token)

	// el enrolamiento consumió el paso actual: usamos el siguiente
	code := totp.Generate(secret, time.Now().Add(30*time.Second))
	out := exec(t, e, "verify", engine.Input{"token": token, "code": code})
	require.True(t, out.Success)

	// el mismo paso de 30s no vale dos veces
	out = exec(t, e, "verify", engine.Input{"token": token, "code": code})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
}

func TestVerify_BackupCodeSingleUse(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")
	_, codes := enroll(t, e, token)

	out := exec(t, e, "verify", engine.Input{"token": token, "backup_code": codes[0]})
	require.True(t, out.Success)

	out = exec(t, e, "verify", engine.Input{"token": token, "backup_code": codes[0]})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)

	// los demás siguen vivos
	out = exec(t, e, "verify", engine.Input{"token": token, "backup_code": codes[1]})
	require.True(t, out.Success)
}

func TestVerify_LockoutAfterFailures(t *testing.T) {
	e, orm := newHarness(t, Config{MaxFailures: 3})
	token := newSession(t, e, orm, "s1")
	secret, _ := enroll(t, e, token)

	in := engine.Input{"token": token, "code": "000000"}
	out := exec(t, e, "verify", in)
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
	out = exec(t, e, "verify", in)
	require.Equal(t, engine.StatusInvalidCreds, out.Status)

	// tercer fallo traba la cuenta
	out = exec(t, e, "verify", in)
	require.Equal(t, engine.StatusRateLimited, out.Status)
	require.Contains(t, out.Fields, "retry_after")

	// trabado: ni el código correcto entra
	good := totp.Generate(secret, time.Now().Add(30*time.Second))
	out = exec(t, e, "verify", engine.Input{"token": token, "code": good})
	require.Equal(t, engine.StatusRateLimited, out.Status)
}

func TestVerify_SuccessResetsFailures(t *testing.T) {
	e, orm := newHarness(t, Config{MaxFailures: 3})
	token := newSession(t, e, orm, "s1")
	secret, _ := enroll(t, e, token)

	bad := engine.Input{"token": token, "code": "000000"}
	exec(t, e, "verify", bad)
	exec(t, e, "verify", bad)

	good := totp.Generate(secret, time.Now().Add(30*time.Second))
	out := exec(t, e, "verify", engine.Input{"token": token, "code": good})
	require.True(t, out.Success)

	// contador en cero otra vez: dos fallos nuevos no traban
	exec(t, e, "verify", bad)
	out = exec(t, e, "verify", bad)
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
}

func TestDisable_WipesEverything(t *testing.T) {
	e, orm := newHarness(t, Config{})
	token := newSession(t, e, orm, "s1")
	secret, _ := enroll(t, e, token)
	ctx := context.Background()

	out := exec(t, e, "disable", engine.Input{"token": token, "code": "000000"})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)

	code := totp.Generate(secret, time.Now().Add(30*time.Second))
	out = exec(t, e, "disable", engine.Input{"token": token, "code": code})
	require.True(t, out.Success)

	for _, table := range []string{
		storage.TableTwoFactorMethods,
		storage.TableTwoFactorBackupCodes,
		storage.TableTwoFactorAttempts,
	} {
		n, err := orm.Count(ctx, table, storage.Query{Where: storage.Eq("subject_id", "s1")})
		require.NoError(t, err)
		require.Zero(t, n, table)
	}

	out = exec(t, e, "verify", engine.Input{"token": token, "code": code})
	require.Equal(t, engine.StatusNotConfigured, out.Status)
}

func TestSteps_RequireSession(t *testing.T) {
	e, _ := newHarness(t, Config{})

	for _, step := range []string{"setup", "verify-setup", "verify", "disable"} {
		in := engine.Input{"token": "garbage", "code": "123456"}
		_, err := e.ExecuteStep(context.Background(), "two-factor", step, in)
		var authErr *engine.AuthenticationError
		require.ErrorAs(t, err, &authErr, step)
	}
}

func TestConfigValidation(t *testing.T) {
	e := engine.New(memory.New())
	err := e.Register(New(Config{}))
	var cfgErr *engine.ConfigValidationError
	require.ErrorAs(t, err, &cfgErr)
}
