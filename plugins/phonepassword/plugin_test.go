package phonepassword

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
	"github.com/SOG-web/reauth/plugins/identity"
)

// smsCapture junta los códigos enviados, indexados por teléfono.
type smsCapture struct {
	codes map[string]string
}

func (c *smsCapture) send(_ context.Context, phone, code string) error {
	if c.codes == nil {
		c.codes = map[string]string{}
	}
	c.codes[phone] = code
	return nil
}

func newHarness(t *testing.T, cfg Config) (*engine.Engine, storage.Orm, *smsCapture) {
	t.Helper()
	sms := &smsCapture{}
	cfg.SendCode = sms.send
	orm := memory.New()
	e := engine.New(orm, engine.WithEnvFunc(func() string { return "development" }))
	require.NoError(t, e.Register(New(cfg)))
	return e, orm, sms
}

func exec(t *testing.T, e *engine.Engine, step string, in engine.Input) engine.Output {
	t.Helper()
	out, err := e.ExecuteStep(context.Background(), "phone-password", step, in)
	require.NoError(t, err)
	return out
}

func TestRegisterVerifyLogin_Flow(t *testing.T) {
	e, _, sms := newHarness(t, Config{RequireVerification: true})

	// los espacios del número se normalizan antes de todo
	out := exec(t, e, "register", engine.Input{"phone": "+54 911 5555 0001", "password": "hunter22"})
	require.True(t, out.Success)
	code, ok := sms.codes["+5491155550001"]
	require.True(t, ok)

	out = exec(t, e, "login", engine.Input{"phone": "+5491155550001", "password": "hunter22"})
	require.Equal(t, engine.StatusUnverified, out.Status)
	require.Equal(t, identity.MsgInvalidCredentials, out.Message)

	out = exec(t, e, "verify-phone", engine.Input{"phone": "+5491155550001", "code": code})
	require.True(t, out.Success)

	out = exec(t, e, "login", engine.Input{"phone": "+54 911 5555 0001", "password": "hunter22"})
	require.True(t, out.Success)
	require.NotEmpty(t, out.Fields["token"])
}

func TestRegister_InvalidPhone(t *testing.T) {
	e, _, _ := newHarness(t, Config{})

	for _, bad := range []string{"123", "not-a-phone", "+123456789012345678"} {
		out := exec(t, e, "register", engine.Input{"phone": bad, "password": "hunter22"})
		require.Equal(t, engine.StatusInvalidCreds, out.Status, "phone %q", bad)
	}
}

func TestRegister_Duplicate(t *testing.T) {
	e, _, _ := newHarness(t, Config{})
	exec(t, e, "register", engine.Input{"phone": "+5491155550001", "password": "hunter22"})

	out := exec(t, e, "register", engine.Input{"phone": "+54 911 5555 0001", "password": "other999"})
	require.Equal(t, engine.StatusConflict, out.Status)
}

func TestSendCode_ResendInvalidatesPrevious(t *testing.T) {
	e, _, sms := newHarness(t, Config{RequireVerification: true})
	exec(t, e, "register", engine.Input{"phone": "+5491155550001", "password": "hunter22"})
	first := sms.codes["+5491155550001"]

	out := exec(t, e, "send-code", engine.Input{"phone": "+5491155550001"})
	require.True(t, out.Success)
	second := sms.codes["+5491155550001"]
	require.NotEqual(t, first, second)

	// el código viejo murió con la re-emisión
	out = exec(t, e, "verify-phone", engine.Input{"phone": "+5491155550001", "code": first})
	require.Equal(t, engine.StatusInvalidCreds, out.Status)
	out = exec(t, e, "verify-phone", engine.Input{"phone": "+5491155550001", "code": second})
	require.True(t, out.Success)
}

func TestSendCode_UnknownPhoneSameAnswer(t *testing.T) {
	e, _, sms := newHarness(t, Config{RequireVerification: true})
	exec(t, e, "register", engine.Input{"phone": "+5491155550001", "password": "hunter22"})

	known := exec(t, e, "send-code", engine.Input{"phone": "+5491155550001"})
	unknown := exec(t, e, "send-code", engine.Input{"phone": "+5491155559999"})

	require.Equal(t, known.Message, unknown.Message)
	_, sent := sms.codes["+5491155559999"]
	require.False(t, sent)
}

func TestVerifyPhone_AttemptLimit(t *testing.T) {
	e, _, sms := newHarness(t, Config{RequireVerification: true, MaxCodeAttempts: 3})
	exec(t, e, "register", engine.Input{"phone": "+5491155550001", "password": "hunter22"})
	code := sms.codes["+5491155550001"]

	bad := engine.Input{"phone": "+5491155550001", "code": "000000"}
	for i := 0; i < 3; i++ {
		out := exec(t, e, "verify-phone", bad)
		require.Equal(t, engine.StatusInvalidCreds, out.Status)
	}

	// agotados los intentos, ni el código correcto entra
	out := exec(t, e, "verify-phone", engine.Input{"phone": "+5491155550001", "code": code})
	require.Equal(t, engine.StatusRateLimited, out.Status)
}

func TestLogin_EnumerationSafety(t *testing.T) {
	e, _, _ := newHarness(t, Config{})
	exec(t, e, "register", engine.Input{"phone": "+5491155550001", "password": "hunter22"})

	unknown := exec(t, e, "login", engine.Input{"phone": "+5491155559999", "password": "hunter22"})
	wrong := exec(t, e, "login", engine.Input{"phone": "+5491155550001", "password": "nope"})

	require.Equal(t, engine.StatusInvalidCreds, unknown.Status)
	require.Equal(t, unknown.Message, wrong.Message)
}

func TestCleanup_PurgesExpiredCodes(t *testing.T) {
	e, orm, _ := newHarness(t, Config{
		RequireVerification: true,
		CleanupEnabled:      true,
		CodeTTL:             1, // nanosegundo: vencido al instante
	})
	exec(t, e, "register", engine.Input{"phone": "+5491155550001", "password": "hunter22"})

	res := e.Cleanup().RunOnce(context.Background())["phone-password/expired-codes"]
	require.EqualValues(t, 1, res.Cleaned[purposeVerify])

	n, err := orm.Count(context.Background(), storage.TableVerificationCodes, storage.Query{})
	require.NoError(t, err)
	require.Zero(t, n)
}
