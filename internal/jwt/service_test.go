package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/internal/storage/memory"
)

func newTestService(t *testing.T, rotation bool) (*Service, storage.Orm) {
	t.Helper()
	orm := memory.New()
	ks := NewKeystore(orm, time.Hour)
	require.NoError(t, ks.EnsureBootstrap(context.Background()))
	issuer := NewIssuer("reauth-test", ks)
	return NewService(orm, issuer, time.Hour, rotation), orm
}

func TestCreateTokenPair(t *testing.T) {
	svc, orm := newTestService(t, true)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{
		SubjectType: "subject", SubjectID: "s1", Role: "user",
	}, &DeviceInfo{Fingerprint: "fp1", IP: "10.0.0.1", UserAgent: "tests"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, "Bearer", pair.TokenType)

	// el access verifica contra la clave activa y lleva los claims
	claims, err := svc.Issuer.ParseAccess(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "s1", claims["sub"])
	require.Equal(t, "subject", claims["subject_type"])
	require.Equal(t, "user", claims["role"])

	// el refresh crudo no está en storage, sí su hash y el device
	row, err := orm.FindFirst(ctx, storage.TableRefreshTokens, storage.Query{})
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, row.String("token_hash"))
	require.Equal(t, "fp1", row.String("device_fingerprint"))
}

func TestValidateRefreshToken(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
	require.NoError(t, err)

	v := svc.ValidateRefreshToken(ctx, pair.RefreshToken)
	require.True(t, v.IsValid)
	require.Equal(t, "s1", v.Token.SubjectID)

	v = svc.ValidateRefreshToken(ctx, "garbage")
	require.False(t, v.IsValid)
	require.ErrorIs(t, v.Err, ErrInvalidRefreshToken)

	// validar es lectura pura: el token sigue vivo
	v = svc.ValidateRefreshToken(ctx, pair.RefreshToken)
	require.True(t, v.IsValid)
}

func TestRefresh_RotationChain(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
	require.NoError(t, err)

	next, err := svc.RefreshAccessToken(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	require.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// replay del token ya redimido
	_, err = svc.RefreshAccessToken(ctx, pair.RefreshToken, nil)
	require.ErrorIs(t, err, ErrRefreshTokenRevoked)

	// el nuevo sigue la cadena
	third, err := svc.RefreshAccessToken(ctx, next.RefreshToken, nil)
	require.NoError(t, err)
	require.NotEmpty(t, third.RefreshToken)
}

func TestRefresh_PreservesClaims(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{
		SubjectType: "subject",
		SubjectID:   "s1",
		Role:        "admin",
		Extra:       map[string]any{"tenant": "acme"},
	}, nil)
	require.NoError(t, err)

	// el access rotado lleva los mismos claims que el original
	next, err := svc.RefreshAccessToken(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	claims, err := svc.Issuer.ParseAccess(ctx, next.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "s1", claims["sub"])
	require.Equal(t, "admin", claims["role"])
	require.Equal(t, "acme", claims["tenant"])

	// y sobrevive toda la cadena, no solo el primer salto
	third, err := svc.RefreshAccessToken(ctx, next.RefreshToken, nil)
	require.NoError(t, err)
	claims, err = svc.Issuer.ParseAccess(ctx, third.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "admin", claims["role"])
	require.Equal(t, "acme", claims["tenant"])
}

func TestRefresh_WithoutRotation_PreservesClaims(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{
		SubjectType: "subject", SubjectID: "s1", Role: "admin",
	}, nil)
	require.NoError(t, err)

	next, err := svc.RefreshAccessToken(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	claims, err := svc.Issuer.ParseAccess(ctx, next.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "admin", claims["role"])
}

func TestRefresh_WithoutRotation(t *testing.T) {
	svc, _ := newTestService(t, false)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
	require.NoError(t, err)

	next, err := svc.RefreshAccessToken(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
	require.Equal(t, pair.RefreshToken, next.RefreshToken)

	// sin rotación se puede redimir de nuevo
	_, err = svc.RefreshAccessToken(ctx, pair.RefreshToken, nil)
	require.NoError(t, err)
}

func TestRevokeRefreshToken(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	pair, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeRefreshToken(ctx, pair.RefreshToken, ReasonLogout))

	v := svc.ValidateRefreshToken(ctx, pair.RefreshToken)
	require.ErrorIs(t, v.Err, ErrRefreshTokenRevoked)

	// revocar dos veces no encuentra filas vivas
	require.ErrorIs(t, svc.RevokeRefreshToken(ctx, pair.RefreshToken, ReasonLogout), ErrInvalidRefreshToken)
}

func TestRevokeAll_ScopedBySubject(t *testing.T) {
	svc, _ := newTestService(t, true)
	ctx := context.Background()

	var mine []string
	for i := 0; i < 3; i++ {
		pair, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
		require.NoError(t, err)
		mine = append(mine, pair.RefreshToken)
	}
	otherSubject, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s2"}, nil)
	require.NoError(t, err)
	otherType, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "mcp_server", SubjectID: "s1"}, nil)
	require.NoError(t, err)

	n, err := svc.RevokeAllRefreshTokens(ctx, "subject", "s1", ReasonSecurity)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	for _, raw := range mine {
		require.ErrorIs(t, svc.ValidateRefreshToken(ctx, raw).Err, ErrRefreshTokenRevoked)
	}
	require.True(t, svc.ValidateRefreshToken(ctx, otherSubject.RefreshToken).IsValid)
	require.True(t, svc.ValidateRefreshToken(ctx, otherType.RefreshToken).IsValid)
}

func TestAccessToken_SurvivesKeyRotation(t *testing.T) {
	orm := memory.New()
	ks := NewKeystore(orm, time.Hour)
	ctx := context.Background()
	require.NoError(t, ks.EnsureBootstrap(ctx))
	issuer := NewIssuer("reauth-test", ks)
	svc := NewService(orm, issuer, time.Hour, true)

	pair, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
	require.NoError(t, err)

	// rotar: la clave anterior queda en gracia y sigue verificando
	require.NoError(t, ks.Rotate(ctx))
	_, err = issuer.ParseAccess(ctx, pair.AccessToken)
	require.NoError(t, err)

	// los tokens nuevos firman con el kid nuevo
	pair2, err := svc.CreateTokenPair(ctx, Payload{SubjectType: "subject", SubjectID: "s1"}, nil)
	require.NoError(t, err)
	_, err = issuer.ParseAccess(ctx, pair2.AccessToken)
	require.NoError(t, err)
}
