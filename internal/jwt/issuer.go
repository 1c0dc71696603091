package jwt

import (
	"context"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// Issuer firma tokens usando la clave activa del keystore.
type Issuer struct {
	Iss       string    // "iss"
	Keys      *Keystore // keystore persistente
	AccessTTL time.Duration
}

func NewIssuer(iss string, ks *Keystore) *Issuer {
	return &Issuer{
		Iss:       iss,
		Keys:      ks,
		AccessTTL: 15 * time.Minute,
	}
}

// ActiveKID devuelve el KID activo actual.
func (i *Issuer) ActiveKID(ctx context.Context) (string, error) {
	kid, _, _, err := i.Keys.Active(ctx)
	return kid, err
}

// Keyfunc devuelve un jwt.Keyfunc que elige la pubkey por 'kid' del token
// (active o retiring dentro del grace period).
func (i *Issuer) Keyfunc(ctx context.Context) jwtv5.Keyfunc {
	return func(t *jwtv5.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid != "" {
			return i.Keys.PublicKeyByKID(ctx, kid)
		}
		// Fallback: usar la activa
		_, _, pub, err := i.Keys.Active(ctx)
		if err != nil {
			return nil, err
		}
		return pub, nil
	}
}

// IssueAccess emite un Access Token con claims estándar + extras.
func (i *Issuer) IssueAccess(ctx context.Context, sub string, extra map[string]any) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(i.AccessTTL)

	kid, priv, _, err := i.Keys.Active(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	claims := jwtv5.MapClaims{
		"iss": i.Iss,
		"sub": sub,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": exp.Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	tk := jwtv5.NewWithClaims(jwtv5.SigningMethodEdDSA, claims)
	tk.Header["kid"] = kid
	tk.Header["typ"] = "JWT"

	signed, err := tk.SignedString(priv)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseAccess valida firma, iss y exp de un access token y devuelve los claims.
func (i *Issuer) ParseAccess(ctx context.Context, tokenStr string) (jwtv5.MapClaims, error) {
	tk, err := jwtv5.Parse(tokenStr, i.Keyfunc(ctx),
		jwtv5.WithValidMethods([]string{"EdDSA"}),
		jwtv5.WithIssuer(i.Iss),
		jwtv5.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := tk.Claims.(jwtv5.MapClaims)
	if !ok || !tk.Valid {
		return nil, jwtv5.ErrTokenUnverifiable
	}
	return claims, nil
}
