// Package oauth implementa los clients de providers externos (Google OIDC,
// GitHub OAuth2). El core nunca habla con estos providers directamente: lo
// hace a través de Provider, así los tests inyectan fakes.
package oauth

import (
	"context"
	"errors"
)

var (
	ErrExchangeFailed = errors.New("oauth: code exchange failed")
	ErrInvalidIDToken = errors.New("oauth: invalid id_token")
)

// Identity es lo que el engine necesita de un provider: un subject estable y
// el perfil mínimo para crear o linkear la cuenta local.
type Identity struct {
	Provider      string
	Subject       string // ID estable del provider, nunca el email
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// Provider es un upstream de identidad federada.
type Provider interface {
	Name() string
	// AuthURL construye la URL de autorización. nonce viaja al provider
	// cuando el protocolo lo soporta (OIDC).
	AuthURL(ctx context.Context, state, nonce string) (string, error)
	// Exchange canjea el code y devuelve la identidad verificada.
	Exchange(ctx context.Context, code, nonce string) (*Identity, error)
}
