package oauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

const googleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"

type googleDiscovery struct {
	Issuer        string `json:"issuer"`
	AuthEndpoint  string `json:"authorization_endpoint"`
	TokenEndpoint string `json:"token_endpoint"`
	JWKSURI       string `json:"jwks_uri"`
}

type remoteJWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"` // base64url
	E   string `json:"e"` // base64url
}

type remoteJWKS struct {
	Keys []remoteJWK `json:"keys"`
}

// Google es el client OIDC de Google. Cachea discovery (24h) y JWKS (1h,
// revalidado con ETag).
type Google struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	http *http.Client

	mu       sync.RWMutex
	disc     *googleDiscovery
	discAt   time.Time
	jwks     *remoteJWKS
	jwksAt   time.Time
	jwksETag string
}

func NewGoogle(clientID, clientSecret, redirectURL string) *Google {
	return &Google{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		http:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *Google) Name() string { return "google" }

func (g *Google) discovery(ctx context.Context) (*googleDiscovery, error) {
	g.mu.RLock()
	disc := g.disc
	stale := time.Since(g.discAt) > 24*time.Hour
	g.mu.RUnlock()
	if disc != nil && !stale {
		return disc, nil
	}
	req, _ := http.NewRequestWithContext(ctx, "GET", googleDiscoveryURL, nil)
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var dd googleDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&dd); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.disc = &dd
	g.discAt = time.Now()
	g.mu.Unlock()
	return &dd, nil
}

func (g *Google) getJWKS(ctx context.Context, uri string) (*remoteJWKS, error) {
	g.mu.RLock()
	j := g.jwks
	age := time.Since(g.jwksAt)
	g.mu.RUnlock()
	if j != nil && age < time.Hour {
		return j, nil
	}

	req, _ := http.NewRequestWithContext(ctx, "GET", uri, nil)
	if g.jwksETag != "" {
		req.Header.Set("If-None-Match", g.jwksETag)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		g.mu.Lock()
		out := g.jwks
		g.jwksAt = time.Now()
		g.mu.Unlock()
		return out, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("jwks http %d", resp.StatusCode)
	}
	var jj remoteJWKS
	if err := json.NewDecoder(resp.Body).Decode(&jj); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.jwks = &jj
	g.jwksAt = time.Now()
	g.jwksETag = resp.Header.Get("ETag")
	g.mu.Unlock()
	return &jj, nil
}

func (g *Google) rsaKeyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	disc, err := g.discovery(ctx)
	if err != nil {
		return nil, err
	}
	jwks, err := g.getJWKS(ctx, disc.JWKSURI)
	if err != nil {
		return nil, err
	}
	for _, k := range jwks.Keys {
		if k.Kid != kid || !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		nb, err := base64.RawURLEncoding.DecodeString(k.N)
		if err != nil {
			return nil, err
		}
		eb, err := base64.RawURLEncoding.DecodeString(k.E)
		if err != nil {
			return nil, err
		}
		e := 65537
		if len(eb) > 0 {
			e = 0
			for _, b := range eb {
				e = (e << 8) | int(b)
			}
		}
		return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
	}
	return nil, errors.New("kid not found")
}

func (g *Google) AuthURL(ctx context.Context, state, nonce string) (string, error) {
	disc, err := g.discovery(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(disc.AuthEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", g.ClientID)
	q.Set("redirect_uri", g.RedirectURL)
	q.Set("scope", strings.Join(g.Scopes, " "))
	q.Set("state", state)
	q.Set("nonce", nonce)
	q.Set("access_type", "offline")
	q.Set("include_granted_scopes", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (g *Google) Exchange(ctx context.Context, code, nonce string) (*Identity, error) {
	disc, err := g.discovery(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	form.Set("redirect_uri", g.RedirectURL)

	req, _ := http.NewRequestWithContext(ctx, "POST", disc.TokenEndpoint, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var b struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&b)
		return nil, fmt.Errorf("%w: http %d: %s %s", ErrExchangeFailed, resp.StatusCode, b.Error, b.ErrorDescription)
	}
	var tr struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, err
	}
	return g.verifyIDToken(ctx, tr.IDToken, nonce)
}

// verifyIDToken valida firma, iss, aud y nonce del id_token.
func (g *Google) verifyIDToken(ctx context.Context, idToken, expectedNonce string) (*Identity, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidIDToken
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(hb, &header); err != nil {
		return nil, err
	}
	if header.Alg != "RS256" {
		return nil, fmt.Errorf("%w: unexpected alg %s", ErrInvalidIDToken, header.Alg)
	}

	key, err := g.rsaKeyForKid(ctx, header.Kid)
	if err != nil {
		return nil, err
	}
	tok, err := jwtv5.Parse(idToken,
		func(t *jwtv5.Token) (any, error) { return key, nil },
		jwtv5.WithValidMethods([]string{"RS256"}),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidIDToken
	}
	claims, ok := tok.Claims.(jwtv5.MapClaims)
	if !ok {
		return nil, ErrInvalidIDToken
	}

	iss, _ := claims["iss"].(string)
	if iss != "https://accounts.google.com" && iss != "accounts.google.com" {
		return nil, fmt.Errorf("%w: bad iss %s", ErrInvalidIDToken, iss)
	}
	audOK := false
	switch a := claims["aud"].(type) {
	case string:
		audOK = a == g.ClientID
	case []any:
		for _, v := range a {
			if s, _ := v.(string); s == g.ClientID {
				audOK = true
				break
			}
		}
	}
	if !audOK {
		return nil, fmt.Errorf("%w: bad aud", ErrInvalidIDToken)
	}
	if expectedNonce != "" {
		if got, _ := claims["nonce"].(string); got != expectedNonce {
			return nil, fmt.Errorf("%w: bad nonce", ErrInvalidIDToken)
		}
	}

	str := func(k string) string { s, _ := claims[k].(string); return s }
	verified, _ := claims["email_verified"].(bool)
	return &Identity{
		Provider:      g.Name(),
		Subject:       str("sub"),
		Email:         str("email"),
		EmailVerified: verified,
		Name:          str("name"),
		Picture:       str("picture"),
	}, nil
}
