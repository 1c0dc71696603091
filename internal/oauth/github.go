package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	githubAuthEndpoint  = "https://github.com/login/oauth/authorize"
	githubTokenEndpoint = "https://github.com/login/oauth/access_token"
	githubUserEndpoint  = "https://api.github.com/user"
	githubEmailEndpoint = "https://api.github.com/user/emails"
)

// GitHub es el client OAuth2 de GitHub. A diferencia de Google no hay
// id_token: el perfil sale de la API con el access token.
type GitHub struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	http *http.Client
}

func NewGitHub(clientID, clientSecret, redirectURL string) *GitHub {
	return &GitHub{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"user:email", "read:user"},
		http:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *GitHub) Name() string { return "github" }

// AuthURL construye la URL de autorización. GitHub no soporta nonce: viaja
// dentro del state.
func (g *GitHub) AuthURL(_ context.Context, state, _ string) (string, error) {
	u, err := url.Parse(githubAuthEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("client_id", g.ClientID)
	q.Set("redirect_uri", g.RedirectURL)
	q.Set("scope", strings.Join(g.Scopes, " "))
	q.Set("state", state)
	q.Set("allow_signup", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (g *GitHub) Exchange(ctx context.Context, code, _ string) (*Identity, error) {
	form := url.Values{}
	form.Set("client_id", g.ClientID)
	form.Set("client_secret", g.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", g.RedirectURL)

	req, err := http.NewRequestWithContext(ctx, "POST", githubTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tr struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("%w: %s - %s", ErrExchangeFailed, tr.Error, tr.ErrorDesc)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: no access_token in response", ErrExchangeFailed)
	}

	return g.fetchIdentity(ctx, tr.AccessToken)
}

func (g *GitHub) apiGET(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github api error: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// fetchIdentity arma la identidad desde /user y, si el email es privado,
// desde /user/emails (primary verificado primero).
func (g *GitHub) fetchIdentity(ctx context.Context, accessToken string) (*Identity, error) {
	var user struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := g.apiGET(ctx, githubUserEndpoint, accessToken, &user); err != nil {
		return nil, err
	}

	id := &Identity{
		Provider: g.Name(),
		Subject:  strconv.FormatInt(user.ID, 10),
		Email:    user.Email,
		Name:     user.Name,
		Picture:  user.AvatarURL,
	}
	if id.Name == "" {
		id.Name = user.Login
	}

	if id.Email == "" {
		var emails []struct {
			Email    string `json:"email"`
			Primary  bool   `json:"primary"`
			Verified bool   `json:"verified"`
		}
		if err := g.apiGET(ctx, githubEmailEndpoint, accessToken, &emails); err != nil {
			return nil, fmt.Errorf("get email: %w", err)
		}
		for _, e := range emails {
			if e.Primary && e.Verified {
				id.Email, id.EmailVerified = e.Email, true
				break
			}
		}
		if id.Email == "" {
			for _, e := range emails {
				if e.Verified {
					id.Email, id.EmailVerified = e.Email, true
					break
				}
			}
		}
		if id.Email == "" && len(emails) > 0 {
			id.Email = emails[0].Email
		}
	} else {
		// /user solo devuelve el email público: GitHub lo reporta sin flag
		// de verificación, lo tratamos como no verificado.
		id.EmailVerified = false
	}
	return id, nil
}
