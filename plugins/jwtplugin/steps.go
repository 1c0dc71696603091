package jwtplugin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/jwt"
	"github.com/SOG-web/reauth/internal/session"
)

func deviceFrom(in engine.Input) *jwt.DeviceInfo {
	d := &jwt.DeviceInfo{
		Fingerprint: in.String("device_fingerprint"),
		IP:          in.String("ip"),
		UserAgent:   in.String("user_agent"),
	}
	if d.Fingerprint == "" && d.IP == "" && d.UserAgent == "" {
		return nil
	}
	return d
}

func (p *Plugin) issueStep() engine.Step {
	return &engine.StepDef{
		StepName:        "issue",
		StepDescription: "Issue an access+refresh token pair for the authenticated session",
		Schema: engine.Schema{
			"token":              {Kind: engine.KindString, Required: true},
			"device_fingerprint": {Kind: engine.KindString},
			"ip":                 {Kind: engine.KindString},
			"user_agent":         {Kind: engine.KindString},
		},
		OutputNames: []string{"access_token", "refresh_token", "token_type", "access_token_expires_at", "refresh_token_expires_at"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess: http.StatusOK,
			},
		},
		RunFunc: p.runIssue,
	}
}

func (p *Plugin) runIssue(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	v, err := sc.Sessions.VerifySession(ctx, in.String("token"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
			return engine.Output{}, &engine.AuthenticationError{Reason: "invalid session"}
		}
		return engine.Output{}, err
	}

	pair, err := sc.Tokens.CreateTokenPair(ctx, jwt.Payload{
		SubjectType: v.Subject.String("type"),
		SubjectID:   v.SubjectID,
		Role:        v.Subject.String("role"),
	}, deviceFrom(in))
	if err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Token pair issued", pairFields(pair)), nil
}

func pairFields(pair *jwt.TokenPair) map[string]any {
	return map[string]any{
		"access_token":             pair.AccessToken,
		"refresh_token":            pair.RefreshToken,
		"token_type":               pair.TokenType,
		"access_token_expires_at":  pair.AccessTokenExpiresAt,
		"refresh_token_expires_at": pair.RefreshTokenExpiresAt,
	}
}

func (p *Plugin) refreshStep() engine.Step {
	return &engine.StepDef{
		StepName:        "refresh",
		StepDescription: "Redeem a refresh token for a new pair (single-use when rotation is on)",
		Schema: engine.Schema{
			"refresh_token":      {Kind: engine.KindString, Required: true},
			"device_fingerprint": {Kind: engine.KindString},
			"ip":                 {Kind: engine.KindString},
			"user_agent":         {Kind: engine.KindString},
		},
		OutputNames: []string{"access_token", "refresh_token", "token_type", "access_token_expires_at", "refresh_token_expires_at"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusUnauthorized,
			},
		},
		RunFunc: p.runRefresh,
	}
}

func (p *Plugin) runRefresh(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	pair, err := sc.Tokens.RefreshAccessToken(ctx, in.String("refresh_token"), deviceFrom(in))
	switch {
	case err == nil:
		return engine.Ok(engine.StatusSuccess, "Token pair refreshed", pairFields(pair)), nil
	case errors.Is(err, jwt.ErrInvalidRefreshToken),
		errors.Is(err, jwt.ErrRefreshTokenRevoked),
		errors.Is(err, jwt.ErrTokenReplayed):
		// replay y revocado responden igual que inválido: sin pistas
		return engine.Fail(engine.StatusInvalidCreds, "Invalid refresh token"), nil
	default:
		return engine.Output{}, err
	}
}

func (p *Plugin) revokeStep() engine.Step {
	return &engine.StepDef{
		StepName:        "revoke",
		StepDescription: "Revoke a single refresh token",
		Schema: engine.Schema{
			"refresh_token": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:  http.StatusOK,
				engine.StatusNotFound: http.StatusNotFound,
			},
		},
		RunFunc: func(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
			err := sc.Tokens.RevokeRefreshToken(ctx, in.String("refresh_token"), jwt.ReasonLogout)
			if errors.Is(err, jwt.ErrInvalidRefreshToken) {
				return engine.Fail(engine.StatusNotFound, "Refresh token not found"), nil
			}
			if err != nil {
				return engine.Output{}, err
			}
			return engine.Ok(engine.StatusSuccess, "Refresh token revoked", nil), nil
		},
	}
}

func (p *Plugin) revokeAllStep() engine.Step {
	return &engine.StepDef{
		StepName:        "revoke-all",
		StepDescription: "Revoke every refresh token of the authenticated subject",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"revoked"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess: http.StatusOK,
			},
		},
		RunFunc: func(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
			v, err := sc.Sessions.VerifySession(ctx, in.String("token"))
			if err != nil {
				return engine.Output{}, &engine.AuthenticationError{Reason: "invalid session"}
			}
			n, err := sc.Tokens.RevokeAllRefreshTokens(ctx, v.Subject.String("type"), v.SubjectID, jwt.ReasonSecurity)
			if err != nil {
				return engine.Output{}, err
			}
			return engine.Ok(engine.StatusSuccess, "All refresh tokens revoked", map[string]any{
				"revoked": n,
			}), nil
		},
	}
}

func (p *Plugin) jwksStep() engine.Step {
	return &engine.StepDef{
		StepName:        "jwks",
		StepDescription: "Public signing keys in JWKS format",
		Schema:          engine.Schema{},
		OutputNames:     []string{"keys"},
		Proto: engine.Protocol{
			Method: http.MethodGet,
			Codes: map[string]int{
				engine.StatusSuccess: http.StatusOK,
			},
		},
		RunFunc: func(ctx context.Context, _ engine.Input, _ *engine.StepContext) (engine.Output, error) {
			raw, err := jwt.BuildJWKS(ctx, p.cfg.Keystore)
			if err != nil {
				return engine.Output{}, err
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				return engine.Output{}, err
			}
			return engine.Ok(engine.StatusSuccess, "JWKS", doc), nil
		},
	}
}
