package username

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/security/password"
	token "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/session"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/SOG-web/reauth/plugins/identity"
)

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (p *Plugin) loginStep() engine.Step {
	return &engine.StepDef{
		StepName:        "login",
		StepDescription: "Authenticate with username and password",
		Schema: engine.Schema{
			"username": {Kind: engine.KindString, Required: true},
			"password": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"token", "subject_id"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusUnauthorized,
				engine.StatusRateLimited:  http.StatusTooManyRequests,
			},
		},
		RunFunc: p.runLogin,
	}
}

func (p *Plugin) runLogin(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	user := normalize(in.String("username"))
	pass := in.String("password")

	if p.cfg.Limiter != nil {
		res, err := p.cfg.Limiter.Allow(ctx, "login:username:"+user)
		if err == nil && !res.Allowed {
			return engine.FailWith(engine.StatusRateLimited, "Too many attempts", map[string]any{
				"retry_after": int64(res.RetryAfter.Seconds()),
			}), nil
		}
	}

	if tu, ok := engine.MatchTestUser(p.cfg.TestUsers, user, pass, sc.Engine.Environment()); ok {
		fields := map[string]any{"subject_id": "test|" + tu.Identifier}
		for k, v := range tu.Profile {
			fields[k] = v
		}
		return engine.Ok(engine.StatusSuccess, "Login successful (test user)", fields), nil
	}

	ident, err := identity.Find(ctx, sc.Orm, Provider, user)
	if err != nil {
		return engine.Fail(engine.StatusInvalidCreds, identity.MsgInvalidCredentials), nil
	}
	subjectID := ident.String("subject_id")

	ok, err := identity.VerifyPassword(ctx, sc.Orm, subjectID, pass)
	if err != nil && !errors.Is(err, identity.ErrNoCredential) {
		return engine.Output{}, err
	}
	if !ok {
		return engine.Fail(engine.StatusInvalidCreds, identity.MsgInvalidCredentials), nil
	}

	token, err := sc.Sessions.CreateSession(ctx, subjectID, p.cfg.SessionTTL)
	if err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Login successful", map[string]any{
		"token":      token,
		"subject_id": subjectID,
	}), nil
}

func (p *Plugin) registerStep() engine.Step {
	return &engine.StepDef{
		StepName:        "register",
		StepDescription: "Create an account with username and password",
		Schema: engine.Schema{
			"username": {Kind: engine.KindString, Required: true},
			"password": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"subject_id", "token"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusCreated,
				engine.StatusConflict:     http.StatusConflict,
				engine.StatusInvalidCreds: http.StatusBadRequest,
				engine.StatusCompromised:  http.StatusBadRequest,
			},
		},
		RunFunc: p.runRegister,
	}
}

func (p *Plugin) runRegister(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	user := normalize(in.String("username"))
	pass := in.String("password")

	if !usernameRx.MatchString(user) {
		return engine.Fail(engine.StatusInvalidCreds, "Username must be 3-32 characters (letters, digits, . _ -)"), nil
	}
	if ok, reasons := p.cfg.Policy.Validate(pass); !ok {
		return engine.FailWith(engine.StatusInvalidCreds, "Password does not meet the policy", map[string]any{
			"reasons": reasons,
		}), nil
	}
	if p.cfg.BlacklistPath != "" {
		if bl, err := password.GetCachedBlacklist(p.cfg.BlacklistPath); err == nil && bl.Contains(pass) {
			return engine.Fail(engine.StatusCompromised, "This password appears in known breaches, choose another one"), nil
		}
	}

	acc, err := identity.Create(ctx, sc.Orm, Provider, user, pass, "user", true)
	if errors.Is(err, identity.ErrIdentityTaken) {
		return engine.Fail(engine.StatusConflict, "This username is taken"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	token, err := sc.Sessions.CreateSession(ctx, acc.SubjectID, p.cfg.SessionTTL)
	if err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Account created", map[string]any{
		"subject_id": acc.SubjectID,
		"token":      token,
	}), nil
}

func (p *Plugin) changePasswordStep() engine.Step {
	return &engine.StepDef{
		StepName:        "change-password",
		StepDescription: "Change the password of the authenticated subject",
		Schema: engine.Schema{
			"token":            {Kind: engine.KindString, Required: true},
			"current_password": {Kind: engine.KindString, Required: true},
			"new_password":     {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusUnauthorized,
			},
		},
		RunFunc: p.runChangePassword,
	}
}

func (p *Plugin) runChangePassword(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	v, err := sc.Sessions.VerifySession(ctx, in.String("token"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
			return engine.Output{}, &engine.AuthenticationError{Reason: "invalid session"}
		}
		return engine.Output{}, err
	}

	ok, err := identity.VerifyPassword(ctx, sc.Orm, v.SubjectID, in.String("current_password"))
	if err != nil && !errors.Is(err, identity.ErrNoCredential) {
		return engine.Output{}, err
	}
	if !ok {
		return engine.Fail(engine.StatusInvalidCreds, identity.MsgInvalidCredentials), nil
	}

	newPass := in.String("new_password")
	if ok, reasons := p.cfg.Policy.Validate(newPass); !ok {
		return engine.FailWith(engine.StatusInvalidCreds, "Password does not meet the policy", map[string]any{
			"reasons": reasons,
		}), nil
	}
	if err := identity.SetPassword(ctx, sc.Orm, v.SubjectID, newPass); err != nil {
		return engine.Output{}, err
	}

	// Cambió la credencial: mueren todas las sesiones menos la actual.
	otherSessions := storage.Query{Where: storage.And(
		storage.Eq("subject_id", v.SubjectID),
		storage.Ne("token_hash", token.SHA256Base64URL(in.String("token"))),
	)}
	if _, err := sc.Orm.DeleteMany(ctx, storage.TableSessions, otherSessions); err != nil {
		logger.From(ctx).Warn("revoke other sessions failed",
			logger.Plugin("username"),
			logger.SubjectID(v.SubjectID),
			logger.Err(err),
		)
	}
	return engine.Ok(engine.StatusSuccess, "Password updated", nil), nil
}
