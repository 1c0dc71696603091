package phonepassword

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/plugins/identity"
)

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, " ", "")
}

func (p *Plugin) loginStep() engine.Step {
	return &engine.StepDef{
		StepName:        "login",
		StepDescription: "Authenticate with phone number and password",
		Schema: engine.Schema{
			"phone":    {Kind: engine.KindString, Required: true},
			"password": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"token", "subject_id"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusUnauthorized,
				engine.StatusUnverified:   http.StatusUnauthorized,
				engine.StatusRateLimited:  http.StatusTooManyRequests,
			},
		},
		RunFunc: p.runLogin,
	}
}

func (p *Plugin) runLogin(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	phone := normalizePhone(in.String("phone"))
	pass := in.String("password")

	if p.cfg.Limiter != nil {
		res, err := p.cfg.Limiter.Allow(ctx, "login:phone:"+phone)
		if err == nil && !res.Allowed {
			return engine.FailWith(engine.StatusRateLimited, "Too many attempts", map[string]any{
				"retry_after": int64(res.RetryAfter.Seconds()),
			}), nil
		}
	}

	if tu, ok := engine.MatchTestUser(p.cfg.TestUsers, phone, pass, sc.Engine.Environment()); ok {
		fields := map[string]any{"subject_id": "test|" + tu.Identifier}
		for k, v := range tu.Profile {
			fields[k] = v
		}
		return engine.Ok(engine.StatusSuccess, "Login successful (test user)", fields), nil
	}

	ident, err := identity.Find(ctx, sc.Orm, Provider, phone)
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
	if p.cfg.RequireVerification && !ident.Bool("verified") {
		return engine.Fail(engine.StatusUnverified, identity.MsgInvalidCredentials), nil
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
		StepDescription: "Create an account with phone number and password",
		Schema: engine.Schema{
			"phone":    {Kind: engine.KindString, Required: true},
			"password": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"subject_id"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusCreated,
				engine.StatusConflict:     http.StatusConflict,
				engine.StatusInvalidCreds: http.StatusBadRequest,
			},
		},
		RunFunc: p.runRegister,
	}
}

func (p *Plugin) runRegister(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	phone := normalizePhone(in.String("phone"))
	pass := in.String("password")

	if !phoneRx.MatchString(phone) {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid phone number"), nil
	}
	if ok, reasons := p.cfg.Policy.Validate(pass); !ok {
		return engine.FailWith(engine.StatusInvalidCreds, "Password does not meet the policy", map[string]any{
			"reasons": reasons,
		}), nil
	}

	verified := !p.cfg.RequireVerification
	acc, err := identity.Create(ctx, sc.Orm, Provider, phone, pass, "user", verified)
	if errors.Is(err, identity.ErrIdentityTaken) {
		return engine.Fail(engine.StatusConflict, "This phone number is already registered"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	if p.cfg.RequireVerification {
		p.issueAndSend(ctx, sc, acc.SubjectID, phone)
	}
	return engine.Ok(engine.StatusSuccess, "Account created", map[string]any{
		"subject_id": acc.SubjectID,
	}), nil
}

func (p *Plugin) sendCodeStep() engine.Step {
	return &engine.StepDef{
		StepName:        "send-code",
		StepDescription: "Send (or resend) the phone verification code",
		Schema: engine.Schema{
			"phone": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:     http.StatusOK,
				engine.StatusRateLimited: http.StatusTooManyRequests,
			},
		},
		RunFunc: p.runSendCode,
	}
}

// runSendCode responde idéntico exista o no el número.
func (p *Plugin) runSendCode(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	phone := normalizePhone(in.String("phone"))

	if p.cfg.Limiter != nil {
		res, err := p.cfg.Limiter.Allow(ctx, "sendcode:phone:"+phone)
		if err == nil && !res.Allowed {
			return engine.FailWith(engine.StatusRateLimited, "Too many attempts", map[string]any{
				"retry_after": int64(res.RetryAfter.Seconds()),
			}), nil
		}
	}

	if ident, err := identity.Find(ctx, sc.Orm, Provider, phone); err == nil {
		p.issueAndSend(ctx, sc, ident.String("subject_id"), phone)
	}
	return engine.Ok(engine.StatusSuccess, "If the account exists, a code was sent", nil), nil
}

func (p *Plugin) verifyPhoneStep() engine.Step {
	return &engine.StepDef{
		StepName:        "verify-phone",
		StepDescription: "Confirm a phone number with the SMS code",
		Schema: engine.Schema{
			"phone": {Kind: engine.KindString, Required: true},
			"code":  {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusBadRequest,
				engine.StatusExpired:      http.StatusBadRequest,
				engine.StatusRateLimited:  http.StatusTooManyRequests,
			},
		},
		RunFunc: p.runVerifyPhone,
	}
}

func (p *Plugin) runVerifyPhone(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	phone := normalizePhone(in.String("phone"))
	code := in.String("code")

	ident, err := identity.Find(ctx, sc.Orm, Provider, phone)
	if err != nil {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
	}

	err = identity.ConsumeCode(ctx, sc.Orm, ident.String("subject_id"), purposeVerify, code, p.cfg.MaxCodeAttempts)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrCodeExpired):
		return engine.Fail(engine.StatusExpired, "The code has expired, request a new one"), nil
	case errors.Is(err, identity.ErrTooManyAttempts):
		return engine.Fail(engine.StatusRateLimited, "Too many attempts, request a new code"), nil
	case errors.Is(err, identity.ErrCodeInvalid):
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
	default:
		return engine.Output{}, err
	}

	if err := identity.MarkVerified(ctx, sc.Orm, Provider, phone); err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Phone verified", nil), nil
}

func (p *Plugin) issueAndSend(ctx context.Context, sc *engine.StepContext, subjectID, phone string) {
	code, err := identity.IssueCode(ctx, sc.Orm, subjectID, purposeVerify, p.cfg.CodeDigits, p.cfg.CodeTTL)
	if err != nil {
		logger.From(ctx).Warn("issue code failed", logger.Plugin("phone-password"), logger.Err(err))
		return
	}
	if err := p.cfg.SendCode(ctx, phone, code); err != nil {
		logger.From(ctx).Warn("send sms failed", logger.Plugin("phone-password"), logger.Err(err))
	}
}
