package emailpassword

import (
	"context"
	"errors"
	"net/http"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/plugins/identity"
)

func (p *Plugin) verifyEmailStep() engine.Step {
	return &engine.StepDef{
		StepName:        "verify-email",
		StepDescription: "Confirm an email address with the code sent on registration",
		Schema: engine.Schema{
			"email": {Kind: engine.KindString, Required: true},
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
		RunFunc: p.runVerifyEmail,
	}
}

func (p *Plugin) runVerifyEmail(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	email := normalizeEmail(in.String("email"))
	code := in.String("code")

	ident, err := identity.Find(ctx, sc.Orm, Provider, email)
	if err != nil {
		// email inexistente: mismo resultado que código incorrecto
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
	}

	out, ok := p.consume(ctx, sc, ident.String("subject_id"), purposeVerify, code)
	if !ok {
		return out, nil
	}
	if err := identity.MarkVerified(ctx, sc.Orm, Provider, email); err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Email verified", nil), nil
}

func (p *Plugin) sendResetStep() engine.Step {
	return &engine.StepDef{
		StepName:        "send-reset",
		StepDescription: "Send a password reset code if the account exists",
		Schema: engine.Schema{
			"email": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess: http.StatusOK,
			},
		},
		RunFunc: p.runSendReset,
	}
}

// runSendReset responde idéntico exista o no la cuenta.
func (p *Plugin) runSendReset(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	email := normalizeEmail(in.String("email"))

	if p.cfg.Limiter != nil {
		res, err := p.cfg.Limiter.Allow(ctx, "reset:email:"+email)
		if err == nil && !res.Allowed {
			return engine.FailWith(engine.StatusRateLimited, "Too many attempts", map[string]any{
				"retry_after": int64(res.RetryAfter.Seconds()),
			}), nil
		}
	}

	ident, err := identity.Find(ctx, sc.Orm, Provider, email)
	if err == nil {
		p.sendCode(ctx, sc, ident.String("subject_id"), email, purposeReset, p.cfg.ResetTTL)
	} else {
		logger.From(ctx).Debug("reset requested for unknown email",
			logger.Plugin("email-password"),
		)
	}
	return engine.Ok(engine.StatusSuccess, "If the account exists, a reset code was sent", nil), nil
}

func (p *Plugin) resetPasswordStep() engine.Step {
	return &engine.StepDef{
		StepName:        "reset-password",
		StepDescription: "Set a new password using a reset code; revokes every session and refresh token",
		Schema: engine.Schema{
			"email":        {Kind: engine.KindString, Required: true},
			"code":         {Kind: engine.KindString, Required: true},
			"new_password": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusBadRequest,
				engine.StatusExpired:      http.StatusBadRequest,
				engine.StatusCompromised:  http.StatusBadRequest,
				engine.StatusRateLimited:  http.StatusTooManyRequests,
			},
		},
		RunFunc: p.runResetPassword,
	}
}

func (p *Plugin) runResetPassword(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	email := normalizeEmail(in.String("email"))
	code := in.String("code")
	newPass := in.String("new_password")

	if out, ok := p.checkPassword(newPass); !ok {
		return out, nil
	}

	ident, err := identity.Find(ctx, sc.Orm, Provider, email)
	if err != nil {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
	}
	subjectID := ident.String("subject_id")

	out, ok := p.consume(ctx, sc, subjectID, purposeReset, code)
	if !ok {
		return out, nil
	}

	if err := identity.SetPassword(ctx, sc.Orm, subjectID, newPass); err != nil {
		return engine.Output{}, err
	}

	// Un reset invalida todo lo emitido: sesiones y refresh tokens.
	if _, err := sc.Sessions.DestroyAllSessions(ctx, subjectID); err != nil {
		return engine.Output{}, err
	}
	if sc.Tokens != nil {
		if _, err := sc.Tokens.RevokeAllRefreshTokens(ctx, "user", subjectID, "security"); err != nil {
			return engine.Output{}, err
		}
	}
	return engine.Ok(engine.StatusSuccess, "Password updated", nil), nil
}

// consume mapea los errores de ConsumeCode al envelope.
func (p *Plugin) consume(ctx context.Context, sc *engine.StepContext, subjectID, purpose, code string) (engine.Output, bool) {
	err := identity.ConsumeCode(ctx, sc.Orm, subjectID, purpose, code, p.cfg.MaxCodeAttempts)
	switch {
	case err == nil:
		return engine.Output{}, true
	case errors.Is(err, identity.ErrCodeExpired):
		return engine.Fail(engine.StatusExpired, "The code has expired, request a new one"), false
	case errors.Is(err, identity.ErrTooManyAttempts):
		return engine.Fail(engine.StatusRateLimited, "Too many attempts, request a new code"), false
	case errors.Is(err, identity.ErrCodeInvalid):
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), false
	default:
		logger.From(ctx).Error("consume code failed",
			logger.Plugin("email-password"),
			logger.Err(err),
		)
		return engine.Fail(engine.StatusInternal, "An unexpected error occurred"), false
	}
}
