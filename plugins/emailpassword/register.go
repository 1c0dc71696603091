package emailpassword

import (
	"context"
	"errors"
	"net/http"
	"time"

	intemail "github.com/SOG-web/reauth/internal/email"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/security/password"
	"github.com/SOG-web/reauth/plugins/identity"
)

func (p *Plugin) registerStep() engine.Step {
	return &engine.StepDef{
		StepName:        "register",
		StepDescription: "Create an account with email and password",
		Schema: engine.Schema{
			"email":    {Kind: engine.KindString, Required: true},
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
	email := normalizeEmail(in.String("email"))
	pass := in.String("password")

	if out, ok := p.checkPassword(pass); !ok {
		return out, nil
	}

	verified := !p.cfg.RequireVerification
	acc, err := identity.Create(ctx, sc.Orm, Provider, email, pass, "user", verified)
	if errors.Is(err, identity.ErrIdentityTaken) {
		return engine.Fail(engine.StatusConflict, "This email is already registered"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	fields := map[string]any{"subject_id": acc.SubjectID}

	if p.cfg.RequireVerification {
		p.sendCode(ctx, sc, acc.SubjectID, email, purposeVerify, p.cfg.CodeTTL)
	} else if p.cfg.AutoLogin {
		token, err := sc.Sessions.CreateSession(ctx, acc.SubjectID, p.cfg.SessionTTL)
		if err != nil {
			return engine.Output{}, err
		}
		fields["token"] = token
	}

	return engine.Ok(engine.StatusSuccess, "Account created", fields), nil
}

// checkPassword aplica policy y blacklist. La blacklist es la barrera de
// passwords comprometidos: su rechazo sí es seguro de revelar.
func (p *Plugin) checkPassword(pass string) (engine.Output, bool) {
	if ok, reasons := p.cfg.Policy.Validate(pass); !ok {
		return engine.FailWith(engine.StatusInvalidCreds, "Password does not meet the policy", map[string]any{
			"reasons": reasons,
		}), false
	}
	if p.cfg.BlacklistPath != "" {
		bl, err := password.GetCachedBlacklist(p.cfg.BlacklistPath)
		if err != nil {
			logger.L().Warn("password blacklist unavailable",
				logger.Plugin("email-password"),
				logger.Err(err),
			)
		} else if bl.Contains(pass) {
			return engine.Fail(engine.StatusCompromised, "This password appears in known breaches, choose another one"), false
		}
	}
	return engine.Output{}, true
}

// sendCode emite y envía un código. Soft-fail: si el SMTP está caído el step
// no se cae, el usuario re-pide el código después.
func (p *Plugin) sendCode(ctx context.Context, sc *engine.StepContext, subjectID, to, purpose string, ttl time.Duration) {
	log := logger.From(ctx).With(logger.Plugin("email-password"), logger.Op("sendCode"))

	code, err := identity.IssueCode(ctx, sc.Orm, subjectID, purpose, p.cfg.CodeDigits, ttl)
	if err != nil {
		log.Warn("issue code failed", logger.Err(err))
		return
	}

	vars := intemail.CodeVars{Code: code, ExpiresIn: ttl.String()}
	var subject, html, text string
	if purpose == purposeReset {
		subject = "Password reset code"
		html, text, err = intemail.RenderReset("", "", vars)
	} else {
		subject = "Verify your email"
		html, text, err = intemail.RenderVerify("", "", vars)
	}
	if err != nil {
		log.Warn("render email failed", logger.Err(err))
		return
	}
	if err := p.cfg.Sender.Send(to, subject, html, text); err != nil {
		log.Warn("send email failed", logger.Err(err), logger.String("purpose", purpose))
	}
}
