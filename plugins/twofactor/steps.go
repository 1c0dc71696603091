package twofactor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/rate"
	token "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/security/totp"
	"github.com/SOG-web/reauth/internal/session"
	"github.com/SOG-web/reauth/internal/storage"
)

// resolveSession convierte el token de sesión en subject o aborta con 401.
func resolveSession(ctx context.Context, sc *engine.StepContext, raw string) (string, error) {
	v, err := sc.Sessions.VerifySession(ctx, raw)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionExpired) {
			return "", &engine.AuthenticationError{Reason: "invalid session"}
		}
		return "", err
	}
	return v.SubjectID, nil
}

func (p *Plugin) setupStep() engine.Step {
	return &engine.StepDef{
		StepName:        "setup",
		StepDescription: "Start TOTP enrollment, returns the otpauth URL and secret",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"secret", "otpauth_url"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess:  http.StatusOK,
				engine.StatusConflict: http.StatusConflict,
			},
		},
		RunFunc: p.runSetup,
	}
}

func (p *Plugin) runSetup(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	subjectID, err := resolveSession(ctx, sc, in.String("token"))
	if err != nil {
		return engine.Output{}, err
	}

	if row, err := p.findMethod(ctx, sc, subjectID); err == nil && row.Bool("enabled") {
		return engine.Fail(engine.StatusConflict, "Two-factor is already enabled"), nil
	}

	raw, b32, err := totp.GenerateSecret()
	if err != nil {
		return engine.Output{}, err
	}
	enc, err := p.cfg.Box.Encrypt(string(raw))
	if err != nil {
		return engine.Output{}, err
	}

	// enrolamiento previo sin confirmar se pisa
	if _, err := sc.Orm.DeleteMany(ctx, storage.TableTwoFactorMethods, storage.Query{
		Where: storage.And(
			storage.Eq("subject_id", subjectID),
			storage.Eq("enabled", false),
		),
	}); err != nil {
		return engine.Output{}, err
	}

	if _, err := sc.Orm.Create(ctx, storage.TableTwoFactorMethods, storage.Row{
		"subject_id":   subjectID,
		"method":       methodTOTP,
		"secret_enc":   enc,
		"enabled":      false,
		"last_counter": int64(0),
		"created_at":   time.Now().UTC(),
	}); err != nil {
		return engine.Output{}, err
	}

	return engine.Ok(engine.StatusSuccess, "Scan the code and confirm with verify-setup", map[string]any{
		"secret":      b32,
		"otpauth_url": totp.OTPAuthURL(p.cfg.Issuer, subjectID, b32),
	}), nil
}

func (p *Plugin) verifySetupStep() engine.Step {
	return &engine.StepDef{
		StepName:        "verify-setup",
		StepDescription: "Confirm TOTP enrollment with a first valid code, returns backup codes",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
			"code":  {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"backup_codes"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess:       http.StatusOK,
				engine.StatusInvalidCreds:  http.StatusBadRequest,
				engine.StatusNotConfigured: http.StatusConflict,
			},
		},
		RunFunc: p.runVerifySetup,
	}
}

func (p *Plugin) runVerifySetup(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	subjectID, err := resolveSession(ctx, sc, in.String("token"))
	if err != nil {
		return engine.Output{}, err
	}

	row, err := p.findMethod(ctx, sc, subjectID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && row.Bool("enabled")) {
		return engine.Fail(engine.StatusNotConfigured, "No pending enrollment, call setup first"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	secret, err := p.cfg.Box.Decrypt(row.String("secret_enc"))
	if err != nil {
		return engine.Output{}, err
	}
	last := row.Int64("last_counter")
	ok, counter := totp.Verify([]byte(secret), in.String("code"), time.Now(), p.cfg.WindowSteps, &last)
	if !ok {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
	}

	if _, err := sc.Orm.UpdateMany(ctx, storage.TableTwoFactorMethods,
		storage.Query{Where: storage.Eq("id", row.String("id"))},
		storage.Row{"enabled": true, "last_counter": counter},
	); err != nil {
		return engine.Output{}, err
	}

	codes, err := p.issueBackupCodes(ctx, sc, subjectID)
	if err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Two-factor enabled, store the backup codes", map[string]any{
		"backup_codes": codes,
	}), nil
}

func (p *Plugin) verifyStep() engine.Step {
	return &engine.StepDef{
		StepName:        "verify",
		StepDescription: "Verify a TOTP or backup code for the authenticated subject",
		Schema: engine.Schema{
			"token":       {Kind: engine.KindString, Required: true},
			"code":        {Kind: engine.KindString},
			"backup_code": {Kind: engine.KindString},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess:       http.StatusOK,
				engine.StatusInvalidCreds:  http.StatusUnauthorized,
				engine.StatusRateLimited:   http.StatusTooManyRequests,
				engine.StatusNotConfigured: http.StatusConflict,
			},
		},
		RunFunc: p.runVerify,
	}
}

func (p *Plugin) runVerify(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	subjectID, err := resolveSession(ctx, sc, in.String("token"))
	if err != nil {
		return engine.Output{}, err
	}

	lock := p.lockout(sc.Orm)
	status, err := lock.Check(ctx, subjectID)
	if err != nil {
		return engine.Output{}, err
	}
	if status.Locked {
		return engine.FailWith(engine.StatusRateLimited, "Too many attempts, try again later", map[string]any{
			"retry_after": int64(status.RetryAfter.Seconds()),
		}), nil
	}

	row, err := p.findMethod(ctx, sc, subjectID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !row.Bool("enabled")) {
		return engine.Fail(engine.StatusNotConfigured, "Two-factor is not enabled"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	if bc := in.String("backup_code"); bc != "" {
		return p.redeemBackupCode(ctx, sc, lock, subjectID, bc)
	}

	secret, err := p.cfg.Box.Decrypt(row.String("secret_enc"))
	if err != nil {
		return engine.Output{}, err
	}
	last := row.Int64("last_counter")
	ok, counter := totp.Verify([]byte(secret), in.String("code"), time.Now(), p.cfg.WindowSteps, &last)
	if !ok {
		return p.registerFailure(ctx, lock, subjectID)
	}

	// anti-replay: el mismo paso de 30s no vale dos veces
	if _, err := sc.Orm.UpdateMany(ctx, storage.TableTwoFactorMethods,
		storage.Query{Where: storage.Eq("id", row.String("id"))},
		storage.Row{"last_counter": counter},
	); err != nil {
		return engine.Output{}, err
	}
	if err := lock.Success(ctx, subjectID); err != nil {
		logger.From(ctx).Warn("lockout reset failed", logger.Plugin("two-factor"), logger.Err(err))
	}
	return engine.Ok(engine.StatusSuccess, "Code verified", nil), nil
}

// registerFailure anota el intento fallido y decide invalid vs lockout.
func (p *Plugin) registerFailure(ctx context.Context, lock *rate.Lockout, subjectID string) (engine.Output, error) {
	st, err := lock.Failure(ctx, subjectID)
	if err != nil {
		return engine.Output{}, err
	}
	if st.Locked {
		return engine.FailWith(engine.StatusRateLimited, "Too many attempts, try again later", map[string]any{
			"retry_after": int64(st.RetryAfter.Seconds()),
		}), nil
	}
	return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
}

func (p *Plugin) disableStep() engine.Step {
	return &engine.StepDef{
		StepName:        "disable",
		StepDescription: "Disable two-factor after verifying a current code",
		Schema: engine.Schema{
			"token": {Kind: engine.KindString, Required: true},
			"code":  {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Auth:   true,
			Codes: map[string]int{
				engine.StatusSuccess:       http.StatusOK,
				engine.StatusInvalidCreds:  http.StatusUnauthorized,
				engine.StatusNotConfigured: http.StatusConflict,
			},
		},
		RunFunc: p.runDisable,
	}
}

func (p *Plugin) runDisable(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	subjectID, err := resolveSession(ctx, sc, in.String("token"))
	if err != nil {
		return engine.Output{}, err
	}

	row, err := p.findMethod(ctx, sc, subjectID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !row.Bool("enabled")) {
		return engine.Fail(engine.StatusNotConfigured, "Two-factor is not enabled"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	secret, err := p.cfg.Box.Decrypt(row.String("secret_enc"))
	if err != nil {
		return engine.Output{}, err
	}
	last := row.Int64("last_counter")
	ok, _ := totp.Verify([]byte(secret), in.String("code"), time.Now(), p.cfg.WindowSteps, &last)
	if !ok {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid code"), nil
	}

	for _, table := range []string{
		storage.TableTwoFactorMethods,
		storage.TableTwoFactorBackupCodes,
		storage.TableTwoFactorAttempts,
	} {
		if _, err := sc.Orm.DeleteMany(ctx, table, storage.Query{
			Where: storage.Eq("subject_id", subjectID),
		}); err != nil {
			return engine.Output{}, err
		}
	}
	return engine.Ok(engine.StatusSuccess, "Two-factor disabled", nil), nil
}

func (p *Plugin) findMethod(ctx context.Context, sc *engine.StepContext, subjectID string) (storage.Row, error) {
	return sc.Orm.FindFirst(ctx, storage.TableTwoFactorMethods, storage.Query{
		Where: storage.And(
			storage.Eq("subject_id", subjectID),
			storage.Eq("method", methodTOTP),
		),
	})
}

// issueBackupCodes reemplaza el lote completo: los códigos viejos mueren.
func (p *Plugin) issueBackupCodes(ctx context.Context, sc *engine.StepContext, subjectID string) ([]string, error) {
	if _, err := sc.Orm.DeleteMany(ctx, storage.TableTwoFactorBackupCodes, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	codes := make([]string, 0, p.cfg.BackupCodes)
	for i := 0; i < p.cfg.BackupCodes; i++ {
		code, err := token.GenerateNumericCode(p.cfg.BackupCodeDigits)
		if err != nil {
			return nil, err
		}
		if _, err := sc.Orm.Create(ctx, storage.TableTwoFactorBackupCodes, storage.Row{
			"subject_id": subjectID,
			"code_hash":  token.SHA256Base64URL(code),
			"created_at": now,
		}); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// redeemBackupCode consume un backup code. Condicional sobre used_at IS
// NULL: el mismo código no vale dos veces ni en carrera.
func (p *Plugin) redeemBackupCode(ctx context.Context, sc *engine.StepContext, lock *rate.Lockout, subjectID, code string) (engine.Output, error) {
	hash := token.SHA256Base64URL(code)
	n, err := sc.Orm.UpdateMany(ctx, storage.TableTwoFactorBackupCodes,
		storage.Query{Where: storage.And(
			storage.Eq("subject_id", subjectID),
			storage.Eq("code_hash", hash),
			storage.IsNull("used_at"),
		)},
		storage.Row{"used_at": time.Now().UTC()},
	)
	if err != nil {
		return engine.Output{}, err
	}
	if n != 1 {
		return p.registerFailure(ctx, lock, subjectID)
	}
	if err := lock.Success(ctx, subjectID); err != nil {
		logger.From(ctx).Warn("lockout reset failed", logger.Plugin("two-factor"), logger.Err(err))
	}
	return engine.Ok(engine.StatusSuccess, "Backup code accepted", nil), nil
}
