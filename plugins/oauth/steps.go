package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SOG-web/reauth/internal/cache"
	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/observability/logger"
	token "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/storage"
)

const stateKeyPrefix = "oauth:state:"

func (p *Plugin) authorizeURLStep() engine.Step {
	return &engine.StepDef{
		StepName:        "authorize-url",
		StepDescription: "Build the provider authorization URL with a single-use state",
		Schema: engine.Schema{
			"provider": {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"url", "state"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:  http.StatusOK,
				engine.StatusNotFound: http.StatusNotFound,
			},
		},
		RunFunc: p.runAuthorizeURL,
	}
}

func (p *Plugin) runAuthorizeURL(ctx context.Context, in engine.Input, _ *engine.StepContext) (engine.Output, error) {
	name := strings.ToLower(in.String("provider"))
	prov, ok := p.cfg.Providers[name]
	if !ok {
		return engine.Fail(engine.StatusNotFound, "Unknown provider"), nil
	}

	state, err := token.GenerateOpaqueToken(16)
	if err != nil {
		return engine.Output{}, err
	}
	nonce, err := token.GenerateOpaqueToken(16)
	if err != nil {
		return engine.Output{}, err
	}

	// nonce y provider viajan atados al state; single-use al canjear
	if err := p.cfg.Cache.Set(ctx, stateKeyPrefix+state, name+"|"+nonce, p.cfg.StateTTL); err != nil {
		return engine.Output{}, err
	}

	url, err := prov.AuthURL(ctx, state, nonce)
	if err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Authorization URL generated", map[string]any{
		"url":   url,
		"state": state,
	}), nil
}

func (p *Plugin) exchangeStep() engine.Step {
	return &engine.StepDef{
		StepName:        "exchange",
		StepDescription: "Redeem the provider callback code, creating or resolving the local account",
		Schema: engine.Schema{
			"provider": {Kind: engine.KindString, Required: true},
			"code":     {Kind: engine.KindString, Required: true},
			"state":    {Kind: engine.KindString, Required: true},
		},
		OutputNames: []string{"token", "subject_id", "new_account"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusOK,
				engine.StatusInvalidCreds: http.StatusUnauthorized,
				engine.StatusNotFound:     http.StatusNotFound,
			},
		},
		RunFunc: p.runExchange,
	}
}

func (p *Plugin) runExchange(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	name := strings.ToLower(in.String("provider"))
	prov, ok := p.cfg.Providers[name]
	if !ok {
		return engine.Fail(engine.StatusNotFound, "Unknown provider"), nil
	}

	state := in.String("state")
	stored, err := p.cfg.Cache.Get(ctx, stateKeyPrefix+state)
	if cache.IsNotFound(err) {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid or expired state"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}
	// single-use: el segundo canje del mismo state falla
	if err := p.cfg.Cache.Delete(ctx, stateKeyPrefix+state); err != nil {
		logger.From(ctx).Warn("state delete failed", logger.Plugin("oauth"), logger.Err(err))
	}

	boundProvider, nonce, ok := strings.Cut(stored, "|")
	if !ok || boundProvider != name {
		return engine.Fail(engine.StatusInvalidCreds, "Invalid or expired state"), nil
	}

	idn, err := prov.Exchange(ctx, in.String("code"), nonce)
	if err != nil {
		logger.From(ctx).Warn("provider exchange failed",
			logger.Plugin("oauth"),
			logger.Provider(name),
			logger.Err(err),
		)
		return engine.Fail(engine.StatusInvalidCreds, "Provider exchange failed"), nil
	}

	subjectID, created, err := p.resolveSubject(ctx, sc, idn.Provider, idn.Subject, idn.EmailVerified)
	if err != nil {
		return engine.Output{}, err
	}

	// perfil del provider: upsert best-effort, no bloquea el login
	p.recordProviderLink(ctx, sc, subjectID, idn.Provider, idn.Subject, idn.Email, idn.Name, idn.Picture)

	sess, err := sc.Sessions.CreateSession(ctx, subjectID, p.cfg.SessionTTL)
	if err != nil {
		return engine.Output{}, err
	}
	return engine.Ok(engine.StatusSuccess, "Login successful", map[string]any{
		"token":       sess,
		"subject_id":  subjectID,
		"new_account": created,
	}), nil
}

// resolveSubject encuentra o crea el subject local para la identidad
// federada. Una carrera de primer-login la resuelve el constraint único: el
// perdedor relee.
func (p *Plugin) resolveSubject(ctx context.Context, sc *engine.StepContext, provider, providerSubject string, verified bool) (string, bool, error) {
	ident, err := sc.Orm.FindFirst(ctx, storage.TableIdentities, storage.Query{
		Where: storage.And(
			storage.Eq("provider", provider),
			storage.Eq("identifier", providerSubject),
		),
	})
	if err == nil {
		return ident.String("subject_id"), false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", false, err
	}

	now := time.Now().UTC()
	subject, err := sc.Orm.Create(ctx, storage.TableSubjects, storage.Row{
		"type":       "user",
		"role":       "user",
		"created_at": now,
	})
	if err != nil {
		return "", false, err
	}
	subjectID := subject.String("id")

	_, err = sc.Orm.Create(ctx, storage.TableIdentities, storage.Row{
		"subject_id": subjectID,
		"provider":   provider,
		"identifier": providerSubject,
		"verified":   verified,
		"created_at": now,
	})
	if errors.Is(err, storage.ErrConflict) {
		// perdimos la carrera: usar la identidad ganadora
		if _, derr := sc.Orm.DeleteMany(ctx, storage.TableSubjects, storage.Query{
			Where: storage.Eq("id", subjectID),
		}); derr != nil {
			logger.From(ctx).Warn("orphan subject cleanup failed", logger.Plugin("oauth"), logger.Err(derr))
		}
		ident, rerr := sc.Orm.FindFirst(ctx, storage.TableIdentities, storage.Query{
			Where: storage.And(
				storage.Eq("provider", provider),
				storage.Eq("identifier", providerSubject),
			),
		})
		if rerr != nil {
			return "", false, rerr
		}
		return ident.String("subject_id"), false, nil
	}
	if err != nil {
		return "", false, err
	}
	return subjectID, true, nil
}

func (p *Plugin) recordProviderLink(ctx context.Context, sc *engine.StepContext, subjectID, provider, providerSubject, email, name, picture string) {
	set := storage.Row{
		"email":      email,
		"name":       name,
		"picture":    picture,
		"updated_at": time.Now().UTC(),
	}
	n, err := sc.Orm.UpdateMany(ctx, storage.TableOAuthProviders, storage.Query{
		Where: storage.And(
			storage.Eq("provider", provider),
			storage.Eq("provider_subject", providerSubject),
		),
	}, set)
	if err == nil && n == 0 {
		set["subject_id"] = subjectID
		set["provider"] = provider
		set["provider_subject"] = providerSubject
		set["linked_at"] = time.Now().UTC()
		_, err = sc.Orm.Create(ctx, storage.TableOAuthProviders, set)
	}
	if err != nil {
		logger.From(ctx).Warn("provider link upsert failed",
			logger.Plugin("oauth"),
			logger.Provider(provider),
			logger.Err(err),
		)
	}
}
