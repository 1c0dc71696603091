package mcpauth

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/SOG-web/reauth/internal/engine"
	token "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/storage"
)

var serverIDRx = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{2,63}$`)

func (p *Plugin) registerServerStep() engine.Step {
	return &engine.StepDef{
		StepName:        "register-server",
		StepDescription: "Register an MCP server and return its secret (shown only once)",
		Schema: engine.Schema{
			"server_id": {Kind: engine.KindString, Required: true},
			"name":      {Kind: engine.KindString},
		},
		OutputNames: []string{"server_id", "secret", "subject_id"},
		Proto: engine.Protocol{
			Method: http.MethodPost,
			Codes: map[string]int{
				engine.StatusSuccess:      http.StatusCreated,
				engine.StatusConflict:     http.StatusConflict,
				engine.StatusInvalidCreds: http.StatusBadRequest,
			},
		},
		RunFunc: p.runRegisterServer,
	}
}

func (p *Plugin) runRegisterServer(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	serverID := in.String("server_id")
	if !serverIDRx.MatchString(serverID) {
		return engine.Fail(engine.StatusInvalidCreds, "server_id must be 3-64 lowercase characters"), nil
	}

	secret, err := token.GenerateOpaqueToken(32)
	if err != nil {
		return engine.Output{}, err
	}

	now := time.Now().UTC()
	subject, err := sc.Orm.Create(ctx, storage.TableSubjects, storage.Row{
		"type":       SubjectType,
		"role":       "server",
		"created_at": now,
	})
	if err != nil {
		return engine.Output{}, err
	}
	subjectID := subject.String("id")

	_, err = sc.Orm.Create(ctx, storage.TableMCPServers, storage.Row{
		"server_id":   serverID,
		"subject_id":  subjectID,
		"name":        in.String("name"),
		"secret_hash": token.SHA256Base64URL(secret),
		"active":      true,
		"created_at":  now,
	})
	if errors.Is(err, storage.ErrConflict) {
		if _, derr := sc.Orm.DeleteMany(ctx, storage.TableSubjects, storage.Query{
			Where: storage.Eq("id", subjectID),
		}); derr != nil {
			// queda un subject huérfano, lo nota el audit
			p.recorder(sc).Record(ctx, "mcp.register.orphan", serverID, subjectID, nil)
		}
		return engine.Fail(engine.StatusConflict, "This server_id is already registered"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	p.recorder(sc).Record(ctx, "mcp.register", serverID, subjectID, nil)

	// el secret viaja una sola vez, después solo existe el hash
	return engine.Ok(engine.StatusSuccess, "Server registered", map[string]any{
		"server_id":  serverID,
		"secret":     secret,
		"subject_id": subjectID,
	}), nil
}

func (p *Plugin) authenticateStep() engine.Step {
	return &engine.StepDef{
		StepName:        "authenticate",
		StepDescription: "Authenticate an MCP server with its secret, returns a session token",
		Schema: engine.Schema{
			"server_id": {Kind: engine.KindString, Required: true},
			"secret":    {Kind: engine.KindString, Required: true},
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
		RunFunc: p.runAuthenticate,
	}
}

func (p *Plugin) runAuthenticate(ctx context.Context, in engine.Input, sc *engine.StepContext) (engine.Output, error) {
	serverID := in.String("server_id")
	secret := in.String("secret")

	if p.cfg.Limiter != nil {
		res, err := p.cfg.Limiter.Allow(ctx, "mcp:auth:"+serverID)
		if err == nil && !res.Allowed {
			return engine.FailWith(engine.StatusRateLimited, "Too many attempts", map[string]any{
				"retry_after": int64(res.RetryAfter.Seconds()),
			}), nil
		}
	}

	if ts, ok := engine.MatchTestUser(p.cfg.TestServers, serverID, secret, sc.Engine.Environment()); ok {
		fields := map[string]any{"subject_id": "test|" + ts.Identifier}
		for k, v := range ts.Profile {
			fields[k] = v
		}
		return engine.Ok(engine.StatusSuccess, "Authenticated (test server)", fields), nil
	}

	row, err := sc.Orm.FindFirst(ctx, storage.TableMCPServers, storage.Query{
		Where: storage.Eq("server_id", serverID),
	})
	if errors.Is(err, storage.ErrNotFound) {
		p.recorder(sc).Record(ctx, "mcp.auth.denied", serverID, "", map[string]any{"reason": "unknown server"})
		return engine.Fail(engine.StatusInvalidCreds, "Invalid server credentials"), nil
	}
	if err != nil {
		return engine.Output{}, err
	}

	if !row.Bool("active") ||
		!token.ConstantTimeEquals(row.String("secret_hash"), token.SHA256Base64URL(secret)) {
		p.recorder(sc).Record(ctx, "mcp.auth.denied", serverID, "", map[string]any{"reason": "bad secret or inactive"})
		return engine.Fail(engine.StatusInvalidCreds, "Invalid server credentials"), nil
	}

	subjectID := row.String("subject_id")
	sess, err := sc.Sessions.CreateSession(ctx, subjectID, p.cfg.SessionTTL)
	if err != nil {
		return engine.Output{}, err
	}

	p.recorder(sc).Record(ctx, "mcp.auth.ok", serverID, subjectID, nil)
	return engine.Ok(engine.StatusSuccess, "Authenticated", map[string]any{
		"token":      sess,
		"subject_id": subjectID,
	}), nil
}
