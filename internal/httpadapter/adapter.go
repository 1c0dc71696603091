// Package httpadapter expone el engine por HTTP. Es un adapter fino: toda la
// semántica de auth vive en engine/plugins; acá solo se traduce wire ↔ steps
// (JSON in, envelope out, errores tipados a códigos HTTP).
package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SOG-web/reauth/internal/engine"
	"github.com/SOG-web/reauth/internal/rate"
	"github.com/SOG-web/reauth/internal/storage"
)

// SessionCookie es el nombre de la cookie de sesión que el adapter acepta
// como alternativa al header Authorization.
const SessionCookie = "reauth_session"

const maxBodyBytes = 1 << 20 // 1MB

// Options configura el adapter. Todo es opcional salvo el engine.
type Options struct {
	// BasePath prefija las rutas de steps (default "/auth").
	BasePath string
	// CORSAllowedOrigins habilita CORS para esos orígenes ("*" = cualquiera).
	// Vacío = sin CORS.
	CORSAllowedOrigins []string
	// Limiter aplica rate limit global por IP+ruta. Nil = sin límite.
	Limiter rate.Limiter
	// Metrics expone GET /metrics con promhttp cuando es true.
	Metrics bool
}

// New arma el router completo: steps, introspección, health y metrics.
func New(e *engine.Engine, opts Options) *chi.Mux {
	base := strings.TrimRight(opts.BasePath, "/")
	if base == "" {
		base = "/auth"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(withRequestID)
	r.Use(withSecurityHeaders)
	if len(opts.CORSAllowedOrigins) > 0 {
		r.Use(withCORS(opts.CORSAllowedOrigins))
	}
	r.Use(withLogging)
	r.Use(withRecover)
	if opts.Limiter != nil {
		r.Use(withRateLimit(opts.Limiter))
	}

	a := &adapter{engine: e}

	r.Route(base, func(r chi.Router) {
		r.Get("/introspect", a.introspect)
		// Método se valida adentro contra el Protocol del step.
		r.HandleFunc("/{plugin}/{step}", a.executeStep)
	})

	// Alias estándar para el JWKS si el plugin jwt está registrado.
	if _, ok := e.Plugin("jwt"); ok {
		r.Get("/.well-known/jwks.json", func(w http.ResponseWriter, req *http.Request) {
			a.execute(w, req, "jwt", "jwks")
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		// Count barato contra el storage como readiness probe.
		if _, err := e.Orm().Count(req.Context(), storage.TableSubjects, storage.Query{}); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not_ready", "storage unavailable")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if opts.Metrics {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	return r
}

type adapter struct {
	engine *engine.Engine
}

func (a *adapter) executeStep(w http.ResponseWriter, r *http.Request) {
	a.execute(w, r, chi.URLParam(r, "plugin"), chi.URLParam(r, "step"))
}

func (a *adapter) execute(w http.ResponseWriter, r *http.Request, pluginName, stepName string) {
	step, ok := a.engine.Step(pluginName, stepName)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", (&engine.StepNotFoundError{Plugin: pluginName, Step: stepName}).Error())
		return
	}

	proto := step.Protocol()
	method := proto.Method
	if method == "" {
		method = http.MethodPost
	}
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use "+method)
		return
	}

	in, ok := decodeInput(w, r)
	if !ok {
		return
	}
	injectBearer(r, in)

	out, err := a.engine.ExecuteStep(r.Context(), pluginName, stepName, in)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeOutput(w, proto, out)
}

func (a *adapter) introspect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Introspect())
}

// decodeInput arma el Input del step: body JSON en POST, query params en GET.
// Body vacío es válido.
func decodeInput(w http.ResponseWriter, r *http.Request) (engine.Input, bool) {
	in := engine.Input{}
	if r.Method == http.MethodGet {
		for k, vs := range r.URL.Query() {
			if len(vs) > 0 {
				in[k] = vs[0]
			}
		}
		return in, true
	}

	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "invalid_content_type", "Content-Type debe ser application/json")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&in); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_json", "json inválido")
		return nil, false
	}
	return in, true
}

// injectBearer resuelve el token con precedencia header > cookie > body:
// el "token" del body solo cuenta cuando ni header ni cookie traen uno.
func injectBearer(r *http.Request, in engine.Input) {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok && strings.TrimSpace(tok) != "" {
			in["token"] = strings.TrimSpace(tok)
			return
		}
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		in["token"] = c.Value
	}
}

// writeOutput serializa el envelope con el código HTTP declarado por el step.
// Fallback: 200 si success, 400 si no.
func writeOutput(w http.ResponseWriter, proto engine.Protocol, out engine.Output) {
	code, ok := proto.Codes[out.Status]
	if !ok {
		code = http.StatusOK
		if !out.Success {
			code = http.StatusBadRequest
		}
	}
	if code == http.StatusTooManyRequests {
		setRetryAfter(w, out.Fields)
	}
	// Respuestas con material sensible (tokens, secretos) nunca se cachean.
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, code, out)
}

func setRetryAfter(w http.ResponseWriter, fields map[string]any) {
	v, ok := fields["retry_after"]
	if !ok {
		return
	}
	var secs int
	switch t := v.(type) {
	case int:
		secs = t
	case int64:
		secs = int(t)
	case float64:
		secs = int(math.Ceil(t))
	default:
		return
	}
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// writeTypedError mapea los errores tipados del engine a códigos HTTP.
// Cualquier otro error acá es un bug del adapter: el engine convierte fallas
// de runtime en Output antes de llegar.
func writeTypedError(w http.ResponseWriter, err error) {
	var nf *engine.StepNotFoundError
	var ve *engine.ValidationError
	var ae *engine.AuthenticationError
	var ze *engine.AuthorizationError
	var rl *engine.RateLimitedError

	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, "not_found", nf.Error())
	case errors.As(err, &ve):
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_input",
			"error_description": "input validation failed",
			"violations":        ve.Violations,
			"request_id":        w.Header().Get("X-Request-ID"),
		})
	case errors.As(err, &ae):
		w.Header().Set("WWW-Authenticate", `Bearer realm="reauth"`)
		writeError(w, http.StatusUnauthorized, "unauthorized", ae.Error())
	case errors.As(err, &ze):
		writeError(w, http.StatusForbidden, "forbidden", ze.Error())
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	rid := w.Header().Get("X-Request-ID")
	writeJSON(w, status, apiError{Error: code, ErrorDescription: desc, RequestID: rid})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
