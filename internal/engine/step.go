package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/SOG-web/reauth/internal/session"
	"github.com/SOG-web/reauth/internal/storage"

	jwtsvc "github.com/SOG-web/reauth/internal/jwt"
)

// Input es el input crudo de un step (ya deserializado por el adapter).
type Input map[string]any

func (in Input) String(key string) string {
	if v, ok := in[key].(string); ok {
		return v
	}
	return ""
}

func (in Input) Bool(key string) bool {
	if v, ok := in[key].(bool); ok {
		return v
	}
	return false
}

// Output es el envelope uniforme de todo step: {success, status, message, ...}.
// Fields se aplana al serializar, así el wire format mantiene los campos
// extra al tope del objeto.
type Output struct {
	Success bool
	Status  string
	Message string
	Fields  map[string]any
}

// Statuses comunes. El significado exacto es per-step; el mapeo a códigos de
// transporte (HTTP) vive solo en el adapter.
const (
	StatusSuccess       = "su"  // éxito
	StatusInternal      = "ic"  // error interno (mensaje genérico, sin detalle)
	StatusUnverified    = "unv" // identidad sin verificar
	StatusNotFound      = "unf" // recurso inexistente (no cuentas: ver enumeración)
	StatusConflict      = "alr" // ya existe
	StatusRateLimited   = "rl"  // lockout / demasiados intentos
	StatusInvalidCreds  = "ip"  // credenciales inválidas (mensaje genérico)
	StatusCompromised   = "pwc" // password comprometido (seguro de revelar)
	StatusLocked        = "lk"  // bloqueado temporalmente
	StatusExpired       = "eq"  // código/token expirado
	StatusNotConfigured = "nc"  // feature no configurada para el subject
)

// Ok construye un output exitoso.
func Ok(status, message string, fields map[string]any) Output {
	return Output{Success: true, Status: status, Message: message, Fields: fields}
}

// Fail construye un output fallido.
func Fail(status, message string) Output {
	return Output{Success: false, Status: status, Message: message}
}

// FailWith construye un output fallido con campos extra (ej: retry_after).
func FailWith(status, message string, fields map[string]any) Output {
	return Output{Success: false, Status: status, Message: message, Fields: fields}
}

// MarshalJSON aplana Fields en el objeto raíz.
func (o Output) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Fields)+3)
	for k, v := range o.Fields {
		m[k] = v
	}
	m["success"] = o.Success
	m["status"] = o.Status
	m["message"] = o.Message
	return json.Marshal(m)
}

// Protocol es la metadata HTTP declarativa de un step. El core nunca la usa
// para decidir lógica; la consumen introspección y adapters.
type Protocol struct {
	Method string         `json:"method"`
	Codes  map[string]int `json:"codes"` // status corto → HTTP status
	Auth   bool           `json:"auth"`
}

// StepContext lleva las dependencias resueltas a cada Run: config del plugin
// y servicios del engine. DI explícita, sin service locators.
type StepContext struct {
	Config   any
	Orm      storage.Orm
	Sessions *session.Service
	Tokens   *jwtsvc.Service
	Engine   *Engine
}

// Step es el contrato de un paso ejecutable de un plugin.
type Step interface {
	Name() string
	Description() string
	Validate(input Input) error
	Run(ctx context.Context, input Input, sc *StepContext) (Output, error)
	Protocol() Protocol
	Inputs() []string
	Outputs() []string
}

// ---- Schema: validación declarativa de inputs ----

// Kind es el tipo esperado de un campo de input.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindNumber
)

type Field struct {
	Kind     Kind
	Required bool
}

// Schema describe los campos de input de un step.
type Schema map[string]Field

// Validate chequea requeridos y tipos. Devuelve *ValidationError con todas
// las violaciones juntas (no corta en la primera).
func (s Schema) Validate(in Input) []string {
	var violations []string
	for name, f := range s {
		v, present := in[name]
		if !present || v == nil {
			if f.Required {
				violations = append(violations, fmt.Sprintf("%s is required", name))
			}
			continue
		}
		switch f.Kind {
		case KindString:
			if sv, ok := v.(string); !ok {
				violations = append(violations, fmt.Sprintf("%s must be a string", name))
			} else if f.Required && sv == "" {
				violations = append(violations, fmt.Sprintf("%s is required", name))
			}
		case KindBool:
			if _, ok := v.(bool); !ok {
				violations = append(violations, fmt.Sprintf("%s must be a boolean", name))
			}
		case KindNumber:
			switch v.(type) {
			case int, int32, int64, float32, float64:
			default:
				violations = append(violations, fmt.Sprintf("%s must be a number", name))
			}
		}
	}
	sort.Strings(violations)
	return violations
}

// Names lista los campos del schema (para introspección).
func (s Schema) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// StepDef es la implementación concreta de Step que usan los plugins.
type StepDef struct {
	StepName        string
	StepDescription string
	Schema          Schema
	OutputNames     []string
	Proto           Protocol
	RunFunc         func(ctx context.Context, input Input, sc *StepContext) (Output, error)
}

func (d *StepDef) Name() string        { return d.StepName }
func (d *StepDef) Description() string { return d.StepDescription }
func (d *StepDef) Protocol() Protocol  { return d.Proto }
func (d *StepDef) Inputs() []string    { return d.Schema.Names() }
func (d *StepDef) Outputs() []string   { return d.OutputNames }

func (d *StepDef) Validate(input Input) error {
	if violations := d.Schema.Validate(input); len(violations) > 0 {
		return &ValidationError{Step: d.StepName, Violations: violations}
	}
	return nil
}

func (d *StepDef) Run(ctx context.Context, input Input, sc *StepContext) (Output, error) {
	return d.RunFunc(ctx, input, sc)
}
