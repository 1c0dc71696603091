package engine

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError: el input no cumple el schema del step. Siempre se reporta
// con detalle al caller y nunca se loguea como evento de seguridad.
type ValidationError struct {
	Plugin     string
	Step       string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Plugin, e.Step, strings.Join(e.Violations, "; "))
}

// StepNotFoundError: el caller direccionó un plugin o step inexistente.
// Equivale a un 404 en el adapter.
type StepNotFoundError struct {
	Plugin string
	Step   string
}

func (e *StepNotFoundError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("plugin %q not found", e.Plugin)
	}
	return fmt.Sprintf("step %q not found in plugin %q", e.Step, e.Plugin)
}

// AuthenticationError: sesión o token faltante/inválido/expirado/revocado.
// Equivale a 401; el caller debe re-autenticar.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "authentication required"
	}
	return "authentication failed: " + e.Reason
}

// AuthorizationError: rol o capability insuficiente. Equivale a 403.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	if e.Reason == "" {
		return "forbidden"
	}
	return "forbidden: " + e.Reason
}

// ConfigValidationError: plugin mal configurado. Fatal al registrar, nunca
// una condición por-request. Lista todas las violaciones juntas.
type ConfigValidationError struct {
	Plugin     string
	Violations []string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config for plugin %q: %s", e.Plugin, strings.Join(e.Violations, "; "))
}

// DuplicatePluginError: dos plugins con el mismo nombre.
type DuplicatePluginError struct {
	Name string
}

func (e *DuplicatePluginError) Error() string {
	return fmt.Sprintf("plugin %q already registered", e.Name)
}

// RateLimitedError: demasiados intentos fallidos en la ventana. Se distingue
// del fallo de auth normal para que los clients hagan back-off. La
// recuperación es por tiempo, nunca reset manual.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
