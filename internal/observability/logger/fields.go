package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - ENGINE
// =================================================================================

// Plugin crea un campo para el nombre del plugin.
func Plugin(v string) zap.Field {
	return zap.String("plugin", v)
}

// Step crea un campo para el nombre del step.
func Step(v string) zap.Field {
	return zap.String("step", v)
}

// StepStatus crea un campo para el status code del output.
func StepStatus(v string) zap.Field {
	return zap.String("status", v)
}

// Task crea un campo para el nombre de una cleanup task.
func Task(v string) zap.Field {
	return zap.String("task", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - NEGOCIO
// =================================================================================

// SubjectID crea un campo para el ID del subject.
func SubjectID(v string) zap.Field {
	return zap.String("subject_id", v)
}

// Provider crea un campo para el provider de una identity.
func Provider(v string) zap.Field {
	return zap.String("provider", v)
}

// Identifier crea un campo para el identificador (usar con cuidado en prod).
func Identifier(v string) zap.Field {
	return zap.String("identifier", v)
}

// TokenID crea un campo para el ID de un refresh token.
func TokenID(v string) zap.Field {
	return zap.String("token_id", v)
}

// KID crea un campo para el key ID de una signing key.
func KID(v string) zap.Field {
	return zap.String("kid", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer crea un campo para la capa (engine, service, storage).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Count64 crea un campo para un conteo int64 (filas afectadas).
func Count64(v int64) zap.Field {
	return zap.Int64("count", v)
}

// Table crea un campo para el nombre de una tabla del storage.
func Table(v string) zap.Field {
	return zap.String("table", v)
}

// ID crea un campo genérico para un ID.
func ID(v string) zap.Field {
	return zap.String("id", v)
}

// Any crea un campo genérico para cualquier tipo.
func Any(key string, v any) zap.Field {
	return zap.Any(key, v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
