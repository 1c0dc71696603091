// Package storage define el contrato mínimo de persistencia que usan todos los
// plugins: un Orm con seis operaciones sobre tablas nominadas. Los adapters
// (memory, postgres) implementan este contrato sin que los plugins cambien.
package storage

import (
	"context"
	"errors"
	"time"
)

// Row es una fila genérica. Los adapters devuelven copias; mutar una Row
// devuelta no afecta el storage.
type Row map[string]any

// Order define un criterio de ordenamiento.
type Order struct {
	Col  string
	Desc bool
}

// Query agrupa condición, orden y límite para las operaciones de lectura.
type Query struct {
	Where   *Cond
	OrderBy []Order
	Limit   int
}

// Orm es la única interfaz que el core requiere de un proveedor de persistencia.
type Orm interface {
	FindFirst(ctx context.Context, table string, q Query) (Row, error)
	FindMany(ctx context.Context, table string, q Query) ([]Row, error)
	// Create inserta data y devuelve la fila con "id" generado si no venía.
	Create(ctx context.Context, table string, data Row) (Row, error)
	// UpdateMany aplica set a todas las filas que matchean y devuelve el count.
	// El update de cada fila es atómico respecto a otras operaciones del adapter.
	UpdateMany(ctx context.Context, table string, q Query, set Row) (int64, error)
	DeleteMany(ctx context.Context, table string, q Query) (int64, error)
	Count(ctx context.Context, table string, q Query) (int64, error)
}

var (
	// ErrNotFound lo devuelve FindFirst cuando ninguna fila matchea.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict lo devuelve Create ante una violación de unique constraint.
	ErrConflict = errors.New("storage: conflict")
	// ErrUnknownTable lo devuelven los adapters ante una tabla no declarada.
	ErrUnknownTable = errors.New("storage: unknown table")
)

// Nombres de tablas del esquema mínimo estable. Cualquier adapter debe
// exponerlas con exactamente estos nombres para que los plugins interoperen.
const (
	TableSubjects             = "subjects"
	TableCredentials          = "credentials"
	TableIdentities           = "identities"
	TableSessions             = "sessions"
	TableRefreshTokens        = "refresh_tokens"
	TableSigningKeys          = "signing_keys"
	TableVerificationCodes    = "verification_codes"
	TableTwoFactorMethods     = "two_factor_methods"
	TableTwoFactorBackupCodes = "two_factor_backup_codes"
	TableTwoFactorAttempts    = "two_factor_attempts"
	TableOAuthProviders       = "oauth_providers"
	TableMCPServers           = "mcp_servers"
	TableMCPAuditLog          = "mcp_audit_log"
)

// Tables lista el esquema completo (para adapters que precargan tablas).
func Tables() []string {
	return []string{
		TableSubjects, TableCredentials, TableIdentities, TableSessions,
		TableRefreshTokens, TableSigningKeys, TableVerificationCodes,
		TableTwoFactorMethods, TableTwoFactorBackupCodes, TableTwoFactorAttempts,
		TableOAuthProviders, TableMCPServers, TableMCPAuditLog,
	}
}

// ---- Row accessors ----
// Los adapters pueden devolver tipos levemente distintos (int64 vs float64,
// *time.Time vs time.Time); estos helpers normalizan la lectura.

func (r Row) String(col string) string {
	if v, ok := r[col].(string); ok {
		return v
	}
	return ""
}

func (r Row) Bool(col string) bool {
	if v, ok := r[col].(bool); ok {
		return v
	}
	return false
}

func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (r Row) Time(col string) time.Time {
	switch v := r[col].(type) {
	case time.Time:
		return v
	case *time.Time:
		if v != nil {
			return *v
		}
	}
	return time.Time{}
}

// IsNull reporta si la columna está ausente o es nil.
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}
