// Package identity concentra el flujo común de cuentas locales que
// comparten los plugins de credenciales: alta de subject+credential+identity,
// verificación de password y códigos de un solo uso.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/security/password"
	token "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/storage"
)

var (
	ErrIdentityTaken   = errors.New("identity already registered")
	ErrNoCredential    = errors.New("subject has no credential")
	ErrCodeInvalid     = errors.New("verification code invalid")
	ErrCodeExpired     = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("too many verification attempts")
)

// MsgInvalidCredentials es el mensaje único para identidad desconocida,
// password incorrecto e identidad sin verificar. Byte-idéntico en los tres
// casos: la respuesta no puede revelar si la cuenta existe.
const MsgInvalidCredentials = "Invalid credentials"

// Account es el resultado de una creación o lookup exitoso.
type Account struct {
	SubjectID string
	Identity  storage.Row
}

// Create da de alta subject + credential + identity. La unicidad de
// (provider, identifier) la garantiza el constraint del storage: una carrera
// de registro la pierde el segundo Create con ErrIdentityTaken.
func Create(ctx context.Context, orm storage.Orm, provider, identifier, rawPassword, role string, verified bool) (*Account, error) {
	hash, err := password.Hash(password.Default, rawPassword)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	subject, err := orm.Create(ctx, storage.TableSubjects, storage.Row{
		"type":       "user",
		"role":       role,
		"created_at": now,
	})
	if err != nil {
		return nil, err
	}
	subjectID := subject.String("id")

	if _, err := orm.Create(ctx, storage.TableCredentials, storage.Row{
		"subject_id":    subjectID,
		"password_hash": hash,
		"updated_at":    now,
	}); err != nil {
		return nil, err
	}

	ident, err := orm.Create(ctx, storage.TableIdentities, storage.Row{
		"subject_id": subjectID,
		"provider":   provider,
		"identifier": identifier,
		"verified":   verified,
		"created_at": now,
	})
	if errors.Is(err, storage.ErrConflict) {
		// Perdimos la carrera: el subject y la credential quedan huérfanos,
		// los purga cleanup. No hay transacción cross-table en el Orm.
		reapOrphan(ctx, orm, subjectID)
		return nil, ErrIdentityTaken
	}
	if err != nil {
		return nil, err
	}
	return &Account{SubjectID: subjectID, Identity: ident}, nil
}

func reapOrphan(ctx context.Context, orm storage.Orm, subjectID string) {
	for _, table := range []string{storage.TableCredentials, storage.TableSubjects} {
		col := "subject_id"
		if table == storage.TableSubjects {
			col = "id"
		}
		if _, err := orm.DeleteMany(ctx, table, storage.Query{Where: storage.Eq(col, subjectID)}); err != nil {
			logger.From(ctx).Warn("orphan cleanup failed",
				logger.Component("identity"),
				logger.Table(table),
				logger.SubjectID(subjectID),
				logger.Err(err),
			)
		}
	}
}

// Find busca la identidad (provider, identifier).
func Find(ctx context.Context, orm storage.Orm, provider, identifier string) (storage.Row, error) {
	return orm.FindFirst(ctx, storage.TableIdentities, storage.Query{
		Where: storage.And(
			storage.Eq("provider", provider),
			storage.Eq("identifier", identifier),
		),
	})
}

// VerifyPassword chequea el password contra la credential del subject.
// Devuelve false (sin error) cuando no matchea; error solo por fallas de
// storage.
func VerifyPassword(ctx context.Context, orm storage.Orm, subjectID, rawPassword string) (bool, error) {
	cred, err := orm.FindFirst(ctx, storage.TableCredentials, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return false, ErrNoCredential
	}
	if err != nil {
		return false, err
	}
	return password.Verify(rawPassword, cred.String("password_hash")), nil
}

// SetPassword reemplaza el hash de la credential del subject.
func SetPassword(ctx context.Context, orm storage.Orm, subjectID, rawPassword string) error {
	hash, err := password.Hash(password.Default, rawPassword)
	if err != nil {
		return err
	}
	n, err := orm.UpdateMany(ctx, storage.TableCredentials,
		storage.Query{Where: storage.Eq("subject_id", subjectID)},
		storage.Row{"password_hash": hash, "updated_at": time.Now().UTC()},
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCredential
	}
	return nil
}

// MarkVerified marca la identidad como verificada.
func MarkVerified(ctx context.Context, orm storage.Orm, provider, identifier string) error {
	_, err := orm.UpdateMany(ctx, storage.TableIdentities,
		storage.Query{Where: storage.And(
			storage.Eq("provider", provider),
			storage.Eq("identifier", identifier),
		)},
		storage.Row{"verified": true},
	)
	return err
}

// ---- Códigos de un solo uso (verificación, reset) ----

// IssueCode genera un código numérico, guarda solo el hash y devuelve el
// código en claro para enviarlo. Invalida códigos anteriores del mismo
// subject y propósito.
func IssueCode(ctx context.Context, orm storage.Orm, subjectID, purpose string, digits int, ttl time.Duration) (string, error) {
	code, err := token.GenerateNumericCode(digits)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()

	// Un código vigente por (subject, purpose): los viejos se pisan.
	if _, err := orm.DeleteMany(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.And(
			storage.Eq("subject_id", subjectID),
			storage.Eq("purpose", purpose),
		),
	}); err != nil {
		return "", err
	}

	if _, err := orm.Create(ctx, storage.TableVerificationCodes, storage.Row{
		"subject_id": subjectID,
		"purpose":    purpose,
		"code_hash":  token.SHA256Base64URL(code),
		"attempts":   int64(0),
		"expires_at": now.Add(ttl),
		"created_at": now,
	}); err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeCode valida y consume un código. Cada intento fallido incrementa el
// contador; superado maxAttempts el código muere aunque después llegue el
// correcto. El consumo es condicional sobre consumed_at IS NULL: un replay
// concurrente pierde.
func ConsumeCode(ctx context.Context, orm storage.Orm, subjectID, purpose, code string, maxAttempts int) error {
	row, err := orm.FindFirst(ctx, storage.TableVerificationCodes, storage.Query{
		Where: storage.And(
			storage.Eq("subject_id", subjectID),
			storage.Eq("purpose", purpose),
			storage.IsNull("consumed_at"),
		),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrCodeInvalid
	}
	if err != nil {
		return err
	}

	if !time.Now().UTC().Before(row.Time("expires_at")) {
		return ErrCodeExpired
	}
	attempts := row.Int64("attempts")
	if maxAttempts > 0 && attempts >= int64(maxAttempts) {
		return ErrTooManyAttempts
	}

	if !token.ConstantTimeEquals(row.String("code_hash"), token.SHA256Base64URL(code)) {
		if _, err := orm.UpdateMany(ctx, storage.TableVerificationCodes,
			storage.Query{Where: storage.Eq("id", row.String("id"))},
			storage.Row{"attempts": attempts + 1},
		); err != nil {
			return err
		}
		return ErrCodeInvalid
	}

	n, err := orm.UpdateMany(ctx, storage.TableVerificationCodes,
		storage.Query{Where: storage.And(
			storage.Eq("id", row.String("id")),
			storage.IsNull("consumed_at"),
		)},
		storage.Row{"consumed_at": time.Now().UTC()},
	)
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrCodeInvalid
	}
	return nil
}

// PurgeExpiredCodes borra códigos vencidos o consumidos. Idempotente: la
// segunda corrida sin tráfico nuevo borra cero.
func PurgeExpiredCodes(ctx context.Context, orm storage.Orm, purpose string) (int64, error) {
	cond := storage.Or(
		storage.Lte("expires_at", time.Now().UTC()),
		storage.NotNull("consumed_at"),
	)
	if purpose != "" {
		cond = storage.And(storage.Eq("purpose", purpose), cond)
	}
	return orm.DeleteMany(ctx, storage.TableVerificationCodes, storage.Query{Where: cond})
}
