// Package session implementa el servicio de sesiones opacas: tokens aleatorios
// persistidos por hash, verificados contra storage en cada llamada (sin cache
// compartido, escalado horizontal seguro por construcción).
package session

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth/internal/metrics"
	"github.com/SOG-web/reauth/internal/observability/logger"
	tokens "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/storage"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Verified es el resultado de una verificación exitosa.
type Verified struct {
	Subject   storage.Row
	SubjectID string
	ExpiresAt time.Time
}

type Service struct {
	Orm        storage.Orm
	DefaultTTL time.Duration
}

func NewService(orm storage.Orm, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &Service{Orm: orm, DefaultTTL: defaultTTL}
}

// CreateSession emite un token opaco para subjectID con el TTL dado
// (0 = DefaultTTL). Solo el hash toca storage.
func (s *Service) CreateSession(ctx context.Context, subjectID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.DefaultTTL
	}
	raw, err := tokens.GenerateOpaqueToken(32)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	_, err = s.Orm.Create(ctx, storage.TableSessions, storage.Row{
		"token_hash": tokens.SHA256Base64URL(raw),
		"subject_id": subjectID,
		"expires_at": now.Add(ttl),
	})
	if err != nil {
		return "", err
	}
	SyncActiveGauge(ctx, s.Orm)
	return raw, nil
}

// SyncActiveGauge recalcula SessionsActive contando las filas vivas en
// storage. Cubre también lo que vence por TTL o purga el cleanup.
func SyncActiveGauge(ctx context.Context, orm storage.Orm) {
	n, err := orm.Count(ctx, storage.TableSessions, storage.Query{
		Where: storage.Gt("expires_at", time.Now().UTC()),
	})
	if err != nil {
		return
	}
	metrics.SessionsActive.Set(float64(n))
}

// VerifySession resuelve un token a su subject vivo. La expiración se chequea
// al leer: una fila vencida que cleanup no purgó todavía no valida.
func (s *Service) VerifySession(ctx context.Context, rawToken string) (*Verified, error) {
	row, err := s.Orm.FindFirst(ctx, storage.TableSessions, storage.Query{
		Where: storage.Eq("token_hash", tokens.SHA256Base64URL(rawToken)),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	exp := row.Time("expires_at")
	if !time.Now().UTC().Before(exp) {
		return nil, ErrSessionExpired
	}
	subjectID := row.String("subject_id")
	subject, err := s.Orm.FindFirst(ctx, storage.TableSubjects, storage.Query{
		Where: storage.Eq("id", subjectID),
	})
	if errors.Is(err, storage.ErrNotFound) {
		// sesión huérfana: subject borrado
		logger.From(ctx).Warn("session without subject", logger.SubjectID(subjectID))
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Verified{Subject: subject, SubjectID: subjectID, ExpiresAt: exp}, nil
}

// DestroySession invalida un token. Inmediato: el próximo VerifySession falla.
func (s *Service) DestroySession(ctx context.Context, rawToken string) error {
	n, err := s.Orm.DeleteMany(ctx, storage.TableSessions, storage.Query{
		Where: storage.Eq("token_hash", tokens.SHA256Base64URL(rawToken)),
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	SyncActiveGauge(ctx, s.Orm)
	return nil
}

// DestroyAllSessions invalida todas las sesiones de un subject.
func (s *Service) DestroyAllSessions(ctx context.Context, subjectID string) (int64, error) {
	n, err := s.Orm.DeleteMany(ctx, storage.TableSessions, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	})
	if err == nil {
		SyncActiveGauge(ctx, s.Orm)
	}
	return n, err
}
