package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/SOG-web/reauth/internal/observability/logger"
	tokens "github.com/SOG-web/reauth/internal/security/token"
	"github.com/SOG-web/reauth/internal/storage"
	"github.com/google/uuid"
)

// Payload identifica al dueño de un token pair.
type Payload struct {
	SubjectType string // "subject" | "mcp_server" | ...
	SubjectID   string
	Role        string
	Extra       map[string]any
}

// DeviceInfo es metadata opcional del dispositivo que redime el refresh.
type DeviceInfo struct {
	Fingerprint string
	IP          string
	UserAgent   string
}

// TokenPair es el resultado de una emisión access+refresh.
type TokenPair struct {
	AccessToken           string    `json:"access_token"`
	RefreshToken          string    `json:"refresh_token"`
	TokenType             string    `json:"token_type"` // siempre "Bearer"
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
}

// RefreshTokenRecord es la vista decodificada de una fila de refresh_tokens.
// Role y Extra se persisten junto al token para que una rotación reemita el
// access con los mismos claims que el original.
type RefreshTokenRecord struct {
	ID          string
	TokenID     string
	SubjectType string
	SubjectID   string
	Role        string
	Extra       map[string]any
	ExpiresAt   time.Time
	IsRevoked   bool
	RevokedAt   time.Time
}

// Validation es el resultado de ValidateRefreshToken (lectura pura).
type Validation struct {
	IsValid bool
	Token   *RefreshTokenRecord
	Err     error
}

// Errores del servicio de tokens.
var (
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrRefreshTokenRevoked = errors.New("refresh token revoked")
	// ErrTokenReplayed: el consume condicional perdió contra una redención
	// concurrente del mismo token.
	ErrTokenReplayed = errors.New("refresh token already redeemed")
)

// Razones de revocación estándar.
const (
	ReasonRotated  = "rotated"
	ReasonLogout   = "logout"
	ReasonSecurity = "security"
)

// Service emite y rota token pairs: access JWT firmado (stateless) + refresh
// opaco persistido por hash (stateful).
type Service struct {
	Orm        storage.Orm
	Issuer     *Issuer
	RefreshTTL time.Duration
	// Rotation habilita la cadena single-use: redimir un refresh lo revoca e
	// inserta uno nuevo.
	Rotation bool
}

func NewService(orm storage.Orm, issuer *Issuer, refreshTTL time.Duration, rotation bool) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	return &Service{Orm: orm, Issuer: issuer, RefreshTTL: refreshTTL, Rotation: rotation}
}

// CreateTokenPair emite un access JWT y un refresh opaco para payload.
// Solo el hash del refresh se persiste.
func (s *Service) CreateTokenPair(ctx context.Context, p Payload, device *DeviceInfo) (*TokenPair, error) {
	extra := map[string]any{
		"subject_type": p.SubjectType,
		"jti":          uuid.NewString(),
	}
	if p.Role != "" {
		extra["role"] = p.Role
	}
	for k, v := range p.Extra {
		extra[k] = v
	}

	access, accessExp, err := s.Issuer.IssueAccess(ctx, p.SubjectID, extra)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := tokens.GenerateOpaqueToken(32)
	if err != nil {
		return nil, err
	}
	refreshExp := time.Now().UTC().Add(s.RefreshTTL)

	row := storage.Row{
		"token_id":     uuid.NewString(),
		"subject_type": p.SubjectType,
		"subject_id":   p.SubjectID,
		"token_hash":   tokens.SHA256Base64URL(rawRefresh),
		"expires_at":   refreshExp,
		"is_revoked":   false,
		"role":         p.Role,
	}
	if len(p.Extra) > 0 {
		b, err := json.Marshal(p.Extra)
		if err != nil {
			return nil, err
		}
		row["extra_claims"] = string(b)
	}
	if device != nil {
		row["device_fingerprint"] = device.Fingerprint
		row["ip"] = device.IP
		row["user_agent"] = device.UserAgent
	}
	if _, err := s.Orm.Create(ctx, storage.TableRefreshTokens, row); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:           access,
		RefreshToken:          rawRefresh,
		TokenType:             "Bearer",
		AccessTokenExpiresAt:  accessExp,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

// ValidateRefreshToken es una lectura pura: nunca muta estado.
// La expiración se chequea al momento de leer (soft TTL: cleanup puede no
// haber pasado todavía).
func (s *Service) ValidateRefreshToken(ctx context.Context, rawToken string) Validation {
	row, err := s.Orm.FindFirst(ctx, storage.TableRefreshTokens, storage.Query{
		Where: storage.Eq("token_hash", tokens.SHA256Base64URL(rawToken)),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Validation{Err: ErrInvalidRefreshToken}
	}
	if err != nil {
		return Validation{Err: err}
	}
	rec := decodeRefreshRow(row)
	if rec.IsRevoked {
		return Validation{Token: rec, Err: ErrRefreshTokenRevoked}
	}
	if !time.Now().UTC().Before(rec.ExpiresAt) {
		return Validation{Token: rec, Err: ErrInvalidRefreshToken}
	}
	return Validation{IsValid: true, Token: rec}
}

// RefreshAccessToken redime un refresh token. Con rotation habilitada el token
// viejo se consume condicionalmente (update guardado sobre is_revoked=false):
// dos redenciones concurrentes del mismo token no pueden ganar las dos.
func (s *Service) RefreshAccessToken(ctx context.Context, rawToken string, device *DeviceInfo) (*TokenPair, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("jwt.refresh"),
		logger.Op("RefreshAccessToken"),
	)

	v := s.ValidateRefreshToken(ctx, rawToken)
	if !v.IsValid {
		log.Debug("refresh validation failed", logger.Err(v.Err))
		return nil, v.Err
	}
	rec := v.Token
	log = log.With(logger.SubjectID(rec.SubjectID), logger.TokenID(rec.TokenID))

	if !s.Rotation {
		// sin rotación: solo un access nuevo, el refresh sigue vivo
		extra := map[string]any{
			"subject_type": rec.SubjectType,
			"jti":          uuid.NewString(),
		}
		if rec.Role != "" {
			extra["role"] = rec.Role
		}
		for k, v := range rec.Extra {
			extra[k] = v
		}
		access, accessExp, err := s.Issuer.IssueAccess(ctx, rec.SubjectID, extra)
		if err != nil {
			return nil, err
		}
		return &TokenPair{
			AccessToken:           access,
			RefreshToken:          rawToken,
			TokenType:             "Bearer",
			AccessTokenExpiresAt:  accessExp,
			RefreshTokenExpiresAt: rec.ExpiresAt,
		}, nil
	}

	// consume condicional: solo gana quien marque is_revoked primero
	now := time.Now().UTC()
	n, err := s.Orm.UpdateMany(ctx, storage.TableRefreshTokens, storage.Query{
		Where: storage.And(
			storage.Eq("id", rec.ID),
			storage.Eq("is_revoked", false),
		),
	}, storage.Row{
		"is_revoked":        true,
		"revoked_at":        now,
		"revocation_reason": ReasonRotated,
	})
	if err != nil {
		return nil, err
	}
	if n != 1 {
		log.Info("refresh token lost redemption race")
		return nil, ErrTokenReplayed
	}

	pair, err := s.CreateTokenPair(ctx, Payload{
		SubjectType: rec.SubjectType,
		SubjectID:   rec.SubjectID,
		Role:        rec.Role,
		Extra:       rec.Extra,
	}, device)
	if err != nil {
		return nil, err
	}
	log.Info("refresh rotated")
	return pair, nil
}

// RevokeRefreshToken revoca un refresh token puntual. Inmediato: el próximo
// ValidateRefreshToken ya lo ve revocado.
func (s *Service) RevokeRefreshToken(ctx context.Context, rawToken, reason string) error {
	n, err := s.Orm.UpdateMany(ctx, storage.TableRefreshTokens, storage.Query{
		Where: storage.And(
			storage.Eq("token_hash", tokens.SHA256Base64URL(rawToken)),
			storage.Eq("is_revoked", false),
		),
	}, storage.Row{
		"is_revoked":        true,
		"revoked_at":        time.Now().UTC(),
		"revocation_reason": reason,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidRefreshToken
	}
	return nil
}

// RevokeAllRefreshTokens revoca todos los refresh vivos de un subject y
// devuelve cuántos revocó.
func (s *Service) RevokeAllRefreshTokens(ctx context.Context, subjectType, subjectID, reason string) (int64, error) {
	return s.Orm.UpdateMany(ctx, storage.TableRefreshTokens, storage.Query{
		Where: storage.And(
			storage.Eq("subject_type", subjectType),
			storage.Eq("subject_id", subjectID),
			storage.Eq("is_revoked", false),
		),
	}, storage.Row{
		"is_revoked":        true,
		"revoked_at":        time.Now().UTC(),
		"revocation_reason": reason,
	})
}

func decodeRefreshRow(row storage.Row) *RefreshTokenRecord {
	rec := &RefreshTokenRecord{
		ID:          row.String("id"),
		TokenID:     row.String("token_id"),
		SubjectType: row.String("subject_type"),
		SubjectID:   row.String("subject_id"),
		Role:        row.String("role"),
		ExpiresAt:   row.Time("expires_at"),
		IsRevoked:   row.Bool("is_revoked"),
		RevokedAt:   row.Time("revoked_at"),
	}
	if raw := row.String("extra_claims"); raw != "" {
		// best effort: claims extra ilegibles no invalidan el token
		_ = json.Unmarshal([]byte(raw), &rec.Extra)
	}
	return rec
}
