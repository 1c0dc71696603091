package jwt

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SOG-web/reauth/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

var ErrNoActiveKey = errors.New("no_active_signing_key")

// Estados de una signing key en storage.
const (
	KeyActive   = "active"
	KeyRetiring = "retiring"
	KeyRetired  = "retired"
)

// Keystore persiste claves EdDSA en la tabla signing_keys y mantiene un cache
// local corto. Rotación: la clave activa pasa a "retiring" y sigue verificando
// durante el grace period; una clave nueva firma desde ese momento.
type Keystore struct {
	orm   storage.Orm
	grace time.Duration

	// sf evita lookups duplicados del mismo kid en paralelo
	sf singleflight.Group

	mu         sync.RWMutex
	activeKID  string
	activePriv ed25519.PrivateKey
	activePub  ed25519.PublicKey
	cacheUntil time.Time
	cacheTTL   time.Duration
}

func NewKeystore(orm storage.Orm, grace time.Duration) *Keystore {
	if grace <= 0 {
		grace = 24 * time.Hour
	}
	return &Keystore{
		orm:      orm,
		grace:    grace,
		cacheTTL: 30 * time.Second,
	}
}

// EnsureBootstrap: si no hay clave activa, genera una.
func (k *Keystore) EnsureBootstrap(ctx context.Context) error {
	_, err := k.orm.FindFirst(ctx, storage.TableSigningKeys, storage.Query{
		Where: storage.Eq("status", KeyActive),
	})
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return k.insertNewActive(ctx)
}

func (k *Keystore) insertNewActive(ctx context.Context) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = k.orm.Create(ctx, storage.TableSigningKeys, storage.Row{
		"kid":         "k-" + now.Format("20060102T150405Z") + "-" + uuid.NewString()[:8],
		"private_key": base64.RawStdEncoding.EncodeToString(priv),
		"public_key":  base64.RawStdEncoding.EncodeToString(pub),
		"status":      KeyActive,
	})
	return err
}

// Rotate genera una clave nueva activa. La activa anterior pasa a retiring
// (sigue verificando, no firma); las retiring que superaron el grace pasan a
// retired y dejan de verificar.
func (k *Keystore) Rotate(ctx context.Context) error {
	now := time.Now().UTC()

	// retirar definitivamente las retiring vencidas
	if _, err := k.orm.UpdateMany(ctx, storage.TableSigningKeys, storage.Query{
		Where: storage.And(
			storage.Eq("status", KeyRetiring),
			storage.Lt("rotated_at", now.Add(-k.grace)),
		),
	}, storage.Row{"status": KeyRetired}); err != nil {
		return err
	}

	// activa → retiring
	if _, err := k.orm.UpdateMany(ctx, storage.TableSigningKeys, storage.Query{
		Where: storage.Eq("status", KeyActive),
	}, storage.Row{"status": KeyRetiring, "rotated_at": now}); err != nil {
		return err
	}

	if err := k.insertNewActive(ctx); err != nil {
		return err
	}

	k.mu.Lock()
	k.cacheUntil = time.Time{} // invalida el cache local
	k.mu.Unlock()
	return nil
}

// Active devuelve la clave activa (cacheada).
func (k *Keystore) Active(ctx context.Context) (kid string, priv ed25519.PrivateKey, pub ed25519.PublicKey, err error) {
	k.mu.RLock()
	if time.Now().Before(k.cacheUntil) && k.activeKID != "" && len(k.activePriv) > 0 {
		defer k.mu.RUnlock()
		return k.activeKID, k.activePriv, k.activePub, nil
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	if time.Now().Before(k.cacheUntil) && k.activeKID != "" && len(k.activePriv) > 0 {
		return k.activeKID, k.activePriv, k.activePub, nil
	}

	row, err := k.orm.FindFirst(ctx, storage.TableSigningKeys, storage.Query{
		Where:   storage.Eq("status", KeyActive),
		OrderBy: []storage.Order{{Col: "created_at", Desc: true}},
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil, nil, ErrNoActiveKey
		}
		return "", nil, nil, err
	}
	privBytes, err := base64.RawStdEncoding.DecodeString(row.String("private_key"))
	if err != nil {
		return "", nil, nil, fmt.Errorf("decode private key: %w", err)
	}
	pubBytes, err := base64.RawStdEncoding.DecodeString(row.String("public_key"))
	if err != nil {
		return "", nil, nil, fmt.Errorf("decode public key: %w", err)
	}
	k.activeKID = row.String("kid")
	k.activePriv = ed25519.PrivateKey(privBytes)
	k.activePub = ed25519.PublicKey(pubBytes)
	k.cacheUntil = time.Now().Add(k.cacheTTL)
	return k.activeKID, k.activePriv, k.activePub, nil
}

// PublicKeyByKID devuelve la pubkey para un KID (active o retiring).
// Claves retired no verifican.
func (k *Keystore) PublicKeyByKID(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	if kid != "" && kid == k.activeKID && len(k.activePub) > 0 {
		pub := make([]byte, len(k.activePub))
		copy(pub, k.activePub)
		k.mu.RUnlock()
		return ed25519.PublicKey(pub), nil
	}
	k.mu.RUnlock()

	v, err, _ := k.sf.Do(kid, func() (any, error) {
		row, err := k.orm.FindFirst(ctx, storage.TableSigningKeys, storage.Query{
			Where: storage.And(
				storage.Eq("kid", kid),
				storage.In("status", KeyActive, KeyRetiring),
			),
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("unknown kid %q", kid)
			}
			return nil, err
		}
		pubBytes, err := base64.RawStdEncoding.DecodeString(row.String("public_key"))
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
		return ed25519.PublicKey(pubBytes), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(ed25519.PublicKey), nil
}

// VerifyingKeys devuelve todas las claves que todavía verifican (para JWKS).
func (k *Keystore) VerifyingKeys(ctx context.Context) ([]storage.Row, error) {
	return k.orm.FindMany(ctx, storage.TableSigningKeys, storage.Query{
		Where:   storage.In("status", KeyActive, KeyRetiring),
		OrderBy: []storage.Order{{Col: "created_at", Desc: true}},
	})
}

// StartRotation lanza una goroutine que rota en el intervalo dado hasta que
// ctx se cancele. Errores de rotación se devuelven por el canal de errores
// del caller via onError (best effort).
func (k *Keystore) StartRotation(ctx context.Context, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := k.Rotate(ctx); err != nil && onError != nil {
					onError(err)
				}
			}
		}
	}()
}
