package rate

import (
	"context"
	"errors"
	"time"

	"github.com/SOG-web/reauth/internal/storage"
)

// Lockout lleva contadores de intentos fallidos por subject en storage
// (tabla two_factor_attempts) y aplica ventanas de bloqueo temporales.
// La recuperación es solo por tiempo, nunca por reset manual.
type Lockout struct {
	Orm         storage.Orm
	Table       string
	MaxFailures int64
	Window      time.Duration
	LockFor     time.Duration
}

// Status es el estado de lockout de un subject.
type Status struct {
	Locked     bool
	Failures   int64
	RetryAfter time.Duration
}

// Check consulta el estado actual sin mutar nada.
func (l *Lockout) Check(ctx context.Context, subjectID string) (Status, error) {
	row, err := l.Orm.FindFirst(ctx, l.Table, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	})
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	now := time.Now().UTC()
	if lockedUntil := row.Time("locked_until"); !lockedUntil.IsZero() && now.Before(lockedUntil) {
		return Status{Locked: true, Failures: row.Int64("failures"), RetryAfter: lockedUntil.Sub(now)}, nil
	}
	// ventana vencida: los failures viejos no cuentan
	if ws := row.Time("window_start"); !ws.IsZero() && now.Sub(ws) > l.Window {
		return Status{}, nil
	}
	return Status{Failures: row.Int64("failures")}, nil
}

// Failure registra un intento fallido. Si se supera MaxFailures dentro de la
// ventana, activa el bloqueo y devuelve Locked=true.
func (l *Lockout) Failure(ctx context.Context, subjectID string) (Status, error) {
	now := time.Now().UTC()
	row, err := l.Orm.FindFirst(ctx, l.Table, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		_, err = l.Orm.Create(ctx, l.Table, storage.Row{
			"subject_id":   subjectID,
			"failures":     int64(1),
			"window_start": now,
		})
		if err != nil {
			return Status{}, err
		}
		return Status{Failures: 1}, nil
	case err != nil:
		return Status{}, err
	}

	failures := row.Int64("failures") + 1
	set := storage.Row{"failures": failures}
	if ws := row.Time("window_start"); ws.IsZero() || now.Sub(ws) > l.Window {
		// nueva ventana
		failures = 1
		set = storage.Row{"failures": int64(1), "window_start": now, "locked_until": nil}
	}
	st := Status{Failures: failures}
	if failures >= l.MaxFailures {
		until := now.Add(l.LockFor)
		set["locked_until"] = until
		st.Locked = true
		st.RetryAfter = l.LockFor
	}
	if _, err := l.Orm.UpdateMany(ctx, l.Table,
		storage.Query{Where: storage.Eq("id", row.String("id"))}, set); err != nil {
		return Status{}, err
	}
	return st, nil
}

// Success limpia los contadores tras un intento exitoso.
func (l *Lockout) Success(ctx context.Context, subjectID string) error {
	_, err := l.Orm.DeleteMany(ctx, l.Table, storage.Query{
		Where: storage.Eq("subject_id", subjectID),
	})
	return err
}
