// Package audit registra eventos de seguridad. Siempre best-effort: una
// falla de auditoría nunca voltea la operación que la generó.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/SOG-web/reauth/internal/observability/logger"
	"github.com/SOG-web/reauth/internal/storage"
)

// Log escribe un evento de auditoría estructurado al log.
func Log(ctx context.Context, event string, fields map[string]any) {
	l := logger.FromWithFields(ctx, logger.Component("audit"), logger.String("event", event))
	if len(fields) > 0 {
		b, _ := json.Marshal(fields)
		l = l.With(logger.String("detail", string(b)))
	}
	l.Info("audit event")
}

// Recorder persiste eventos en una tabla además de loguearlos.
type Recorder struct {
	Orm   storage.Orm
	Table string
}

// Record escribe el evento. Una falla de storage se loguea y se descarta.
func (r *Recorder) Record(ctx context.Context, event, serverID, subjectID string, detail map[string]any) {
	Log(ctx, event, detail)
	if r == nil || r.Orm == nil {
		return
	}
	var detailJSON string
	if len(detail) > 0 {
		b, _ := json.Marshal(detail)
		detailJSON = string(b)
	}
	if _, err := r.Orm.Create(ctx, r.Table, storage.Row{
		"event":      event,
		"server_id":  serverID,
		"subject_id": subjectID,
		"detail":     detailJSON,
		"created_at": time.Now().UTC(),
	}); err != nil {
		logger.From(ctx).Warn("audit record failed",
			logger.Component("audit"),
			logger.String("event", event),
			logger.Err(err),
		)
	}
}
