package audit

import (
	"context"
	"log/slog"
)

// LogRepo writes events as structured log lines. It is the fallback when no
// audit database is configured.
type LogRepo struct {
	log *slog.Logger
}

func NewLogRepo(l *slog.Logger) *LogRepo {
	return &LogRepo{log: l.With("component", "audit")}
}

func (r *LogRepo) Append(ctx context.Context, e Event) error {
	r.log.InfoContext(ctx, "audit event",
		"audit_id", e.ID,
		"type", e.Type,
		"subject_user_id", e.SubjectUserID,
		"token_id", e.TokenID,
		"ip", e.IPAddress,
		"message", e.Message,
		"created_at", e.CreatedAt,
	)
	return nil
}
