package servicing

import "log/slog"

// AuditSink receives fire-and-forget audit records after successful state
// transitions. Delivery and retry are the sink's concern, not the engine's.
type AuditSink interface {
	Record(actorID, action, entityType, entityID string, metadata map[string]string)
}

// LogAuditSink writes audit records to a structured logger.
type LogAuditSink struct {
	logger *slog.Logger
}

func NewLogAuditSink(logger *slog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Record(actorID, action, entityType, entityID string, metadata map[string]string) {
	attrs := []any{"actor_id", actorID, "action", action, "entity_type", entityType, "entity_id", entityID}
	for k, v := range metadata {
		attrs = append(attrs, k, v)
	}
	s.logger.Info("audit", attrs...)
}

// NopAuditSink discards all records; useful in tests.
type NopAuditSink struct{}

func (NopAuditSink) Record(string, string, string, string, map[string]string) {}
