// Package audit implements human-facing ports.AuditSink mirrors of
// audit events, explicitly distinct from the tamper-evident hash chain
// the chain package owns. A failed write here never blocks or fails
// the calling operation.
package audit

import (
	"context"
	"log"
	"os"

	"github.com/google/uuid"
)

// LogSink is the simplest AuditSink: every record is written to a
// *log.Logger, the default ambient-stack choice this codebase's own
// services use throughout despite the rest of the stack's third-party
// dependencies.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink wraps logger (or a stderr default) as an AuditSink.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.New(os.Stderr, "[Audit] ", log.LstdFlags)
	}
	return &LogSink{logger: logger}
}

// Record writes one audit line. It never returns an error: a sink that
// can always accept best-effort writes needs no retry/backoff path.
func (s *LogSink) Record(_ context.Context, eventType string, subjectID uuid.UUID, details map[string]any) error {
	s.logger.Printf("event=%s subject=%s details=%v", eventType, subjectID, details)
	return nil
}
