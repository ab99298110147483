package usage

import (
	"context"
	"log/slog"
)

// LogAccountant writes every record as a structured log line.
type LogAccountant struct {
	logger *slog.Logger
}

var _ Accountant = (*LogAccountant)(nil)

func NewLogAccountant(logger *slog.Logger) *LogAccountant {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAccountant{logger: logger}
}

func (l *LogAccountant) Record(ctx context.Context, rec Record) error {
	l.logger.InfoContext(ctx, "usage",
		slog.String("key", rec.Key),
		slog.String("subject", rec.Subject),
		slog.String("method", rec.Method),
		slog.String("route", rec.Route),
		slog.Int("status", rec.Status),
		slog.Int64("units", rec.Units),
		slog.Duration("duration", rec.Duration),
	)
	return nil
}
