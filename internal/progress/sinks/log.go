package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skolhustick/mdwnio/internal/progress"
)

// LogSink writes one structured line per event. Errors are logged at warn,
// everything else at debug so request logs stay readable at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.DebugLevel
		if evt.Stage == progress.StageResolveError {
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "resolution event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.Stringer("resolution_id", evt.ID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
		}
		if evt.Key != "" {
			fields = append(fields, zap.String("key", evt.Key))
		}
		switch evt.Stage {
		case progress.StageFetchDone:
			fields = append(fields,
				zap.String("host", evt.Host),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
			)
		case progress.StageResolveDone:
			fields = append(fields,
				zap.String("provenance", evt.Provenance),
				zap.String("cache", evt.Cache),
			)
		case progress.StageResolveError:
			fields = append(fields, zap.String("kind", evt.Kind))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
