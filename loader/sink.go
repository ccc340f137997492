package loader

import (
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/wippyai/chunk-runtime/errors"
)

// Sink receives failures that no caller handles, most notably a failed
// bootstrap.
type Sink interface {
	Report(err error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(err error)

func (f SinkFunc) Report(err error) { f(err) }

// LogSink reports failures through zap.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Report(err error) {
	log := s.Logger
	if log == nil {
		log = Logger()
	}
	log.Error("unhandled load failure", append(errorFields(err), zap.Error(err))...)
}

// errorFields extracts structured fields from the failure taxonomy.
func errorFields(err error) []zap.Field {
	var fields []zap.Field

	var chunkErr *errors.ChunkLoadError
	if stderrors.As(err, &chunkErr) {
		fields = append(fields,
			zap.String("type", chunkErr.Type),
			zap.String("request", chunkErr.Request),
			zap.String("attempt", chunkErr.Attempt))
		if chunkErr.ChunkID != "" {
			fields = append(fields, zap.String("chunk", chunkErr.ChunkID))
		}
		if chunkErr.ModuleID != "" {
			fields = append(fields, zap.String("binary", chunkErr.ModuleID))
		}
	}

	var execErr *errors.ModuleExecutionError
	if stderrors.As(err, &execErr) {
		fields = append(fields, zap.String("module", execErr.ModuleID))
	}
	return fields
}
