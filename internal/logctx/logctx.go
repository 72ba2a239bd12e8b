// Package logctx carries a zerolog logger on a context.Context so dataset
// operations can tag every log line with the dataset and operation they
// belong to without threading a logger through each call.
//
//	ctx = logctx.WithDataset(ctx, dir)
//	ctx = logctx.WithOperation(ctx, "bin")
//	log := logctx.FromContext(ctx)
package logctx

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/eunmann/ctvol/pkg/logging"
)

type loggerKey struct{}

var opSeq atomic.Uint64

// WithLogger returns a context carrying logger. A nil ctx is treated as
// context.Background().
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the context logger, or the process logger from
// pkg/logging when there is none.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr adds a string field to the context logger.
func WithStr(ctx context.Context, key, value string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Str(key, value).Logger())
}

// WithInt adds an int field to the context logger.
func WithInt(ctx context.Context, key string, value int) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Int(key, value).Logger())
}

// WithDataset tags the context logger with a dataset directory.
func WithDataset(ctx context.Context, dir string) context.Context {
	return WithStr(ctx, "dataset", dir)
}

// WithOperation tags the context logger with an operation name and a
// process-unique operation id, so interleaved runs can be told apart.
func WithOperation(ctx context.Context, op string) context.Context {
	id := opSeq.Add(1)
	return WithLogger(ctx, FromContext(ctx).With().Str("op", op).Uint64("op_id", id).Logger())
}
