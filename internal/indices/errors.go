package indices

import (
	"context"
	"log/slog"

	"github.com/tidemark/tidemark/internal/engine"
	ierrors "github.com/tidemark/tidemark/internal/errors"
)

// bestEffort runs a read whose failure must not abort the caller. The error
// is mapped to its kind, logged and replaced by fallback. Absent indices are
// logged at debug level only.
func bestEffort[T any](ctx context.Context, logger *slog.Logger, op, index string, fallback T, read func(context.Context) (T, error)) T {
	v, err := read(ctx)
	if err == nil {
		return v
	}

	err = engine.Tag(op, index, err)
	level := slog.LevelWarn
	if ierrors.IsKind(err, ierrors.KindNotFound) {
		level = slog.LevelDebug
	}
	logger.Log(ctx, level, "best-effort read failed",
		"op", op,
		"index", index,
		"kind", ierrors.GetKind(err),
		"error", err)
	return fallback
}
