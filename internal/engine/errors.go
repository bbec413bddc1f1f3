package engine

import (
	"context"
	"errors"
	"fmt"

	ierrors "github.com/tidemark/tidemark/internal/errors"
)

// Tag maps a Client failure onto the error kinds callers dispatch on. Errors
// that already carry a kind pass through unchanged.
func Tag(op, index string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *ierrors.Error
	if errors.As(err, &tagged) {
		return err
	}

	msg := op
	if index != "" {
		msg = fmt.Sprintf("%s <%s>", op, index)
	}

	switch {
	case errors.Is(err, ErrIndexNotFound):
		return ierrors.Wrap(ierrors.KindNotFound, ierrors.CodeIndexNotFound, msg, err)
	case errors.Is(err, ErrScrollExpired):
		return ierrors.NewEngineUnavailable(ierrors.CodeScrollExpired, msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return ierrors.NewEngineUnavailable(ierrors.CodeTimeout, msg, err)
	default:
		return ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, msg, err)
	}
}
