package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	ierrors "github.com/tidemark/tidemark/internal/errors"
)

func TestTag(t *testing.T) {
	tests := []struct {
		err  error
		kind ierrors.Kind
		code string
	}{
		{fmt.Errorf("%w: graylog_3", ErrIndexNotFound), ierrors.KindNotFound, ierrors.CodeIndexNotFound},
		{ErrScrollExpired, ierrors.KindEngineUnavailable, ierrors.CodeScrollExpired},
		{context.DeadlineExceeded, ierrors.KindEngineUnavailable, ierrors.CodeTimeout},
		{ErrUnavailable, ierrors.KindEngineUnavailable, ierrors.CodeRequestFailed},
		{ierrors.NewUnsupported("nope"), ierrors.KindUnsupportedOperation, ierrors.CodeReadOnlyStore},
	}
	for _, tt := range tests {
		err := Tag("delete index", "graylog_3", tt.err)
		assert.Equal(t, tt.kind, ierrors.GetKind(err), tt.err)
		assert.Equal(t, tt.code, ierrors.GetCode(err), tt.err)
		assert.ErrorIs(t, err, tt.err)
	}

	assert.NoError(t, Tag("op", "x", nil))
	assert.Contains(t, Tag("delete index", "graylog_3", ErrUnavailable).Error(), "delete index <graylog_3>")
}
