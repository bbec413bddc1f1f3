package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/tidemark/tidemark/internal/indices"
)

// Strategy decides whether the current write target should be rotated.
type Strategy interface {
	// Name identifies the strategy in logs and configuration.
	Name() string

	// ShouldRotate reports whether index is due for rotation and why.
	ShouldRotate(ctx context.Context, manager *indices.Manager, index string) (bool, string, error)
}

// MessageCountStrategy rotates once an index holds MaxDocs documents.
type MessageCountStrategy struct {
	MaxDocs int64
}

func (s MessageCountStrategy) Name() string { return "count" }

func (s MessageCountStrategy) ShouldRotate(ctx context.Context, manager *indices.Manager, index string) (bool, string, error) {
	n, err := manager.NumberOfMessages(ctx, index)
	if err != nil {
		return false, "", err
	}
	if n >= s.MaxDocs {
		return true, fmt.Sprintf("number of messages in <%s> (%d) is higher than the limit (%d)", index, n, s.MaxDocs), nil
	}
	return false, "", nil
}

// SizeStrategy rotates once the primary store size of an index reaches
// MaxBytes.
type SizeStrategy struct {
	MaxBytes int64
}

func (s SizeStrategy) Name() string { return "size" }

func (s SizeStrategy) ShouldRotate(ctx context.Context, manager *indices.Manager, index string) (bool, string, error) {
	stats, err := manager.LookupIndexStats(ctx, index)
	if err != nil {
		return false, "", err
	}
	size := stats.Primaries.Store.SizeBytes
	if size >= s.MaxBytes {
		return true, fmt.Sprintf("size of <%s> (%d bytes) is higher than the limit (%d bytes)", index, size, s.MaxBytes), nil
	}
	return false, "", nil
}

// TimeStrategy rotates once an index is older than MaxAge. Indices without a
// known creation date are never rotated by age.
type TimeStrategy struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func (s TimeStrategy) Name() string { return "time" }

func (s TimeStrategy) ShouldRotate(ctx context.Context, manager *indices.Manager, index string) (bool, string, error) {
	created := manager.IndexCreationDate(ctx, index)
	if created == nil {
		return false, "", nil
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	age := now().Sub(*created)
	if age >= s.MaxAge {
		return true, fmt.Sprintf("<%s> is %s old, the limit is %s", index, age.Truncate(time.Second), s.MaxAge), nil
	}
	return false, "", nil
}
