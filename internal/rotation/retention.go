package rotation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tidemark/tidemark/internal/archive"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/indices"
	"github.com/tidemark/tidemark/internal/ranges"
)

// RetentionAction is what happens to an index that falls out of retention.
type RetentionAction string

const (
	RetentionDelete  RetentionAction = "delete"
	RetentionClose   RetentionAction = "close"
	RetentionArchive RetentionAction = "archive"
	RetentionNone    RetentionAction = "none"
)

// ParseRetentionAction validates a configured action name.
func ParseRetentionAction(s string) (RetentionAction, error) {
	switch a := RetentionAction(s); a {
	case RetentionDelete, RetentionClose, RetentionArchive, RetentionNone:
		return a, nil
	case "":
		return RetentionDelete, nil
	default:
		return "", ierrors.NewInvalidArgument(ierrors.CodeInvalidConfig, fmt.Sprintf("unknown retention strategy %q", s))
	}
}

// SweepResult lists what a sweep did.
type SweepResult struct {
	Removed []string
	Failed  map[string]error
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperRanges deletes the range entry of every deleted index.
func WithSweeperRanges(rs ranges.Store) SweeperOption {
	return func(s *Sweeper) { s.ranges = rs }
}

// WithArchiver sets the archiver used by RetentionArchive.
func WithArchiver(a *archive.Archiver) SweeperOption {
	return func(s *Sweeper) { s.archiver = a }
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// Sweeper keeps at most maxIndices open managed indices. The oldest indices
// beyond the limit are removed first. The current write target and reopened
// indices are never touched, and neither reopened nor closed indices count
// toward the limit.
type Sweeper struct {
	manager    *indices.Manager
	deflector  *Deflector
	action     RetentionAction
	maxIndices int
	ranges     ranges.Store
	archiver   *archive.Archiver
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(manager *indices.Manager, deflector *Deflector, action RetentionAction, maxIndices int, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		manager:    manager,
		deflector:  deflector,
		action:     action,
		maxIndices: maxIndices,
		logger:     slog.Default().With("component", "retention"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep applies the retention action to the indices beyond the limit. A
// failure on one index is recorded and the sweep continues with the next.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	res := &SweepResult{Failed: map[string]error{}}
	if s.action == RetentionNone {
		return res, nil
	}
	if s.action == RetentionArchive && s.archiver == nil {
		return nil, ierrors.NewInvalidArgument(ierrors.CodeInvalidConfig, "archive retention needs an archiver")
	}

	managed, err := s.manager.LookupManagedIndices(ctx)
	if err != nil {
		return nil, err
	}
	target, err := s.deflector.CurrentTarget(ctx)
	if err != nil && !ierrors.IsKind(err, ierrors.KindNotFound) {
		return nil, err
	}

	var candidates []string
	counted := 0
	for _, mi := range managed {
		if mi.Reopened || mi.Closed {
			continue
		}
		counted++
		if mi.Name != target {
			candidates = append(candidates, mi.Name)
		}
	}

	excess := counted - s.maxIndices
	if excess <= 0 {
		return res, nil
	}
	if excess > len(candidates) {
		excess = len(candidates)
	}

	s.logger.Info("running retention",
		"strategy", s.action,
		"indices", counted,
		"max_indices", s.maxIndices,
		"removing", excess)

	for _, name := range candidates[:excess] {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.apply(ctx, name); err != nil {
			s.logger.Error("retention failed", "index", name, "strategy", s.action, "error", err)
			res.Failed[name] = err
			continue
		}
		RetentionRemoved.WithLabelValues(string(s.action)).Inc()
		res.Removed = append(res.Removed, name)
	}
	return res, nil
}

func (s *Sweeper) apply(ctx context.Context, name string) error {
	switch s.action {
	case RetentionClose:
		return s.manager.Close(ctx, name)
	case RetentionArchive:
		m, err := s.archiver.Archive(ctx, name)
		if err != nil {
			return err
		}
		s.logger.Info("archived index before deletion", "index", name, "object", m.Object)
		return s.delete(ctx, name)
	default:
		return s.delete(ctx, name)
	}
}

func (s *Sweeper) delete(ctx context.Context, name string) error {
	if err := s.manager.Delete(ctx, name); err != nil {
		return err
	}
	if s.ranges != nil {
		if err := s.ranges.Delete(ctx, name); err != nil {
			s.logger.Warn("failed to delete index range", "index", name, "error", err)
		}
	}
	return nil
}
