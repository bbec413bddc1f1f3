// Package rotation keeps a single writable index behind the deflector alias,
// rotates it when a strategy says so, and applies retention to the indices
// rotated out.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/internal/indices"
	"github.com/tidemark/tidemark/internal/ranges"
	"github.com/tidemark/tidemark/pkg/types"
)

// DeflectorSuffix names the write alias: <prefix>_deflector.
const DeflectorSuffix = "deflector"

// DeflectorOption configures a Deflector.
type DeflectorOption func(*Deflector)

// WithRanges makes Cycle calculate and save the range of the index rotated
// out.
func WithRanges(rs ranges.Service) DeflectorOption {
	return func(d *Deflector) { d.ranges = rs }
}

// WithoutOptimization skips optimizing the index rotated out.
func WithoutOptimization() DeflectorOption {
	return func(d *Deflector) { d.optimize = false }
}

// WithDeflectorLogger sets the logger.
func WithDeflectorLogger(logger *slog.Logger) DeflectorOption {
	return func(d *Deflector) { d.logger = logger }
}

// Deflector manages the write alias of the managed indices.
type Deflector struct {
	manager  *indices.Manager
	ranges   ranges.Service
	optimize bool
	logger   *slog.Logger

	mu sync.Mutex // one setup or cycle at a time
}

// NewDeflector creates a Deflector over the indices of manager.
func NewDeflector(manager *indices.Manager, opts ...DeflectorOption) *Deflector {
	d := &Deflector{
		manager:  manager,
		optimize: true,
		logger:   slog.Default().With("component", "deflector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the write alias name.
func (d *Deflector) Name() string {
	return d.manager.Prefix() + "_" + DeflectorSuffix
}

// IsManagedIndex reports whether name is <prefix>_<N>.
func (d *Deflector) IsManagedIndex(name string) bool {
	_, ok := types.IndexNumber(d.manager.Prefix(), name)
	return ok
}

// CurrentTarget returns the index the alias points to. It fails with
// NOT_FOUND when the alias is not bound.
func (d *Deflector) CurrentTarget(ctx context.Context) (string, error) {
	target, err := d.manager.AliasTarget(ctx, d.Name())
	if err != nil {
		return "", err
	}
	if target == "" {
		return "", ierrors.NewNotFound(ierrors.CodeAliasNotFound,
			fmt.Sprintf("deflector alias <%s> is not bound", d.Name()))
	}
	return target, nil
}

// nextIndex returns the name following the newest managed index, or
// <prefix>_0 when there is none.
func (d *Deflector) nextIndex(ctx context.Context) (string, error) {
	managed, err := d.manager.ManagedIndices(ctx)
	if err != nil {
		return "", err
	}
	next := 0
	if len(managed) > 0 {
		n, _ := types.IndexNumber(d.manager.Prefix(), managed[len(managed)-1])
		next = n + 1
	}
	return types.IndexName(d.manager.Prefix(), next), nil
}

// Setup makes sure the alias exists. Without any alias a new index is
// created and bound. A concrete index occupying the alias name is repaired:
// its documents are moved into a new index, it is deleted and the alias is
// bound to the new index.
func (d *Deflector) Setup(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	alias := d.Name()
	exists, err := d.manager.Exists(ctx, alias)
	if err != nil {
		return err
	}
	if exists {
		isAlias, err := d.manager.AliasExists(ctx, alias)
		if err != nil {
			return err
		}
		if isAlias {
			return nil
		}
		return d.repair(ctx)
	}

	target, err := d.createNext(ctx)
	if err != nil {
		return err
	}
	return d.bind(ctx, target, "")
}

func (d *Deflector) repair(ctx context.Context) error {
	alias := d.Name()
	d.logger.Warn("found an index occupying the deflector name, repairing", "index", alias)

	target, err := d.createNext(ctx)
	if err != nil {
		return err
	}
	moved, err := d.manager.Move(ctx, alias, target)
	if err != nil {
		return fmt.Errorf("repair deflector: %w", err)
	}
	if err := d.manager.Delete(ctx, alias); err != nil {
		return fmt.Errorf("repair deflector: %w", err)
	}
	if err := d.bind(ctx, target, ""); err != nil {
		return err
	}
	d.logger.Info("repaired deflector", "target", target, "moved", moved)
	return nil
}

func (d *Deflector) createNext(ctx context.Context) (string, error) {
	name, err := d.nextIndex(ctx)
	if err != nil {
		return "", err
	}
	ok, err := d.manager.Create(ctx, name)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := d.manager.Delete(ctx, name); err != nil {
			d.logger.Warn("failed to delete partially created index", "index", name, "error", err)
		}
		return "", ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed,
			fmt.Sprintf("creation of index <%s> was not acknowledged", name), nil)
	}
	if _, err := d.manager.WaitForRecovery(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

func (d *Deflector) bind(ctx context.Context, target, old string) error {
	var (
		ok  bool
		err error
	)
	if old == "" {
		ok, err = d.manager.CycleAlias(ctx, d.Name(), target)
	} else {
		ok, err = d.manager.CycleAliasFrom(ctx, d.Name(), target, old)
	}
	if err != nil {
		return err
	}
	if !ok {
		return ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed,
			fmt.Sprintf("pointing <%s> to <%s> was not acknowledged", d.Name(), target), nil)
	}
	return nil
}

// Cycle creates the next managed index and points the alias at it. The
// previous target is made read-only, its range is calculated and it is
// optimized. Failures after the alias moved are logged and do not fail the
// cycle. Cycle returns the new target.
func (d *Deflector) Cycle(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, err := d.manager.AliasTarget(ctx, d.Name())
	if err != nil {
		return "", err
	}

	target, err := d.createNext(ctx)
	if err != nil {
		return "", err
	}
	if err := d.bind(ctx, target, old); err != nil {
		return "", err
	}
	RotationCycles.Inc()
	d.logger.Info("cycled deflector", "alias", d.Name(), "from", old, "to", target)

	if old != "" {
		d.retire(ctx, old)
	}
	return target, nil
}

func (d *Deflector) retire(ctx context.Context, name string) {
	if err := d.manager.SetReadOnly(ctx, name); err != nil {
		d.logger.Warn("failed to set index read-only", "index", name, "error", err)
	}
	if d.ranges != nil {
		if _, err := d.ranges.CalculateRange(ctx, name); err != nil {
			d.logger.Warn("failed to calculate index range", "index", name, "error", err)
		}
	}
	if d.optimize {
		if err := d.manager.OptimizeIndex(ctx, name); err != nil {
			d.logger.Warn("failed to optimize index", "index", name, "error", err)
		}
	}
}
