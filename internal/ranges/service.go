// Package ranges stores the time range covered by each index together with a
// one-way migration flag.
//
// Writable stores (SQLite, Postgres) implement Store. LegacyService reads
// ranges persisted in the legacy document shape and rejects every write except
// the migration flag, which lets a migration from it resume after a crash.
package ranges

import (
	"context"
	"fmt"
	"time"

	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// Store is persistent range metadata keyed by index name.
type Store interface {
	// Get returns the range of an index. Absent and malformed records both
	// fail with NOT_FOUND; a failing store is ENGINE_UNAVAILABLE.
	Get(ctx context.Context, name string) (types.IndexRange, error)

	// FindAll returns every range ordered by ordinal.
	FindAll(ctx context.Context) ([]types.IndexRange, error)

	// Find returns the ranges overlapping [begin, end] ordered by ordinal.
	Find(ctx context.Context, begin, end time.Time) ([]types.IndexRange, error)

	// Save inserts or replaces a range. The migration flag is kept.
	Save(ctx context.Context, r types.IndexRange) error

	// IsMigrated reports whether the migration flag of a range is set.
	IsMigrated(ctx context.Context, name string) (bool, error)

	// MarkAsMigrated sets the migration flag. It returns true when the record
	// exists, whether or not the flag was already set.
	MarkAsMigrated(ctx context.Context, name string) (bool, error)

	// Delete removes the range of an index. Deleting an absent range is not
	// an error.
	Delete(ctx context.Context, name string) error

	// Close releases the underlying connections.
	Close() error
}

// Service is a Store that can also compute ranges from the index engine.
type Service interface {
	Store

	// CalculateRange computes the range of an index and saves it.
	CalculateRange(ctx context.Context, name string) (types.IndexRange, error)
}

// Calculating pairs a writable store with a calculator.
type Calculating struct {
	Store
	calc *Calculator
}

// NewService returns a Service that saves calculated ranges into store.
func NewService(store Store, calc *Calculator) *Calculating {
	return &Calculating{Store: store, calc: calc}
}

// CalculateRange computes the range of an index and saves it.
func (s *Calculating) CalculateRange(ctx context.Context, name string) (types.IndexRange, error) {
	r, err := s.calc.Calculate(ctx, name)
	if err != nil {
		return types.IndexRange{}, err
	}
	if err := s.Save(ctx, r); err != nil {
		return types.IndexRange{}, err
	}
	return r, nil
}

func rangeNotFound(name string) error {
	return ierrors.NewNotFound(ierrors.CodeRangeNotFound, fmt.Sprintf("no index range for index <%s>", name))
}

func rangeInvalid(name string, cause error) error {
	return ierrors.Wrap(ierrors.KindNotFound, ierrors.CodeRangeInvalid, fmt.Sprintf("invalid index range for index <%s>", name), cause)
}

// scanFailure classifies a failed row decode: a record that does not decode
// is invalid unless the context ended while reading it.
func scanFailure(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return storeFailure("get", err)
	}
	return rangeInvalid(name, err)
}

func storeFailure(op string, err error) error {
	return ierrors.NewEngineUnavailable(ierrors.CodeRequestFailed, "ranges: "+op, err)
}
