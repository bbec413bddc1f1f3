package ranges

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

// TimestampField is the document field ranges are computed from.
const TimestampField = "timestamp"

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithClock sets the source of calculated_at timestamps.
func WithClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) { c.now = now }
}

// WithCalculatorLogger sets the logger.
func WithCalculatorLogger(logger *slog.Logger) CalculatorOption {
	return func(c *Calculator) { c.logger = logger }
}

// Calculator computes the time range of an index from its documents.
type Calculator struct {
	client engine.Client
	now    func() time.Time
	logger *slog.Logger
}

// NewCalculator creates a Calculator.
func NewCalculator(client engine.Client, opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		client: client,
		now:    time.Now,
		logger: slog.Default().With("component", "ranges"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate returns the range spanned by the documents of an index. An empty
// index yields the epoch/epoch sentinel. The ordinal is the numeric suffix of
// the index name, or 0 when there is none.
func (c *Calculator) Calculate(ctx context.Context, name string) (types.IndexRange, error) {
	start := c.now()
	tr, err := c.client.TimestampRange(ctx, name, TimestampField)
	if err != nil {
		return types.IndexRange{}, engine.Tag("calculate range", name, err)
	}

	ordinal, _ := types.IndexOrdinal(name)
	calculatedAt := c.now()

	var r types.IndexRange
	if tr.Count == 0 {
		r = types.EmptyIndexRange(name, calculatedAt, ordinal)
	} else {
		r = types.NewIndexRange(name, tr.Min, tr.Max, calculatedAt, ordinal)
	}

	c.logger.Info("calculated index range",
		"index", name,
		"begin", r.Begin,
		"end", r.End,
		"documents", tr.Count,
		"took", calculatedAt.Sub(start))
	return r, nil
}
