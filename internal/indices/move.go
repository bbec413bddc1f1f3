package indices

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidemark/tidemark/internal/engine"
	ierrors "github.com/tidemark/tidemark/internal/errors"
)

const (
	// MovePageSize is the number of documents fetched per cursor page.
	MovePageSize = 350

	moveInitialKeepAlive = 10 * time.Second
	moveKeepAlive        = time.Minute
)

// MoverOption configures a Mover.
type MoverOption func(*Mover)

// WithPageSize overrides the cursor page size.
func WithPageSize(size int) MoverOption {
	return func(mv *Mover) {
		if size > 0 {
			mv.pageSize = size
		}
	}
}

// WithMoverLogger sets the logger.
func WithMoverLogger(logger *slog.Logger) MoverOption {
	return func(mv *Mover) { mv.logger = logger }
}

// WithMoverTracer sets the tracer.
func WithMoverTracer(tracer trace.Tracer) MoverOption {
	return func(mv *Mover) { mv.tracer = tracer }
}

// Mover copies documents between indices with a cursor and bulk writes.
type Mover struct {
	client   engine.Client
	pageSize int
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewMover creates a Mover.
func NewMover(client engine.Client, opts ...MoverOption) *Mover {
	mv := &Mover{
		client:   client,
		pageSize: MovePageSize,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/tidemark/tidemark/internal/indices"),
	}
	for _, opt := range opts {
		opt(mv)
	}
	return mv
}

// Move copies every document of source into target, keeping document ids.
// Pages are written strictly one after another, each as a single bulk request
// that needs only one shard copy to acknowledge. Any rejected item aborts the
// move with FATAL_MIGRATION_FAILURE; how many documents already reached
// target is then unknown. Source is never modified.
func (mv *Mover) Move(ctx context.Context, source, target string) (moved int64, err error) {
	ctx, span := mv.tracer.Start(ctx, "Mover.Move")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(ierrors.GetKind(err)))
		}
		span.End()
	}()
	span.SetAttributes(
		attribute.String("move.source", source),
		attribute.String("move.target", target),
	)

	page, err := mv.client.OpenScroll(ctx, source, mv.pageSize, moveInitialKeepAlive)
	if err != nil {
		return 0, engine.Tag("open scroll", source, err)
	}
	scrollID := page.ScrollID
	defer func() {
		if err := mv.client.ClearScroll(context.WithoutCancel(ctx), scrollID); err != nil {
			mv.logger.Debug("failed to clear scroll", "source", source, "error", err)
		}
	}()

	// The first page may be empty without the cursor being exhausted.
	if len(page.Hits) > 0 {
		n, err := mv.writePage(ctx, source, target, page.Hits)
		moved += n
		if err != nil {
			return moved, err
		}
	}

	for {
		page, err = mv.client.Scroll(ctx, scrollID, moveKeepAlive)
		if err != nil {
			return moved, engine.Tag("scroll", source, err)
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
		if len(page.Hits) == 0 {
			break
		}

		n, err := mv.writePage(ctx, source, target, page.Hits)
		moved += n
		if err != nil {
			return moved, err
		}
	}

	span.SetAttributes(attribute.Int64("move.documents", moved))
	return moved, nil
}

func (mv *Mover) writePage(ctx context.Context, source, target string, hits []engine.Hit) (int64, error) {
	req := &engine.BulkRequest{Consistency: engine.ConsistencyOne}
	for _, hit := range hits {
		doc := hit.Source
		id := hit.ID
		if embedded, ok := doc["_id"].(string); ok && embedded != "" {
			id = embedded
		}
		delete(doc, "_id")

		req.Add(engine.BulkItem{Index: target, Type: TypeMessage, ID: id, Source: doc})
	}

	if req.NumberOfActions() == 0 {
		return 0, nil
	}

	resp, err := mv.client.Bulk(ctx, req)
	if err != nil {
		return 0, engine.Tag("bulk", target, err)
	}

	mv.logger.Info("moving index",
		"source", source,
		"target", target,
		"items", len(resp.Items),
		"took_ms", resp.Took.Milliseconds(),
		"failures", resp.HasFailures())

	if resp.HasFailures() {
		MoveBulkFailures.Inc()
		failures := resp.Failures()
		return 0, ierrors.NewFatalMigration(
			fmt.Sprintf("failed to move documents from <%s> to <%s>", source, target),
			fmt.Errorf("%d of %d items failed, first: %s", len(failures), len(resp.Items), failures[0].Error),
		).WithDetails(map[string]interface{}{
			"source":   source,
			"target":   target,
			"failures": len(failures),
		})
	}

	n := int64(len(resp.Items))
	MoveDocuments.Add(float64(n))
	return n, nil
}
