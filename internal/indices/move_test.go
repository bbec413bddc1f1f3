package indices

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/internal/engine/memory"
	ierrors "github.com/tidemark/tidemark/internal/errors"
)

// recordingClient records the size and consistency of every bulk request.
type recordingClient struct {
	engine.Client

	mu          sync.Mutex
	bulkSizes   []int
	consistency []engine.WriteConsistency
	beforeNext  func()
}

func (c *recordingClient) Bulk(ctx context.Context, req *engine.BulkRequest) (*engine.BulkResponse, error) {
	c.mu.Lock()
	c.bulkSizes = append(c.bulkSizes, req.NumberOfActions())
	c.consistency = append(c.consistency, req.Consistency)
	c.mu.Unlock()
	return c.Client.Bulk(ctx, req)
}

func (c *recordingClient) Scroll(ctx context.Context, id string, keepAlive time.Duration) (*engine.ScrollPage, error) {
	if c.beforeNext != nil {
		c.beforeNext()
	}
	return c.Client.Scroll(ctx, id, keepAlive)
}

func TestMove_CopiesAllPages(t *testing.T) {
	e := memory.New()
	ctx := context.Background()
	index(t, e, "graylog_0", 900)
	_, err := e.CreateIndex(ctx, "graylog_1", nil)
	require.NoError(t, err)

	client := &recordingClient{Client: e}
	mv := NewMover(client, WithMoverLogger(quietLogger()))

	before := testutil.ToFloat64(MoveDocuments)
	moved, err := mv.Move(ctx, "graylog_0", "graylog_1")
	require.NoError(t, err)

	assert.Equal(t, int64(900), moved)
	assert.Equal(t, []int{350, 350, 200}, client.bulkSizes)
	for _, c := range client.consistency {
		assert.Equal(t, engine.ConsistencyOne, c)
	}
	assert.Equal(t, 900.0, testutil.ToFloat64(MoveDocuments)-before)

	source := e.Documents("graylog_0")
	assert.Len(t, source, 900, "source untouched")
	assert.Equal(t, source, e.Documents("graylog_1"))
	assert.Zero(t, e.OpenScrolls())
}

func TestMove_StripsEmbeddedIdentifier(t *testing.T) {
	e := memory.New()
	ctx := context.Background()
	req := &engine.BulkRequest{}
	req.Add(memory.Doc("graylog_0", "abc", map[string]interface{}{"_id": "abc", "message": "hello"}))
	_, err := e.Bulk(ctx, req)
	require.NoError(t, err)

	mv := NewMover(e, WithMoverLogger(quietLogger()))
	_, err = mv.Move(ctx, "graylog_0", "graylog_1")
	require.NoError(t, err)

	docs := e.Documents("graylog_1")
	require.Contains(t, docs, "abc")
	assert.Equal(t, map[string]interface{}{"message": "hello"}, docs["abc"])
	assert.Contains(t, e.Documents("graylog_0")["abc"], "_id", "source keeps its document")
}

func TestMove_EmptySource(t *testing.T) {
	e := memory.New()
	ctx := context.Background()
	for _, name := range []string{"graylog_0", "graylog_1"} {
		_, err := e.CreateIndex(ctx, name, nil)
		require.NoError(t, err)
	}

	client := &recordingClient{Client: e}
	moved, err := NewMover(client, WithMoverLogger(quietLogger())).Move(ctx, "graylog_0", "graylog_1")
	require.NoError(t, err)
	assert.Zero(t, moved)
	assert.Empty(t, client.bulkSizes)
}

func TestMove_BulkFailureIsFatal(t *testing.T) {
	e := memory.New()
	ctx := context.Background()
	index(t, e, "graylog_0", 900)
	e.SetBulkFailure(func(item engine.BulkItem) string {
		if item.ID == "graylog_0-0400" {
			return "mapper_parsing_exception: failed to parse [timestamp]"
		}
		return ""
	})

	before := testutil.ToFloat64(MoveBulkFailures)
	client := &recordingClient{Client: e}
	moved, err := NewMover(client, WithMoverLogger(quietLogger())).Move(ctx, "graylog_0", "graylog_1")

	require.Error(t, err)
	assert.True(t, ierrors.IsKind(err, ierrors.KindFatalMigration))
	assert.False(t, ierrors.IsRetryable(err))
	assert.Equal(t, int64(350), moved)
	assert.Len(t, client.bulkSizes, 2, "no page after the failed one")
	assert.Equal(t, 1.0, testutil.ToFloat64(MoveBulkFailures)-before)
	assert.Len(t, e.Documents("graylog_0"), 900)
}

// spanRecorder keeps the error and status reported to a span.
type spanRecorder struct {
	noop.Span
	errs   []error
	status codes.Code
}

func (s *spanRecorder) RecordError(err error, _ ...trace.EventOption) { s.errs = append(s.errs, err) }
func (s *spanRecorder) SetStatus(code codes.Code, _ string)           { s.status = code }

type recordingTracer struct {
	noop.Tracer
	span *spanRecorder
}

func (rt *recordingTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	rt.span = &spanRecorder{}
	return trace.ContextWithSpan(ctx, rt.span), rt.span
}

func TestMove_FailureMarksSpan(t *testing.T) {
	e := memory.New()
	ctx := context.Background()
	index(t, e, "graylog_0", 10)
	e.SetBulkFailure(func(engine.BulkItem) string { return "rejected" })

	tracer := &recordingTracer{}
	_, err := NewMover(e, WithMoverLogger(quietLogger()), WithMoverTracer(tracer)).Move(ctx, "graylog_0", "graylog_1")
	require.Error(t, err)
	require.NotNil(t, tracer.span)
	assert.Equal(t, codes.Error, tracer.span.status)
	require.Len(t, tracer.span.errs, 1)
	assert.True(t, ierrors.IsKind(tracer.span.errs[0], ierrors.KindFatalMigration))

	e.SetBulkFailure(nil)
	_, err = NewMover(e, WithMoverLogger(quietLogger()), WithMoverTracer(tracer)).Move(ctx, "graylog_0", "graylog_2")
	require.NoError(t, err)
	assert.Empty(t, tracer.span.errs)
	assert.Equal(t, codes.Unset, tracer.span.status)
}

func TestMove_ExpiredCursor(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_420_070_400, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := memory.New(memory.WithClock(clock))
	ctx := context.Background()
	index(t, e, "graylog_0", 10)

	client := &recordingClient{Client: e, beforeNext: func() {
		mu.Lock()
		now = now.Add(time.Hour)
		mu.Unlock()
	}}
	_, err := NewMover(client, WithMoverLogger(quietLogger())).Move(ctx, "graylog_0", "graylog_1")

	require.Error(t, err)
	assert.True(t, ierrors.IsKind(err, ierrors.KindEngineUnavailable))
	assert.Equal(t, ierrors.CodeScrollExpired, ierrors.GetCode(err))
}

func TestMove_MissingSource(t *testing.T) {
	e := memory.New()
	_, err := NewMover(e, WithMoverLogger(quietLogger())).Move(context.Background(), "graylog_404", "graylog_1")
	assert.True(t, ierrors.IsKind(err, ierrors.KindNotFound))
}

func TestManagerMove(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0", "graylog_1")
	index(t, e, "graylog_0", 20)

	moved, err := m.Move(ctx, "graylog_0", "graylog_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), moved)

	n, err := m.NumberOfMessages(ctx, "graylog_1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}

func TestProperty_MoveCopiesEveryDocument(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("target holds exactly the source documents", prop.ForAll(
		func(docs, pageSize int) bool {
			e := memory.New()
			ctx := context.Background()
			req := &engine.BulkRequest{}
			for i := 0; i < docs; i++ {
				req.Add(memory.Doc("src", fmt.Sprintf("d%d", i), map[string]interface{}{"n": float64(i)}))
			}
			if docs > 0 {
				if _, err := e.Bulk(ctx, req); err != nil {
					return false
				}
			} else if _, err := e.CreateIndex(ctx, "src", nil); err != nil {
				return false
			}

			client := &recordingClient{Client: e}
			mv := NewMover(client, WithPageSize(pageSize), WithMoverLogger(quietLogger()))
			moved, err := mv.Move(ctx, "src", "dst")
			if err != nil || moved != int64(docs) {
				return false
			}

			wantPages := (docs + pageSize - 1) / pageSize
			if len(client.bulkSizes) != wantPages {
				return false
			}
			target := e.Documents("dst")
			if len(target) != docs {
				return false
			}
			for id, src := range e.Documents("src") {
				if target[id]["n"] != src["n"] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 700),
		gen.IntRange(1, 400),
	))

	properties.TestingRun(t)
}
