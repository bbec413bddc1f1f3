package indices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/internal/engine/memory"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, opts ...memory.Option) (*Manager, *memory.Engine) {
	t.Helper()
	e := memory.New(opts...)
	cfg := DefaultConfig()
	cfg.Prefix = "graylog"
	cfg.WaitTimeout = 200 * time.Millisecond
	return NewManager(e, cfg, WithLogger(quietLogger())), e
}

func mustCreate(t *testing.T, m *Manager, names ...string) {
	t.Helper()
	for _, name := range names {
		ok, err := m.Create(context.Background(), name)
		require.NoError(t, err)
		require.True(t, ok, name)
	}
}

func index(t *testing.T, e *memory.Engine, name string, n int) {
	t.Helper()
	req := &engine.BulkRequest{}
	for i := 0; i < n; i++ {
		req.Add(memory.Doc(name, fmt.Sprintf("%s-%04d", name, i), map[string]interface{}{
			"message":   fmt.Sprintf("message %d", i),
			"source":    "example.org",
			"timestamp": time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second).Format(memory.TimestampLayout),
		}))
	}
	resp, err := e.Bulk(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.HasFailures())
}

func TestCreate_InstallsSettingsAndMappings(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")

	settings, err := e.GetSettings(ctx, "graylog_0")
	require.NoError(t, err)
	s := settings["graylog_0"]
	assert.Equal(t, int64(4), s.Int64("number_of_shards", 0))
	assert.Equal(t, int64(0), s.Int64("number_of_replicas", -1))
	v, _ := s.Get("analysis.analyzer.analyzer_keyword.tokenizer")
	assert.Equal(t, "keyword", v)

	msg, err := e.GetMapping(ctx, "graylog_0", TypeMessage)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Contains(t, msg["properties"], "timestamp")

	meta, err := e.GetMapping(ctx, "graylog_0", TypeIndexRange)
	require.NoError(t, err)
	assert.Equal(t, "strict", meta["dynamic"])
}

func TestCreate_UnacknowledgedMappingLeavesIndex(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	e.Unacknowledge(memory.OpPutMapping)

	ok, err := m.Create(ctx, "graylog_0")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := m.Exists(ctx, "graylog_0")
	require.NoError(t, err)
	assert.True(t, exists, "no rollback of a partially created index")
}

func TestCreate_EngineUnavailable(t *testing.T) {
	m, e := newTestManager(t)
	e.SetUnavailable(true)

	ok, err := m.Create(context.Background(), "graylog_0")
	assert.False(t, ok)
	assert.True(t, ierrors.IsKind(err, ierrors.KindEngineUnavailable))
	assert.True(t, ierrors.IsRetryable(err))
}

func TestDeleteAndClose_AbsentIndexIsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	assert.True(t, ierrors.IsKind(m.Delete(ctx, "graylog_9"), ierrors.KindNotFound))
	assert.True(t, ierrors.IsKind(m.Close(ctx, "graylog_9"), ierrors.KindNotFound))
}

func TestReopenIndex_MarkerSurvivesCloseAndOpen(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0", "graylog_1")
	require.NoError(t, m.Close(ctx, "graylog_0"))
	require.NoError(t, m.Close(ctx, "graylog_1"))

	assert.Equal(t, []string{"graylog_0", "graylog_1"}, m.ClosedIndices(ctx))
	assert.Empty(t, m.ReopenedIndices(ctx))

	require.NoError(t, m.ReopenIndex(ctx, "graylog_0"))
	reopened, err := m.IsReopened(ctx, "graylog_0")
	require.NoError(t, err)
	assert.True(t, reopened)
	assert.Equal(t, []string{"graylog_1"}, m.ClosedIndices(ctx))

	require.NoError(t, m.Close(ctx, "graylog_0"))
	require.NoError(t, e.OpenIndex(ctx, "graylog_0"))

	reopened, err = m.IsReopened(ctx, "graylog_0")
	require.NoError(t, err)
	assert.True(t, reopened)
	assert.Equal(t, []string{"graylog_0"}, m.ReopenedIndices(ctx))

	reopened, err = m.IsReopened(ctx, "graylog_1")
	require.NoError(t, err)
	assert.False(t, reopened)

	reopened, err = m.IsReopened(ctx, "graylog_404")
	require.NoError(t, err)
	assert.False(t, reopened)
}

func TestProperty_ReopenedMarkerPersists(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("reopened marker survives any close/open sequence", prop.ForAll(
		func(toggles []bool) bool {
			e := memory.New()
			m := NewManager(e, Config{Prefix: "graylog"}, WithLogger(quietLogger()))
			ctx := context.Background()

			if ok, err := m.Create(ctx, "graylog_0"); err != nil || !ok {
				return false
			}
			if err := m.ReopenIndex(ctx, "graylog_0"); err != nil {
				return false
			}
			for _, closeIt := range toggles {
				var err error
				if closeIt {
					err = m.Close(ctx, "graylog_0")
				} else {
					err = e.OpenIndex(ctx, "graylog_0")
				}
				if err != nil {
					return false
				}
				reopened, err := m.IsReopened(ctx, "graylog_0")
				if err != nil || !reopened {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestClosedIndices_FiltersByPrefix(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")
	_, err := e.CreateIndex(ctx, "other_0", nil)
	require.NoError(t, err)
	require.NoError(t, e.CloseIndex(ctx, "other_0"))
	require.NoError(t, m.Close(ctx, "graylog_0"))

	assert.Equal(t, []string{"graylog_0"}, m.ClosedIndices(ctx))
}

func TestEnumeration_EngineFailureYieldsEmpty(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")
	require.NoError(t, m.Close(ctx, "graylog_0"))
	e.SetUnavailable(true)

	assert.Empty(t, m.ClosedIndices(ctx))
	assert.Empty(t, m.ReopenedIndices(ctx))
	assert.Empty(t, m.AllMessageFields(ctx))
	assert.Nil(t, m.IndexCreationDate(ctx, "graylog_0"))
}

func TestCycleAlias(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0", "graylog_1")

	target, err := m.AliasTarget(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.Empty(t, target)

	ok, err := m.CycleAlias(ctx, "graylog_deflector", "graylog_0")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := m.AliasExists(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err = m.CycleAliasFrom(ctx, "graylog_deflector", "graylog_1", "graylog_0")
	require.NoError(t, err)
	assert.True(t, ok)

	target, err = m.AliasTarget(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.Equal(t, "graylog_1", target)
}

func TestCycleAliasFrom_NeverObservedUnboundOrDoubleBound(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0", "graylog_1")
	_, err := m.CycleAlias(ctx, "graylog_deflector", "graylog_0")
	require.NoError(t, err)

	var stop atomic.Bool
	var bad atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			aliases, err := e.GetAliases(ctx, "graylog_deflector")
			if err != nil || len(aliases) != 1 {
				bad.Add(1)
			}
		}
	}()

	from, to := "graylog_0", "graylog_1"
	for i := 0; i < 200; i++ {
		ok, err := m.CycleAliasFrom(ctx, "graylog_deflector", to, from)
		require.NoError(t, err)
		require.True(t, ok)
		from, to = to, from
	}
	stop.Store(true)
	wg.Wait()

	assert.Zero(t, bad.Load())
}

func TestCycleAliasFrom_WrongOldTargetChangesNothing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0", "graylog_1", "graylog_2")
	_, err := m.CycleAlias(ctx, "graylog_deflector", "graylog_0")
	require.NoError(t, err)

	_, err = m.CycleAliasFrom(ctx, "graylog_deflector", "graylog_2", "graylog_1")
	require.Error(t, err)

	target, err := m.AliasTarget(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.Equal(t, "graylog_0", target)
}

func TestReadOnlyToggle(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")

	ro, err := m.IsReadOnly(ctx, "graylog_0")
	require.NoError(t, err)
	assert.False(t, ro, "unset block defaults to writable")

	require.NoError(t, m.SetReadOnly(ctx, "graylog_0"))
	ro, err = m.IsReadOnly(ctx, "graylog_0")
	require.NoError(t, err)
	assert.True(t, ro)

	req := &engine.BulkRequest{}
	req.Add(memory.Doc("graylog_0", "x", map[string]interface{}{"message": "blocked"}))
	resp, err := e.Bulk(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.HasFailures())

	require.NoError(t, m.SetReadWrite(ctx, "graylog_0"))
	ro, err = m.IsReadOnly(ctx, "graylog_0")
	require.NoError(t, err)
	assert.False(t, ro)

	_, err = m.IsReadOnly(ctx, "graylog_9")
	assert.True(t, ierrors.IsKind(err, ierrors.KindNotFound))
}

func TestNumberOfMessages(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")
	index(t, e, "graylog_0", 42)

	n, err := m.NumberOfMessages(ctx, "graylog_0")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = m.NumberOfMessages(ctx, "graylog_1")
	assert.True(t, ierrors.IsKind(err, ierrors.KindNotFound))
}

func TestIndexStats_NilForAbsentAndEngineFailure(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")
	index(t, e, "graylog_0", 5)

	stats := m.IndexStats(ctx, "graylog_0")
	require.NotNil(t, stats)
	assert.Equal(t, int64(5), stats.Primaries.Docs.Count)
	assert.Len(t, stats.Shards, 4)
	assert.Equal(t, "graylog_0", stats.Index)

	assert.Nil(t, m.IndexStats(ctx, "graylog_1"))
	_, err := m.LookupIndexStats(ctx, "graylog_1")
	assert.True(t, ierrors.IsKind(err, ierrors.KindNotFound))

	e.SetUnavailable(true)
	assert.Nil(t, m.IndexStats(ctx, "graylog_0"))
	_, err = m.LookupIndexStats(ctx, "graylog_0")
	assert.True(t, ierrors.IsKind(err, ierrors.KindEngineUnavailable))
}

func TestAllMessageFields_ToleratesPerIndexFailures(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0", "graylog_1", "graylog_2")
	index(t, e, "graylog_0", 1)

	req := &engine.BulkRequest{}
	req.Add(memory.Doc("graylog_1", "a", map[string]interface{}{"only_in_one": "x"}))
	req.Add(memory.Doc("graylog_2", "b", map[string]interface{}{"only_in_two": "y"}))
	_, err := e.Bulk(ctx, req)
	require.NoError(t, err)

	_, err = e.CreateIndex(ctx, "other_0", nil)
	require.NoError(t, err)
	req = &engine.BulkRequest{}
	req.Add(memory.Doc("other_0", "c", map[string]interface{}{"foreign": "z"}))
	_, err = e.Bulk(ctx, req)
	require.NoError(t, err)

	e.InjectFault(memory.OpGetMapping, "graylog_1", errors.New("mapping unreadable"))

	fields := m.AllMessageFields(ctx)
	assert.Contains(t, fields, "message")
	assert.Contains(t, fields, "only_in_two")
	assert.NotContains(t, fields, "only_in_one")
	assert.NotContains(t, fields, "foreign")
}

func TestWaitForRecovery(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")

	status, err := m.WaitForRecovery(ctx, "graylog_0")
	require.NoError(t, err)
	assert.Equal(t, types.HealthGreen, status)

	e.SetHealth("graylog_0", types.HealthRed)
	status, err = m.WaitForStatus(ctx, "graylog_0", types.HealthYellow)
	assert.Equal(t, types.HealthRed, status)
	assert.True(t, ierrors.IsKind(err, ierrors.KindEngineUnavailable))
	assert.Equal(t, ierrors.CodeTimeout, ierrors.GetCode(err))
}

func TestOptimizeAndFlush(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")
	index(t, e, "graylog_0", 3)
	index(t, e, "graylog_0", 3)

	require.NoError(t, m.OptimizeIndex(ctx, "graylog_0"))
	assert.Equal(t, 1, e.Segments("graylog_0"))

	require.NoError(t, m.Flush(ctx, "graylog_0"))
	assert.Equal(t, 1, e.Flushes("graylog_0"))
}

func TestIndexCreationDate(t *testing.T) {
	created := time.Date(2015, 1, 1, 12, 30, 0, 0, time.UTC)
	m, _ := newTestManager(t, memory.WithClock(func() time.Time { return created }))
	ctx := context.Background()
	mustCreate(t, m, "graylog_0")

	date := m.IndexCreationDate(ctx, "graylog_0")
	require.NotNil(t, date)
	assert.True(t, created.Equal(*date))

	assert.Nil(t, m.IndexCreationDate(ctx, "graylog_1"))
}

func TestLookupManagedIndices_OneSnapshot(t *testing.T) {
	m, e := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_2", "graylog_0", "graylog_1", "other_0")
	require.NoError(t, m.Close(ctx, "graylog_0"))
	require.NoError(t, m.ReopenIndex(ctx, "graylog_1"))

	managed, err := m.LookupManagedIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ManagedIndex{
		{Name: "graylog_0", Number: 0, Closed: true},
		{Name: "graylog_1", Number: 1, Reopened: true},
		{Name: "graylog_2", Number: 2},
	}, managed)

	e.SetUnavailable(true)
	_, err = m.LookupManagedIndices(ctx)
	assert.True(t, ierrors.IsKind(err, ierrors.KindEngineUnavailable))
	assert.Empty(t, m.ReopenedIndices(ctx), "the best-effort scan hides the failure")
}

func TestManagedIndices_OrderedByNumber(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	mustCreate(t, m, "graylog_10", "graylog_2", "graylog_0", "graylog_custom")
	_, err := m.CycleAlias(ctx, "graylog_deflector", "graylog_10")
	require.NoError(t, err)

	names, err := m.ManagedIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"graylog_0", "graylog_2", "graylog_10"}, names)
	assert.Equal(t, "graylog_*", m.AllIndicesAlias())
}
