package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seed(t *testing.T, e *Engine, index string, n int) {
	t.Helper()
	req := &engine.BulkRequest{}
	for i := 0; i < n; i++ {
		req.Add(Doc(index, fmt.Sprintf("doc-%04d", i), map[string]interface{}{
			"message":   fmt.Sprintf("message %d", i),
			"timestamp": time.Date(2015, 1, 1, 0, 0, i, 0, time.UTC).Format(TimestampLayout),
		}))
	}
	resp, err := e.Bulk(context.Background(), req)
	require.NoError(t, err)
	require.False(t, resp.HasFailures())
}

func TestCreateIndex_DefaultsAndCreationDate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := New(WithClock(clock.Now))
	ctx := context.Background()

	ack, err := e.CreateIndex(ctx, "graylog_0", map[string]interface{}{"number_of_shards": 2})
	require.NoError(t, err)
	assert.True(t, ack)

	settings, err := e.GetSettings(ctx, "graylog_0")
	require.NoError(t, err)
	s := settings["graylog_0"]
	assert.Equal(t, int64(2), s.Int64("number_of_shards", 0))
	assert.Equal(t, int64(1), s.Int64("number_of_replicas", 0))
	assert.Equal(t, clock.now.UnixMilli(), s.Int64("creation_date", 0))

	_, err = e.CreateIndex(ctx, "graylog_0", nil)
	assert.True(t, errors.Is(err, engine.ErrIndexExists))
}

func TestSettingsSurviveCloseAndOpen(t *testing.T) {
	e := New()
	ctx := context.Background()
	_, err := e.CreateIndex(ctx, "graylog_1", nil)
	require.NoError(t, err)

	require.NoError(t, e.UpdateSettings(ctx, "graylog_1", map[string]interface{}{"tidemark_reopened": true}))
	require.NoError(t, e.CloseIndex(ctx, "graylog_1"))
	require.NoError(t, e.OpenIndex(ctx, "graylog_1"))

	settings, err := e.GetSettings(ctx, "graylog_1")
	require.NoError(t, err)
	assert.True(t, settings["graylog_1"].Bool("tidemark_reopened", false))
}

func TestUpdateAliases_IsAllOrNothing(t *testing.T) {
	e := New()
	ctx := context.Background()
	for _, name := range []string{"graylog_0", "graylog_1"} {
		_, err := e.CreateIndex(ctx, name, nil)
		require.NoError(t, err)
	}
	_, err := e.UpdateAliases(ctx, []engine.AliasAction{{Type: engine.AliasAdd, Index: "graylog_0", Alias: "graylog_deflector"}})
	require.NoError(t, err)

	// second action is invalid, so the first must not be applied either
	_, err = e.UpdateAliases(ctx, []engine.AliasAction{
		{Type: engine.AliasAdd, Index: "graylog_1", Alias: "graylog_deflector"},
		{Type: engine.AliasRemove, Index: "graylog_1", Alias: "graylog_deflector"},
	})
	require.Error(t, err)

	aliases, err := e.GetAliases(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"graylog_0": {"graylog_deflector"}}, aliases)

	_, err = e.UpdateAliases(ctx, []engine.AliasAction{
		{Type: engine.AliasRemove, Index: "graylog_0", Alias: "graylog_deflector"},
		{Type: engine.AliasAdd, Index: "graylog_1", Alias: "graylog_deflector"},
	})
	require.NoError(t, err)

	aliases, err = e.GetAliases(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"graylog_1": {"graylog_deflector"}}, aliases)
}

func TestAliasNameCannotShadowIndex(t *testing.T) {
	e := New()
	ctx := context.Background()
	for _, name := range []string{"graylog_0", "graylog_deflector"} {
		_, err := e.CreateIndex(ctx, name, nil)
		require.NoError(t, err)
	}
	_, err := e.UpdateAliases(ctx, []engine.AliasAction{{Type: engine.AliasAdd, Index: "graylog_0", Alias: "graylog_deflector"}})
	assert.Error(t, err)

	exists, err := e.IndexExists(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.True(t, exists)
	isAlias, err := e.AliasExists(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.False(t, isAlias)
}

func TestBulk_RespectsWriteBlockAndClosedIndex(t *testing.T) {
	e := New()
	ctx := context.Background()
	for _, name := range []string{"blocked", "closed"} {
		_, err := e.CreateIndex(ctx, name, nil)
		require.NoError(t, err)
	}
	require.NoError(t, e.UpdateSettings(ctx, "blocked", map[string]interface{}{"blocks.write": true}))
	require.NoError(t, e.CloseIndex(ctx, "closed"))

	req := &engine.BulkRequest{}
	req.Add(Doc("blocked", "a", map[string]interface{}{"message": "x"}))
	req.Add(Doc("closed", "b", map[string]interface{}{"message": "y"}))
	req.Add(Doc("auto_created", "c", map[string]interface{}{"message": "z"}))

	resp, err := e.Bulk(ctx, req)
	require.NoError(t, err)
	require.True(t, resp.HasFailures())
	require.Len(t, resp.Failures(), 2)
	assert.False(t, resp.Items[2].Failed())
	assert.Len(t, e.Documents("auto_created"), 1)
}

func TestBulk_DynamicMapping(t *testing.T) {
	e := New()
	ctx := context.Background()
	req := &engine.BulkRequest{}
	req.Add(Doc("graylog_0", "1", map[string]interface{}{"message": "hello", "took_ms": float64(12), "ok": true}))
	_, err := e.Bulk(ctx, req)
	require.NoError(t, err)

	mapping, err := e.GetMapping(ctx, "graylog_0", DefaultDocType)
	require.NoError(t, err)
	props := mapping["properties"].(map[string]interface{})
	assert.Equal(t, "string", props["message"].(map[string]interface{})["type"])
	assert.Equal(t, "long", props["took_ms"].(map[string]interface{})["type"])
	assert.Equal(t, "boolean", props["ok"].(map[string]interface{})["type"])
}

func TestScroll_PagesAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	e := New(WithClock(clock.Now))
	ctx := context.Background()
	seed(t, e, "graylog_0", 900)

	page, err := e.OpenScroll(ctx, "graylog_0", 350, 10*time.Second)
	require.NoError(t, err)
	sizes := []int{len(page.Hits)}
	for len(page.Hits) > 0 {
		page, err = e.Scroll(ctx, page.ScrollID, time.Minute)
		require.NoError(t, err)
		sizes = append(sizes, len(page.Hits))
	}
	assert.Equal(t, []int{350, 350, 200, 0}, sizes)

	clock.Advance(2 * time.Minute)
	_, err = e.Scroll(ctx, page.ScrollID, time.Minute)
	assert.True(t, errors.Is(err, engine.ErrScrollExpired))
	assert.Equal(t, 0, e.OpenScrolls())
}

func TestStats_OnlyOpenIndices(t *testing.T) {
	e := New()
	ctx := context.Background()
	seed(t, e, "graylog_0", 10)
	seed(t, e, "graylog_1", 5)
	require.NoError(t, e.CloseIndex(ctx, "graylog_1"))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "graylog_0")
	assert.NotContains(t, stats, "graylog_1")
	assert.Equal(t, int64(10), stats["graylog_0"].Primaries.Docs.Count)
	assert.Positive(t, stats["graylog_0"].Primaries.Store.SizeBytes)
	// 5 primaries started, 5 replicas unassigned
	assert.Len(t, stats["graylog_0"].Shards, 10)
}

func TestStats_OverwritesCountAsDeletedUntilOptimize(t *testing.T) {
	e := New()
	ctx := context.Background()
	seed(t, e, "graylog_0", 3)
	seed(t, e, "graylog_0", 3)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["graylog_0"].Primaries.Docs.Count)
	assert.Equal(t, int64(3), stats["graylog_0"].Primaries.Docs.Deleted)

	require.NoError(t, e.Optimize(ctx, "graylog_0", 1))
	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats["graylog_0"].Primaries.Docs.Deleted)
	assert.Equal(t, 1, e.Segments("graylog_0"))
}

func TestHealth_WaitsUntilStatusReached(t *testing.T) {
	e := New()
	ctx := context.Background()
	_, err := e.CreateIndex(ctx, "graylog_0", map[string]interface{}{"number_of_replicas": 0})
	require.NoError(t, err)
	e.SetHealth("graylog_0", types.HealthRed)

	go func() {
		time.Sleep(60 * time.Millisecond)
		e.ClearHealth("graylog_0")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	status, err := e.Health(waitCtx, "graylog_0", types.HealthYellow)
	require.NoError(t, err)
	assert.Equal(t, types.HealthGreen, status)
}

func TestHealth_TimesOut(t *testing.T) {
	e := New()
	ctx := context.Background()
	_, err := e.CreateIndex(ctx, "graylog_0", nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	status, err := e.Health(waitCtx, "graylog_0", types.HealthGreen)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.HealthYellow, status)
}

func TestTimestampRange(t *testing.T) {
	e := New()
	ctx := context.Background()
	seed(t, e, "graylog_0", 30)

	tr, err := e.TimestampRange(ctx, "graylog_0", "timestamp")
	require.NoError(t, err)
	assert.Equal(t, int64(30), tr.Count)
	assert.True(t, tr.Min.Equal(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, tr.Max.Equal(time.Date(2015, 1, 1, 0, 0, 29, 0, time.UTC)))
}

func TestFaultInjection(t *testing.T) {
	e := New()
	ctx := context.Background()
	boom := errors.New("boom")

	e.InjectFault(OpGetMapping, "graylog_1", boom)
	seed(t, e, "graylog_0", 1)
	seed(t, e, "graylog_1", 1)

	_, err := e.GetMapping(ctx, "graylog_0", DefaultDocType)
	assert.NoError(t, err)
	_, err = e.GetMapping(ctx, "graylog_1", DefaultDocType)
	assert.ErrorIs(t, err, boom)

	e.SetUnavailable(true)
	_, err = e.Stats(ctx)
	assert.ErrorIs(t, err, engine.ErrUnavailable)

	e.ResetFaults()
	_, err = e.Stats(ctx)
	assert.NoError(t, err)

	e.Unacknowledge(OpPutMapping)
	ack, err := e.PutMapping(ctx, "graylog_0", "index_range", map[string]interface{}{})
	require.NoError(t, err)
	assert.False(t, ack)
}
