package rest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/tidemark/internal/engine"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// fakeEngine routes "METHOD /path" to canned handlers and records calls.
type fakeEngine struct {
	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	calls    map[string]int
	lastBody map[string]string
	lastAuth string
}

func newFakeEngine(t *testing.T) (*fakeEngine, *Client) {
	t.Helper()
	f := &fakeEngine{
		routes:   map[string]http.HandlerFunc{},
		calls:    map[string]int{},
		lastBody: map[string]string{},
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Hosts = []string{srv.URL}
	cfg.Username = "admin"
	cfg.Password = "secret"
	cfg.HealthPollInterval = 5 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	return f, c
}

func (f *fakeEngine) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = h
}

func (f *fakeEngine) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[route]
}

func (f *fakeEngine) body(route string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody[route]
}

func (f *fakeEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls[route]++
	f.lastBody[route] = string(data)
	if user, pass, ok := r.BasicAuth(); ok {
		f.lastAuth = user + ":" + pass
	}
	h, ok := f.routes[route]
	f.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error":  map[string]string{"type": "index_not_found_exception", "reason": "no such index"},
			"status": 404,
		})
		return
	}
	h(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func reply(status int, v interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, status, v) }
}

var acked = map[string]bool{"acknowledged": true}

func TestCreateIndex(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("PUT /graylog_0", reply(200, acked))

	ok, err := c.CreateIndex(context.Background(), "graylog_0", map[string]interface{}{
		"number_of_shards": 4,
		"index.analysis.analyzer.analyzer_keyword": map[string]string{"tokenizer": "keyword"},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "admin:secret", f.lastAuth)

	var body struct {
		Settings map[string]string `json:"settings"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.body("PUT /graylog_0")), &body))
	assert.Equal(t, "4", body.Settings["index.number_of_shards"])
	assert.Equal(t, "keyword", body.Settings["index.analysis.analyzer.analyzer_keyword.tokenizer"])
}

func TestCreateIndex_AlreadyExists(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("PUT /graylog_0", reply(400, map[string]interface{}{
		"error": map[string]string{"type": "index_already_exists_exception", "reason": "already exists"},
	}))

	_, err := c.CreateIndex(context.Background(), "graylog_0", nil)
	assert.ErrorIs(t, err, engine.ErrIndexExists)
}

func TestNotFoundMapsToIndexNotFound(t *testing.T) {
	_, c := newFakeEngine(t)

	err := c.DeleteIndex(context.Background(), "graylog_9")
	assert.ErrorIs(t, err, engine.ErrIndexNotFound)

	tagged := engine.Tag("delete index", "graylog_9", err)
	assert.True(t, ierrors.IsKind(tagged, ierrors.KindNotFound))
}

func TestReadsAreRetried(t *testing.T) {
	f, c := newFakeEngine(t)
	var calls atomic.Int32
	f.handle("GET /graylog_0/_settings", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, 503, map[string]string{"error": "cluster_block_exception"})
			return
		}
		assert.Equal(t, "true", r.URL.Query().Get("flat_settings"))
		writeJSON(w, 200, map[string]interface{}{
			"graylog_0": map[string]interface{}{
				"settings": map[string]string{"index.blocks.write": "true", "index.creation_date": "1420070400000"},
			},
		})
	})

	settings, err := c.GetSettings(context.Background(), "graylog_0")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, settings["graylog_0"].Bool("blocks.write", false))
	assert.Equal(t, int64(1420070400000), settings["graylog_0"].Int64("creation_date", 0))
}

func TestReadsGiveUp(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("GET /_cluster/health/graylog_0", reply(503, map[string]string{"error": "unavailable"}))

	_, err := c.Health(context.Background(), "graylog_0", types.HealthGreen)
	require.ErrorIs(t, err, engine.ErrUnavailable)
	assert.Equal(t, 4, f.count("GET /_cluster/health/graylog_0"))
	assert.True(t, ierrors.IsRetryable(engine.Tag("health", "graylog_0", err)))
}

func TestWritesAreNotRetried(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("POST /graylog_0/_open", reply(503, map[string]string{"error": "unavailable"}))

	err := c.OpenIndex(context.Background(), "graylog_0")
	assert.ErrorIs(t, err, engine.ErrUnavailable)
	assert.Equal(t, 1, f.count("POST /graylog_0/_open"))
}

func TestOpenScrollIsNotRetried(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("POST /graylog_0/_search", reply(503, map[string]string{"error": "unavailable"}))

	_, err := c.OpenScroll(context.Background(), "graylog_0", 2, time.Minute)
	assert.ErrorIs(t, err, engine.ErrUnavailable)
	assert.Equal(t, 1, f.count("POST /graylog_0/_search"))
}

func TestIndexAndAliasExistence(t *testing.T) {
	f, c := newFakeEngine(t)
	ctx := context.Background()
	f.handle("HEAD /graylog_0", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })
	f.handle("HEAD /_alias/graylog_deflector", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(200) })

	ok, err := c.IndexExists(ctx, "graylog_0")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IndexExists(ctx, "graylog_1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.AliasExists(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.AliasExists(ctx, "other_deflector")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAliases(t *testing.T) {
	f, c := newFakeEngine(t)
	ctx := context.Background()
	f.handle("GET /_alias/graylog_deflector", reply(200, map[string]interface{}{
		"graylog_3": map[string]interface{}{"aliases": map[string]interface{}{"graylog_deflector": map[string]interface{}{}}},
	}))
	f.handle("POST /_aliases", reply(200, acked))

	aliases, err := c.GetAliases(ctx, "graylog_deflector")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"graylog_3": {"graylog_deflector"}}, aliases)

	aliases, err = c.GetAliases(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, aliases)

	ok, err := c.UpdateAliases(ctx, []engine.AliasAction{
		{Type: engine.AliasRemove, Index: "graylog_3", Alias: "graylog_deflector"},
		{Type: engine.AliasAdd, Index: "graylog_4", Alias: "graylog_deflector"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	var body struct {
		Actions []map[string]map[string]string `json:"actions"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.body("POST /_aliases")), &body))
	require.Len(t, body.Actions, 2)
	assert.Equal(t, "graylog_3", body.Actions[0]["remove"]["index"])
	assert.Equal(t, "graylog_4", body.Actions[1]["add"]["index"])
}

func TestMappings(t *testing.T) {
	f, c := newFakeEngine(t)
	ctx := context.Background()
	f.handle("PUT /graylog_0/_mapping/message", reply(200, acked))
	f.handle("GET /graylog_0/_mapping/message", reply(200, map[string]interface{}{
		"graylog_0": map[string]interface{}{"mappings": map[string]interface{}{
			"message": map[string]interface{}{"properties": map[string]interface{}{"source": map[string]string{"type": "string"}}},
		}},
	}))

	ok, err := c.PutMapping(ctx, "graylog_0", "message", map[string]interface{}{"properties": map[string]interface{}{}})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, f.body("PUT /graylog_0/_mapping/message"), `{"message":{"properties":{}}}`)

	m, err := c.GetMapping(ctx, "graylog_0", "message")
	require.NoError(t, err)
	assert.Contains(t, m["properties"], "source")
}

func TestClusterState(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("GET /_cluster/state/metadata/graylog_*", reply(200, map[string]interface{}{
		"metadata": map[string]interface{}{"indices": map[string]interface{}{
			"graylog_0": map[string]interface{}{
				"state":    "close",
				"settings": map[string]string{"index.tidemark_reopened": "true"},
				"aliases":  []string{},
			},
			"graylog_1": map[string]interface{}{
				"state":   "open",
				"aliases": []string{"graylog_deflector"},
			},
		}},
	}))

	state, err := c.ClusterState(context.Background(), "graylog_*")
	require.NoError(t, err)
	require.Len(t, state.Indices, 2)
	assert.Equal(t, types.IndexClosed, state.Indices["graylog_0"].State)
	assert.True(t, state.Indices["graylog_0"].Settings.Bool("tidemark_reopened", false))
	assert.Equal(t, types.IndexOpen, state.Indices["graylog_1"].State)
	assert.Equal(t, []string{"graylog_deflector"}, state.Indices["graylog_1"].Aliases)
}

func TestHealthPollsUntilStatus(t *testing.T) {
	f, c := newFakeEngine(t)
	var calls atomic.Int32
	f.handle("GET /_cluster/health/graylog_0", func(w http.ResponseWriter, _ *http.Request) {
		status := "yellow"
		if calls.Add(1) >= 3 {
			status = "green"
		}
		writeJSON(w, 200, map[string]string{"status": status})
	})

	status, err := c.Health(context.Background(), "graylog_0", types.HealthGreen)
	require.NoError(t, err)
	assert.Equal(t, types.HealthGreen, status)
	assert.Equal(t, int32(3), calls.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.handle("GET /_cluster/health/graylog_1", reply(200, map[string]string{"status": "red"}))
	status, err = c.Health(ctx, "graylog_1", types.HealthGreen)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, types.HealthRed, status)
}

func TestStats(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("GET /_stats/docs,store", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "shards", r.URL.Query().Get("level"))
		writeJSON(w, 200, map[string]interface{}{"indices": map[string]interface{}{
			"graylog_0": map[string]interface{}{
				"primaries": map[string]interface{}{
					"docs":  map[string]int{"count": 10, "deleted": 1},
					"store": map[string]int{"size_in_bytes": 2048},
				},
				"total": map[string]interface{}{
					"docs":  map[string]int{"count": 20, "deleted": 2},
					"store": map[string]int{"size_in_bytes": 4096},
				},
				"shards": map[string]interface{}{
					"0": []interface{}{
						map[string]interface{}{"routing": map[string]interface{}{"state": "STARTED", "primary": false, "node": "n2"}},
						map[string]interface{}{"routing": map[string]interface{}{"state": "STARTED", "primary": true, "node": "n1"}},
					},
				},
			},
		}})
	})

	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	s := stats["graylog_0"]
	require.NotNil(t, s)
	assert.Equal(t, int64(10), s.Primaries.Docs.Count)
	assert.Equal(t, int64(4096), s.Total.Store.SizeBytes)
	require.Len(t, s.Shards, 2)
	assert.True(t, s.Shards[0].Primary)
	assert.Equal(t, "n1", s.Shards[0].NodeID)
}

func TestBulk(t *testing.T) {
	f, c := newFakeEngine(t)
	var lines []string
	f.handle("POST /_bulk", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
		assert.Equal(t, "one", r.URL.Query().Get("consistency"))
		writeJSON(w, 200, map[string]interface{}{
			"took":   7,
			"errors": true,
			"items": []interface{}{
				map[string]interface{}{"index": map[string]interface{}{"_index": "graylog_1", "_id": "a", "status": 201}},
				map[string]interface{}{"index": map[string]interface{}{"_index": "graylog_1", "_id": "b", "status": 400,
					"error": map[string]string{"type": "mapper_parsing_exception", "reason": "failed to parse"}}},
			},
		})
	})

	req := &engine.BulkRequest{Consistency: engine.ConsistencyOne}
	req.Add(engine.BulkItem{Index: "graylog_1", Type: "message", ID: "a", Source: map[string]interface{}{"message": "x"}})
	req.Add(engine.BulkItem{Index: "graylog_1", Type: "message", ID: "b", Source: map[string]interface{}{"message": "y"}})
	resp, err := c.Bulk(context.Background(), req)
	require.NoError(t, err)

	sc := bufio.NewScanner(strings.NewReader(f.body("POST /_bulk")))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 4)
	assert.JSONEq(t, `{"index":{"_index":"graylog_1","_type":"message","_id":"a"}}`, lines[0])
	assert.JSONEq(t, `{"message":"x"}`, lines[1])

	assert.Equal(t, 7*time.Millisecond, resp.Took)
	assert.True(t, resp.HasFailures())
	failures := resp.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].ID)
	assert.Equal(t, "mapper_parsing_exception: failed to parse", failures[0].Error)
}

func TestScroll(t *testing.T) {
	f, c := newFakeEngine(t)
	ctx := context.Background()
	f.handle("POST /graylog_0/_search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "60s", r.URL.Query().Get("scroll"))
		assert.Equal(t, "2", r.URL.Query().Get("size"))
		writeJSON(w, 200, map[string]interface{}{
			"_scroll_id": "c1",
			"hits": map[string]interface{}{
				"total": 3,
				"hits": []interface{}{
					map[string]interface{}{"_index": "graylog_0", "_type": "message", "_id": "1", "_source": map[string]string{"message": "a"}},
					map[string]interface{}{"_index": "graylog_0", "_type": "message", "_id": "2", "_source": map[string]string{"message": "b"}},
				},
			},
		})
	})
	f.handle("POST /_search/scroll", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, 404, map[string]interface{}{
			"error": map[string]string{"type": "search_context_missing_exception", "reason": "No search context found"},
		})
	})
	f.handle("DELETE /_search/scroll", reply(200, map[string]bool{"succeeded": true}))

	page, err := c.OpenScroll(ctx, "graylog_0", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "c1", page.ScrollID)
	require.Len(t, page.Hits, 2)
	assert.Equal(t, "message", page.Hits[0].Type)
	assert.Equal(t, "b", page.Hits[1].Source["message"])

	_, err = c.Scroll(ctx, "c1", time.Minute)
	assert.ErrorIs(t, err, engine.ErrScrollExpired)
	assert.Equal(t, ierrors.CodeScrollExpired, ierrors.GetCode(engine.Tag("scroll", "graylog_0", err)))

	require.NoError(t, c.ClearScroll(ctx, "c1"))
	assert.JSONEq(t, `{"scroll_id":["c1"]}`, f.body("DELETE /_search/scroll"))
}

func TestTimestampRange(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("POST /graylog_0/_search", reply(200, map[string]interface{}{
		"hits": map[string]interface{}{"total": map[string]int{"value": 5}, "hits": []interface{}{}},
		"aggregations": map[string]interface{}{
			"ts_min": map[string]interface{}{"value": 1420070400000},
			"ts_max": map[string]interface{}{"value": 1420156800000},
		},
	}))
	f.handle("POST /graylog_1/_search", reply(200, map[string]interface{}{
		"hits": map[string]interface{}{"total": 0, "hits": []interface{}{}},
		"aggregations": map[string]interface{}{
			"ts_min": map[string]interface{}{"value": nil},
			"ts_max": map[string]interface{}{"value": nil},
		},
	}))

	tr, err := c.TimestampRange(context.Background(), "graylog_0", "timestamp")
	require.NoError(t, err)
	assert.Equal(t, int64(5), tr.Count)
	assert.True(t, tr.Min.Equal(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, tr.Max.Equal(time.Date(2015, 1, 2, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, f.body("POST /graylog_0/_search"), `"field":"timestamp"`)

	tr, err = c.TimestampRange(context.Background(), "graylog_1", "timestamp")
	require.NoError(t, err)
	assert.Zero(t, tr.Count)
}

func TestOptimizeAndFlush(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("POST /graylog_0/_forcemerge", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("max_num_segments"))
		writeJSON(w, 200, map[string]interface{}{})
	})
	f.handle("POST /graylog_0/_flush", reply(200, map[string]interface{}{}))

	require.NoError(t, c.Optimize(context.Background(), "graylog_0", 1))
	require.NoError(t, c.Flush(context.Background(), "graylog_0"))
}

func TestFailsOverToNextHost(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "green"})
	}))
	defer live.Close()

	cfg := DefaultConfig()
	cfg.Hosts = []string{deadURL, live.URL}
	c, err := New(cfg)
	require.NoError(t, err)

	status, err := c.Health(context.Background(), "", types.HealthGreen)
	require.NoError(t, err)
	assert.Equal(t, types.HealthGreen, status)
}

func TestNew_InvalidHosts(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Hosts: []string{"localhost:9200"}})
	assert.Error(t, err)
}

func TestContextCancellation(t *testing.T) {
	f, c := newFakeEngine(t)
	f.handle("GET /_cluster/health", reply(200, map[string]string{"status": "green"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Health(ctx, "", types.HealthGreen)
	assert.True(t, errors.Is(err, context.Canceled))
}
