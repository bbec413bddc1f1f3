package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

// DefaultDocType is the document type bulk items without a type are stored as.
const DefaultDocType = "message"

// TimestampLayout is the layout of string timestamps written by the
// ingestion pipeline.
const TimestampLayout = "2006-01-02 15:04:05.000"

type scroll struct {
	hits    []engine.Hit
	pos     int
	size    int
	expires time.Time
}

// Doc builds a bulk item for the default document type.
func Doc(index, id string, source map[string]interface{}) engine.BulkItem {
	return engine.BulkItem{Index: index, Type: DefaultDocType, ID: id, Source: source}
}

// Bulk writes every item, auto-creating missing target indices. Rejected items
// are reported per item; the request itself only fails when the engine is
// unavailable. A BulkFailureFunc runs with the engine locked and must not call
// back into it.
func (e *Engine) Bulk(ctx context.Context, req *engine.BulkRequest) (*engine.BulkResponse, error) {
	if err := e.check(ctx, OpBulk, ""); err != nil {
		return nil, err
	}

	start := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	resp := &engine.BulkResponse{Items: make([]engine.BulkItemResult, 0, len(req.Items))}
	for _, item := range req.Items {
		resp.Items = append(resp.Items, e.indexLocked(item))
	}
	resp.Took = e.now().Sub(start)
	return resp, nil
}

func (e *Engine) indexLocked(item engine.BulkItem) engine.BulkItemResult {
	result := engine.BulkItemResult{Index: item.Index, ID: item.ID, Status: http.StatusCreated}

	if reason := e.rejectReason(item); reason != "" {
		result.Status = http.StatusInternalServerError
		result.Error = reason
		return result
	}

	ix, err := e.bulkTargetLocked(item.Index)
	if err != nil {
		result.Status = http.StatusBadRequest
		result.Error = err.Error()
		return result
	}
	if ix.state != types.IndexOpen {
		result.Status = http.StatusForbidden
		result.Error = fmt.Sprintf("index_closed_exception: [%s] closed", ix.name)
		return result
	}
	if ix.settings.Bool("blocks.write", false) {
		result.Status = http.StatusForbidden
		result.Error = "cluster_block_exception: blocked by: [FORBIDDEN/8/index write (api)]"
		return result
	}

	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	docType := item.Type
	if docType == "" {
		docType = DefaultDocType
	}

	source := deepCopy(item.Source)
	if source == nil {
		source = make(map[string]interface{})
	}
	raw, err := json.Marshal(source)
	if err != nil {
		result.Status = http.StatusBadRequest
		result.Error = fmt.Sprintf("mapper_parsing_exception: %v", err)
		return result
	}

	if _, exists := ix.docs.Get(id); exists {
		ix.deleted++
		result.Status = http.StatusOK
	}
	ix.docs.Set(id, &document{
		docType: docType,
		source:  source,
		shard:   shardFor(id, ix.shards()),
		size:    int64(len(raw)),
	})
	updateMapping(ix, docType, source)

	result.Index = ix.name
	result.ID = id
	return result
}

func (e *Engine) bulkTargetLocked(name string) (*index, error) {
	if ix, ok := e.indices[name]; ok {
		return ix, nil
	}
	resolved, err := e.resolveLocked(name, false)
	if err == nil {
		if len(resolved) != 1 {
			return nil, fmt.Errorf("alias [%s] has more than one index associated with it", name)
		}
		return resolved[0], nil
	}
	if name == "" || isPattern(name) {
		return nil, fmt.Errorf("invalid_index_name_exception: [%s]", name)
	}

	settings := engine.Settings{
		engine.NormalizeKey("number_of_shards"):   strconv.Itoa(defaultShards),
		engine.NormalizeKey("number_of_replicas"): strconv.Itoa(defaultReplicas),
		engine.NormalizeKey("creation_date"):      strconv.FormatInt(e.now().UnixMilli(), 10),
		engine.NormalizeKey("uuid"):               uuid.NewString(),
	}
	ix := newIndex(name, settings)
	e.indices[name] = ix
	return ix, nil
}

func shardFor(id string, shards int) int {
	return int(murmur3.Sum32([]byte(id)) % uint32(shards))
}

func updateMapping(ix *index, docType string, source map[string]interface{}) {
	mapping, ok := ix.mappings[docType]
	if !ok {
		mapping = make(map[string]interface{})
		ix.mappings[docType] = mapping
	}
	props, ok := mapping["properties"].(map[string]interface{})
	if !ok {
		props = make(map[string]interface{})
		mapping["properties"] = props
	}
	for field, v := range source {
		if _, known := props[field]; known {
			continue
		}
		props[field] = map[string]interface{}{"type": fieldType(v)}
	}
}

func fieldType(v interface{}) string {
	switch val := v.(type) {
	case bool:
		return "boolean"
	case int, int32, int64:
		return "long"
	case float32:
		return "double"
	case float64:
		if val == math.Trunc(val) {
			return "long"
		}
		return "double"
	case time.Time:
		return "date"
	case map[string]interface{}:
		return "object"
	default:
		return "string"
	}
}

// OpenScroll snapshots every document of the indices the name resolves to and
// returns the first page.
func (e *Engine) OpenScroll(ctx context.Context, name string, size int, keepAlive time.Duration) (*engine.ScrollPage, error) {
	if err := e.check(ctx, OpScroll, name); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolved, err := e.resolveLocked(name, true)
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		size = 10
	}
	s := &scroll{size: size, expires: e.now().Add(keepAlive)}
	for _, ix := range resolved {
		if ix.state != types.IndexOpen {
			return nil, fmt.Errorf("%w: %s", engine.ErrIndexClosed, ix.name)
		}
		ix.docs.Scan(func(id string, d *document) bool {
			s.hits = append(s.hits, engine.Hit{
				Index:  ix.name,
				Type:   d.docType,
				ID:     id,
				Source: deepCopy(d.source),
			})
			return true
		})
	}

	e.reapScrollsLocked()
	id := uuid.NewString()
	e.scrolls[id] = s
	return nextPage(id, s), nil
}

// Scroll returns the next page of a cursor. An exhausted cursor keeps
// returning empty pages until it expires or is cleared.
func (e *Engine) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*engine.ScrollPage, error) {
	if err := e.check(ctx, OpScroll, ""); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.scrolls[scrollID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrScrollExpired, scrollID)
	}
	now := e.now()
	if now.After(s.expires) {
		delete(e.scrolls, scrollID)
		return nil, fmt.Errorf("%w: %s", engine.ErrScrollExpired, scrollID)
	}
	s.expires = now.Add(keepAlive)
	return nextPage(scrollID, s), nil
}

// ClearScroll releases a cursor. Unknown ids are ignored.
func (e *Engine) ClearScroll(ctx context.Context, scrollID string) error {
	if err := e.check(ctx, OpScroll, ""); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.scrolls, scrollID)
	return nil
}

// OpenScrolls returns the number of live cursors.
func (e *Engine) OpenScrolls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.scrolls)
}

func (e *Engine) reapScrollsLocked() {
	now := e.now()
	for id, s := range e.scrolls {
		if now.After(s.expires) {
			delete(e.scrolls, id)
		}
	}
}

func nextPage(id string, s *scroll) *engine.ScrollPage {
	end := s.pos + s.size
	if end > len(s.hits) {
		end = len(s.hits)
	}
	page := &engine.ScrollPage{ScrollID: id, Hits: append([]engine.Hit(nil), s.hits[s.pos:end]...)}
	s.pos = end
	return page
}

// TimestampRange scans the open indices the name resolves to for the oldest
// and newest value of field.
func (e *Engine) TimestampRange(ctx context.Context, name, field string) (*engine.TimestampRange, error) {
	if err := e.check(ctx, OpTimestamps, name); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	resolved, err := e.resolveLocked(name, true)
	if err != nil {
		return nil, err
	}

	out := &engine.TimestampRange{}
	for _, ix := range resolved {
		if ix.state != types.IndexOpen {
			return nil, fmt.Errorf("%w: %s", engine.ErrIndexClosed, ix.name)
		}
		ix.docs.Scan(func(_ string, d *document) bool {
			ts, ok := ParseTimestamp(d.source[field])
			if !ok {
				return true
			}
			if out.Count == 0 || ts.Before(out.Min) {
				out.Min = ts
			}
			if out.Count == 0 || ts.After(out.Max) {
				out.Max = ts
			}
			out.Count++
			return true
		})
	}
	return out, nil
}

// ParseTimestamp interprets a document timestamp field. Numbers are epoch
// milliseconds.
func ParseTimestamp(v interface{}) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, TimestampLayout} {
			if t, err := time.Parse(layout, val); err == nil {
				return t.UTC(), true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(val)).UTC(), true
	case int64:
		return time.UnixMilli(val).UTC(), true
	case int:
		return time.UnixMilli(int64(val)).UTC(), true
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(n).UTC(), true
	default:
		return time.Time{}, false
	}
}

// Documents returns a copy of every document of an index keyed by id.
func (e *Engine) Documents(name string) map[string]map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ix, ok := e.indices[name]
	if !ok {
		return nil
	}
	out := make(map[string]map[string]interface{}, ix.docs.Len())
	ix.docs.Scan(func(id string, d *document) bool {
		out[id] = deepCopy(d.source)
		return true
	})
	return out
}
