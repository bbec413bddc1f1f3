package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidemark/tidemark/internal/engine"
)

// Bulk executes the items as one NDJSON bulk request. Per-item rejections
// are reported in the response; only transport failures fail the call.
func (c *Client) Bulk(ctx context.Context, req *engine.BulkRequest) (*engine.BulkResponse, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range req.Items {
		meta := map[string]string{"_index": item.Index, "_id": item.ID}
		if item.Type != "" {
			meta["_type"] = item.Type
		}
		if err := enc.Encode(map[string]interface{}{"index": meta}); err != nil {
			return nil, fmt.Errorf("encode bulk item %s: %w", item.ID, err)
		}
		if err := enc.Encode(item.Source); err != nil {
			return nil, fmt.Errorf("encode bulk item %s: %w", item.ID, err)
		}
	}

	var query url.Values
	if req.Consistency != engine.ConsistencyDefault {
		query = url.Values{"consistency": {string(req.Consistency)}}
	}
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/_bulk",
		query:  query,
		raw:    buf.Bytes(),
		ndjson: true,
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Took  int64 `json:"took"`
		Items []map[string]struct {
			Index  string          `json:"_index"`
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, err
	}

	out := &engine.BulkResponse{
		Items: make([]engine.BulkItemResult, 0, len(body.Items)),
		Took:  time.Duration(body.Took) * time.Millisecond,
	}
	for _, entry := range body.Items {
		for _, r := range entry {
			out.Items = append(out.Items, engine.BulkItemResult{
				Index:  r.Index,
				ID:     r.ID,
				Status: r.Status,
				Error:  reason(r.Error),
			})
		}
	}
	return out, nil
}

type searchBody struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total json.RawMessage `json:"total"`
		Hits  []struct {
			Index  string                 `json:"_index"`
			Type   string                 `json:"_type"`
			ID     string                 `json:"_id"`
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]struct {
		Value *float64 `json:"value"`
	} `json:"aggregations"`
}

func (b *searchBody) page() *engine.ScrollPage {
	page := &engine.ScrollPage{ScrollID: b.ScrollID, Hits: make([]engine.Hit, 0, len(b.Hits.Hits))}
	for _, h := range b.Hits.Hits {
		page.Hits = append(page.Hits, engine.Hit{Index: h.Index, Type: h.Type, ID: h.ID, Source: h.Source})
	}
	return page
}

// total reads hits.total, which is a number in old versions and an object
// with a value in newer ones.
func (b *searchBody) total() int64 {
	var n int64
	if err := json.Unmarshal(b.Hits.Total, &n); err == nil {
		return n
	}
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(b.Hits.Total, &obj); err == nil {
		return obj.Value
	}
	return 0
}

func keepAliveParam(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

// OpenScroll starts a cursor over all documents of an index in index order.
// It is not retried: each attempt would leave a cursor open on the server.
func (c *Client) OpenScroll(ctx context.Context, index string, size int, keepAlive time.Duration) (*engine.ScrollPage, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   indexPath(index) + "/_search",
		query: url.Values{
			"scroll": {keepAliveParam(keepAlive)},
			"size":   {fmt.Sprint(size)},
		},
		body: map[string]interface{}{
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
			"sort":  []string{"_doc"},
		},
	})
	if err != nil {
		return nil, err
	}
	var body searchBody
	if err := resp.decode(&body); err != nil {
		return nil, err
	}
	return body.page(), nil
}

// Scroll fetches the next page of a cursor.
func (c *Client) Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*engine.ScrollPage, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/_search/scroll",
		body:   map[string]string{"scroll": keepAliveParam(keepAlive), "scroll_id": scrollID},
	})
	if err != nil {
		return nil, err
	}
	var body searchBody
	if err := resp.decode(&body); err != nil {
		return nil, err
	}
	return body.page(), nil
}

// ClearScroll releases a cursor. An already expired cursor is not an error.
func (c *Client) ClearScroll(ctx context.Context, scrollID string) error {
	_, err := c.do(ctx, request{
		method: http.MethodDelete,
		path:   "/_search/scroll",
		body:   map[string][]string{"scroll_id": {scrollID}},
	}, http.StatusNotFound)
	return err
}

// TimestampRange asks the engine for the min and max of a date field.
func (c *Client) TimestampRange(ctx context.Context, index, field string) (*engine.TimestampRange, error) {
	resp, err := c.read(ctx, request{
		method: http.MethodPost,
		path:   indexPath(index) + "/_search",
		query:  url.Values{"size": {"0"}},
		body: map[string]interface{}{
			"query": map[string]interface{}{"match_all": map[string]interface{}{}},
			"aggs": map[string]interface{}{
				"ts_min": map[string]interface{}{"min": map[string]string{"field": field}},
				"ts_max": map[string]interface{}{"max": map[string]string{"field": field}},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	var body searchBody
	if err := resp.decode(&body); err != nil {
		return nil, err
	}

	tr := &engine.TimestampRange{Count: body.total()}
	lo, hi := body.Aggregations["ts_min"].Value, body.Aggregations["ts_max"].Value
	if lo == nil || hi == nil {
		tr.Count = 0
		return tr, nil
	}
	tr.Min = time.UnixMilli(int64(*lo)).UTC()
	tr.Max = time.UnixMilli(int64(*hi)).UTC()
	return tr, nil
}
