package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

// CreateIndex creates an index with the given settings.
func (c *Client) CreateIndex(ctx context.Context, index string, settings map[string]interface{}) (bool, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		path:   indexPath(index),
		body:   map[string]interface{}{"settings": engine.FlattenSettings(settings)},
	})
	if err != nil {
		return false, err
	}
	return c.acknowledged(resp)
}

// DeleteIndex deletes an index.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, request{method: http.MethodDelete, path: indexPath(index)})
	return err
}

// OpenIndex opens a closed index.
func (c *Client) OpenIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, request{method: http.MethodPost, path: indexPath(index) + "/_open"})
	return err
}

// CloseIndex closes an index.
func (c *Client) CloseIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, request{method: http.MethodPost, path: indexPath(index) + "/_close"})
	return err
}

// IndexExists reports whether an index or alias with the name exists.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	resp, err := c.read(ctx, request{method: http.MethodHead, path: indexPath(index)}, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	return resp.status == http.StatusOK, nil
}

// GetSettings returns the flat settings of each index matching the name.
func (c *Client) GetSettings(ctx context.Context, index string) (map[string]engine.Settings, error) {
	resp, err := c.read(ctx, request{
		method: http.MethodGet,
		path:   indexPath(index) + "/_settings",
		query:  url.Values{"flat_settings": {"true"}},
	})
	if err != nil {
		return nil, err
	}
	var body map[string]struct {
		Settings map[string]interface{} `json:"settings"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, err
	}
	out := make(map[string]engine.Settings, len(body))
	for name, s := range body {
		out[name] = engine.FlattenSettings(s.Settings)
	}
	return out, nil
}

// UpdateSettings merges the given settings into the index settings.
func (c *Client) UpdateSettings(ctx context.Context, index string, settings map[string]interface{}) error {
	_, err := c.do(ctx, request{
		method: http.MethodPut,
		path:   indexPath(index) + "/_settings",
		body:   engine.FlattenSettings(settings),
	})
	return err
}

// PutMapping installs a mapping for a document type.
func (c *Client) PutMapping(ctx context.Context, index, docType string, mapping map[string]interface{}) (bool, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodPut,
		path:   indexPath(index) + "/_mapping/" + url.PathEscape(docType),
		body:   map[string]interface{}{docType: mapping},
	})
	if err != nil {
		return false, err
	}
	return c.acknowledged(resp)
}

// GetMapping returns the mapping of a document type, or nil if the index has
// none for that type.
func (c *Client) GetMapping(ctx context.Context, index, docType string) (map[string]interface{}, error) {
	resp, err := c.read(ctx, request{
		method: http.MethodGet,
		path:   indexPath(index) + "/_mapping/" + url.PathEscape(docType),
	})
	if err != nil {
		return nil, err
	}
	var body map[string]struct {
		Mappings map[string]map[string]interface{} `json:"mappings"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, err
	}
	if m, ok := body[index]; ok {
		return m.Mappings[docType], nil
	}
	return nil, nil
}

// GetAliases returns, for every index carrying the alias, the alias names
// the engine reports. An empty alias lists all aliased indices.
func (c *Client) GetAliases(ctx context.Context, alias string) (map[string][]string, error) {
	path := "/_aliases"
	if alias != "" {
		path = "/_alias/" + url.PathEscape(alias)
	}
	resp, err := c.read(ctx, request{method: http.MethodGet, path: path}, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	if resp.status == http.StatusNotFound {
		return out, nil
	}
	var body map[string]struct {
		Aliases map[string]interface{} `json:"aliases"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, err
	}
	for index, entry := range body {
		if len(entry.Aliases) == 0 {
			continue
		}
		names := make([]string, 0, len(entry.Aliases))
		for name := range entry.Aliases {
			names = append(names, name)
		}
		sort.Strings(names)
		out[index] = names
	}
	return out, nil
}

// AliasExists reports whether any index carries the alias.
func (c *Client) AliasExists(ctx context.Context, alias string) (bool, error) {
	resp, err := c.read(ctx, request{method: http.MethodHead, path: "/_alias/" + url.PathEscape(alias)}, http.StatusNotFound)
	if err != nil {
		return false, err
	}
	return resp.status == http.StatusOK, nil
}

// UpdateAliases applies all actions in one request.
func (c *Client) UpdateAliases(ctx context.Context, actions []engine.AliasAction) (bool, error) {
	list := make([]map[string]interface{}, 0, len(actions))
	for _, a := range actions {
		list = append(list, map[string]interface{}{
			string(a.Type): map[string]string{"index": a.Index, "alias": a.Alias},
		})
	}
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/_aliases",
		body:   map[string]interface{}{"actions": list},
	})
	if err != nil {
		return false, err
	}
	return c.acknowledged(resp)
}

type metadataIndex struct {
	State    string                            `json:"state"`
	Settings map[string]interface{}            `json:"settings"`
	Mappings map[string]map[string]interface{} `json:"mappings"`
	Aliases  []string                          `json:"aliases"`
}

// ClusterState returns the metadata of every index matching the pattern,
// closed ones included.
func (c *Client) ClusterState(ctx context.Context, pattern string) (*engine.ClusterState, error) {
	path := "/_cluster/state/metadata"
	if pattern != "" {
		path += indexPath(pattern)
	}
	resp, err := c.read(ctx, request{
		method: http.MethodGet,
		path:   path,
		query:  url.Values{"flat_settings": {"true"}, "expand_wildcards": {"all"}},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Metadata struct {
			Indices map[string]metadataIndex `json:"indices"`
		} `json:"metadata"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, err
	}

	state := &engine.ClusterState{Indices: make(map[string]*engine.IndexMetadata, len(body.Metadata.Indices))}
	for name, ix := range body.Metadata.Indices {
		st := types.IndexOpen
		if ix.State == string(types.IndexClosed) {
			st = types.IndexClosed
		}
		aliases := append([]string(nil), ix.Aliases...)
		sort.Strings(aliases)
		state.Indices[name] = &engine.IndexMetadata{
			Name:     name,
			State:    st,
			Settings: engine.FlattenSettings(ix.Settings),
			Mappings: ix.Mappings,
			Aliases:  aliases,
		}
	}
	return state, nil
}

func (c *Client) health(ctx context.Context, index string) (types.HealthStatus, error) {
	path := "/_cluster/health"
	if index != "" {
		path += indexPath(index)
	}
	resp, err := c.read(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return types.HealthRed, err
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := resp.decode(&body); err != nil {
		return types.HealthRed, err
	}
	return types.ParseHealthStatus(body.Status)
}

// Health polls the health of an index (or of the cluster when index is
// empty) until it reaches waitFor or ctx is done.
func (c *Client) Health(ctx context.Context, index string, waitFor types.HealthStatus) (types.HealthStatus, error) {
	ticker := time.NewTicker(c.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.health(ctx, index)
		if err != nil {
			return status, err
		}
		if status.AtLeast(waitFor) {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-ticker.C:
		}
	}
}

type shardStats struct {
	Routing struct {
		State   string `json:"state"`
		Primary bool   `json:"primary"`
		Node    string `json:"node"`
	} `json:"routing"`
}

type indexStatsBody struct {
	Primaries types.StatsSummary      `json:"primaries"`
	Total     types.StatsSummary      `json:"total"`
	Shards    map[string][]shardStats `json:"shards"`
}

// Stats returns docs and store statistics with shard routing for every open
// index.
func (c *Client) Stats(ctx context.Context) (map[string]*engine.IndexStats, error) {
	resp, err := c.read(ctx, request{
		method: http.MethodGet,
		path:   "/_stats/docs,store",
		query:  url.Values{"level": {"shards"}},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Indices map[string]indexStatsBody `json:"indices"`
	}
	if err := resp.decode(&body); err != nil {
		return nil, err
	}

	out := make(map[string]*engine.IndexStats, len(body.Indices))
	for name, ix := range body.Indices {
		var routing []types.ShardRouting
		for id, copies := range ix.Shards {
			shard, err := strconv.Atoi(id)
			if err != nil {
				return nil, fmt.Errorf("decode engine response: shard id %q", id)
			}
			for _, cp := range copies {
				routing = append(routing, types.ShardRouting{
					ShardID: shard,
					Index:   name,
					Primary: cp.Routing.Primary,
					State:   cp.Routing.State,
					NodeID:  cp.Routing.Node,
				})
			}
		}
		sort.SliceStable(routing, func(i, j int) bool {
			if routing[i].ShardID != routing[j].ShardID {
				return routing[i].ShardID < routing[j].ShardID
			}
			return routing[i].Primary && !routing[j].Primary
		})
		out[name] = &engine.IndexStats{Primaries: ix.Primaries, Total: ix.Total, Shards: routing}
	}
	return out, nil
}

// Optimize merges the segments of an index down to maxSegments.
func (c *Client) Optimize(ctx context.Context, index string, maxSegments int) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   indexPath(index) + "/_forcemerge",
		query:  url.Values{"max_num_segments": {strconv.Itoa(maxSegments)}},
	})
	return err
}

// Flush forces a flush of an index.
func (c *Client) Flush(ctx context.Context, index string) error {
	_, err := c.do(ctx, request{method: http.MethodPost, path: indexPath(index) + "/_flush"})
	return err
}
