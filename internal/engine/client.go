// Package engine defines the boundary to the remote index engine. The engine
// owns documents, settings, mappings, aliases and cluster state; Tidemark only
// talks to it through Client.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tidemark/tidemark/pkg/types"
)

// Sentinel errors returned by Client implementations.
var (
	ErrIndexNotFound = errors.New("index not found")
	ErrIndexExists   = errors.New("index already exists")
	ErrIndexClosed   = errors.New("index is closed")
	ErrScrollExpired = errors.New("scroll context expired")
	ErrUnavailable   = errors.New("engine unavailable")
)

// Client is the set of administrative and data verbs the lifecycle layer needs.
// Every call blocks until the engine answers or ctx is done.
type Client interface {
	// CreateIndex creates an index with the given flat settings.
	CreateIndex(ctx context.Context, index string, settings map[string]interface{}) (bool, error)

	// DeleteIndex deletes an index.
	DeleteIndex(ctx context.Context, index string) error

	// OpenIndex opens a closed index.
	OpenIndex(ctx context.Context, index string) error

	// CloseIndex closes an index.
	CloseIndex(ctx context.Context, index string) error

	// IndexExists reports whether an index or an alias with the name exists.
	IndexExists(ctx context.Context, index string) (bool, error)

	// GetSettings returns the flat settings of each index matching the name.
	GetSettings(ctx context.Context, index string) (map[string]Settings, error)

	// UpdateSettings merges the given settings into the index settings.
	UpdateSettings(ctx context.Context, index string, settings map[string]interface{}) error

	// PutMapping installs a mapping for a document type.
	PutMapping(ctx context.Context, index, docType string, mapping map[string]interface{}) (bool, error)

	// GetMapping returns the mapping of a document type, or nil if the index
	// has none for that type.
	GetMapping(ctx context.Context, index, docType string) (map[string]interface{}, error)

	// GetAliases returns index name -> alias names for indices carrying the alias.
	GetAliases(ctx context.Context, alias string) (map[string][]string, error)

	// AliasExists reports whether any index carries the alias.
	AliasExists(ctx context.Context, alias string) (bool, error)

	// UpdateAliases applies all actions in one atomic request.
	UpdateAliases(ctx context.Context, actions []AliasAction) (bool, error)

	// ClusterState returns the metadata of every index matching the pattern
	// ("" or "*" for all indices).
	ClusterState(ctx context.Context, pattern string) (*ClusterState, error)

	// Health blocks until the index health reaches waitFor or ctx is done,
	// and returns the last observed status.
	Health(ctx context.Context, index string, waitFor types.HealthStatus) (types.HealthStatus, error)

	// Stats returns statistics for every index.
	Stats(ctx context.Context) (map[string]*IndexStats, error)

	// Bulk executes a batch of document writes.
	Bulk(ctx context.Context, req *BulkRequest) (*BulkResponse, error)

	// OpenScroll starts a consistent cursor over all documents of an index.
	OpenScroll(ctx context.Context, index string, size int, keepAlive time.Duration) (*ScrollPage, error)

	// Scroll fetches the next page of a cursor and extends its keep-alive.
	Scroll(ctx context.Context, scrollID string, keepAlive time.Duration) (*ScrollPage, error)

	// ClearScroll releases a cursor.
	ClearScroll(ctx context.Context, scrollID string) error

	// Optimize merges the segments of an index down to maxSegments.
	Optimize(ctx context.Context, index string, maxSegments int) error

	// Flush forces a flush of an index.
	Flush(ctx context.Context, index string) error

	// TimestampRange returns the oldest and newest document timestamp of an
	// index and the number of documents inspected.
	TimestampRange(ctx context.Context, index, field string) (*TimestampRange, error)
}

// AliasActionType is the kind of an alias action.
type AliasActionType string

const (
	AliasAdd    AliasActionType = "add"
	AliasRemove AliasActionType = "remove"
)

// AliasAction binds or unbinds an alias.
type AliasAction struct {
	Type  AliasActionType
	Index string
	Alias string
}

// IndexMetadata is the cluster-state view of one index.
type IndexMetadata struct {
	Name     string
	State    types.IndexState
	Settings Settings
	// Mappings maps document type to mapping source.
	Mappings map[string]map[string]interface{}
	Aliases  []string
}

// ClusterState is a point-in-time snapshot of index metadata.
type ClusterState struct {
	Indices map[string]*IndexMetadata
}

// IndexStats holds statistics for one index.
type IndexStats struct {
	Primaries types.StatsSummary
	Total     types.StatsSummary
	Shards    []types.ShardRouting
}

// WriteConsistency is the number of shard copies that must acknowledge a write.
type WriteConsistency string

const (
	ConsistencyDefault WriteConsistency = ""
	ConsistencyOne     WriteConsistency = "one"
	ConsistencyQuorum  WriteConsistency = "quorum"
	ConsistencyAll     WriteConsistency = "all"
)

// BulkItem is a single index (upsert) operation.
type BulkItem struct {
	Index  string
	Type   string
	ID     string
	Source map[string]interface{}
}

// BulkRequest batches document writes.
type BulkRequest struct {
	Items       []BulkItem
	Consistency WriteConsistency
}

// Add appends an item.
func (r *BulkRequest) Add(item BulkItem) {
	r.Items = append(r.Items, item)
}

// NumberOfActions returns the number of queued items.
func (r *BulkRequest) NumberOfActions() int {
	return len(r.Items)
}

// BulkItemResult is the outcome of one bulk item.
type BulkItemResult struct {
	Index  string
	ID     string
	Status int
	Error  string
}

// Failed reports whether the item was rejected.
func (r BulkItemResult) Failed() bool {
	return r.Error != ""
}

// BulkResponse is the outcome of a bulk request.
type BulkResponse struct {
	Items []BulkItemResult
	Took  time.Duration
}

// HasFailures reports whether any item failed.
func (r *BulkResponse) HasFailures() bool {
	for _, item := range r.Items {
		if item.Failed() {
			return true
		}
	}
	return false
}

// Failures returns the failed items.
func (r *BulkResponse) Failures() []BulkItemResult {
	var failed []BulkItemResult
	for _, item := range r.Items {
		if item.Failed() {
			failed = append(failed, item)
		}
	}
	return failed
}

// Hit is one document returned by a cursor.
type Hit struct {
	Index  string
	Type   string
	ID     string
	Source map[string]interface{}
}

// ScrollPage is one page of a cursor.
type ScrollPage struct {
	ScrollID string
	Hits     []Hit
}

// TimestampRange is the span of document timestamps in an index.
type TimestampRange struct {
	Min   time.Time
	Max   time.Time
	Count int64
}

// CurrentHealth returns the health of an index, or of the cluster when index
// is empty, without waiting for a status.
func CurrentHealth(ctx context.Context, c Client, index string) (types.HealthStatus, error) {
	status, err := c.Health(ctx, index, types.HealthRed)
	return status, Tag("health", index, err)
}
