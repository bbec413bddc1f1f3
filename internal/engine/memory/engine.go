// Package memory implements engine.Client entirely in process. It keeps
// documents in ordered B-trees, routes them to shards with murmur3 and models
// the administrative surface (settings, mappings, aliases, blocks, health,
// scroll sessions) closely enough for the lifecycle layer to run against it
// unchanged.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

const (
	defaultShards   = 5
	defaultReplicas = 1
	healthPoll      = 25 * time.Millisecond
)

type document struct {
	docType string
	source  map[string]interface{}
	shard   int
	size    int64
}

type index struct {
	name     string
	state    types.IndexState
	settings engine.Settings
	mappings map[string]map[string]interface{}
	aliases  map[string]struct{}
	docs     *btree.Map[string, *document]
	deleted  int64
	segments int
	flushes  int
}

func (ix *index) shards() int {
	n := int(ix.settings.Int64("number_of_shards", defaultShards))
	if n < 1 {
		return 1
	}
	return n
}

func (ix *index) replicas() int {
	return int(ix.settings.Int64("number_of_replicas", defaultReplicas))
}

// Option configures an Engine.
type Option func(*Engine)

// WithNodeID sets the node id reported in shard routing.
func WithNodeID(id string) Option {
	return func(e *Engine) { e.nodeID = id }
}

// WithClock replaces the wall clock used for creation dates and scroll expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is an in-process index engine. It is safe for concurrent use.
type Engine struct {
	mu      sync.RWMutex
	indices map[string]*index
	scrolls map[string]*scroll
	nodeID  string
	now     func() time.Time

	faults
}

var _ engine.Client = (*Engine)(nil)

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		indices: make(map[string]*index),
		scrolls: make(map[string]*scroll),
		nodeID:  "memory-node-1",
		now:     time.Now,
	}
	e.faults.init()
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateIndex creates an index. Missing shard and replica counts default to 5
// and 1.
func (e *Engine) CreateIndex(ctx context.Context, name string, settings map[string]interface{}) (bool, error) {
	if err := e.check(ctx, OpCreateIndex, name); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.indices[name]; ok {
		return false, fmt.Errorf("%w: %s", engine.ErrIndexExists, name)
	}
	if e.aliasBoundLocked(name) {
		return false, fmt.Errorf("%w: %s is an alias", engine.ErrIndexExists, name)
	}

	flat := engine.FlattenSettings(settings)
	if _, ok := flat.Get("number_of_shards"); !ok {
		flat[engine.NormalizeKey("number_of_shards")] = strconv.Itoa(defaultShards)
	}
	if _, ok := flat.Get("number_of_replicas"); !ok {
		flat[engine.NormalizeKey("number_of_replicas")] = strconv.Itoa(defaultReplicas)
	}
	flat[engine.NormalizeKey("creation_date")] = strconv.FormatInt(e.now().UnixMilli(), 10)
	flat[engine.NormalizeKey("uuid")] = uuid.NewString()

	e.indices[name] = newIndex(name, flat)
	return e.ack(OpCreateIndex), nil
}

func newIndex(name string, settings engine.Settings) *index {
	return &index{
		name:     name,
		state:    types.IndexOpen,
		settings: settings,
		mappings: make(map[string]map[string]interface{}),
		aliases:  make(map[string]struct{}),
		docs:     btree.NewMap[string, *document](0),
		segments: 1,
	}
}

// DeleteIndex deletes an index.
func (e *Engine) DeleteIndex(ctx context.Context, name string) error {
	if err := e.check(ctx, OpDeleteIndex, name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.indices[name]; !ok {
		return fmt.Errorf("%w: %s", engine.ErrIndexNotFound, name)
	}
	delete(e.indices, name)
	return nil
}

// OpenIndex opens an index. Opening an open index is a no-op.
func (e *Engine) OpenIndex(ctx context.Context, name string) error {
	return e.setState(ctx, OpOpenIndex, name, types.IndexOpen)
}

// CloseIndex closes an index. Closing a closed index is a no-op.
func (e *Engine) CloseIndex(ctx context.Context, name string) error {
	return e.setState(ctx, OpCloseIndex, name, types.IndexClosed)
}

func (e *Engine) setState(ctx context.Context, op, name string, state types.IndexState) error {
	if err := e.check(ctx, op, name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ix, ok := e.indices[name]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrIndexNotFound, name)
	}
	ix.state = state
	return nil
}

// IndexExists reports whether an index or alias with the name exists.
func (e *Engine) IndexExists(ctx context.Context, name string) (bool, error) {
	if err := e.check(ctx, OpIndexExists, name); err != nil {
		return false, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.indices[name]; ok {
		return true, nil
	}
	return e.aliasBoundLocked(name), nil
}

// GetSettings returns the settings of every index the name resolves to.
func (e *Engine) GetSettings(ctx context.Context, name string) (map[string]engine.Settings, error) {
	if err := e.check(ctx, OpGetSettings, name); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	resolved, err := e.resolveLocked(name, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]engine.Settings, len(resolved))
	for _, ix := range resolved {
		out[ix.name] = copySettings(ix.settings)
	}
	return out, nil
}

// UpdateSettings merges settings into every index the name resolves to.
func (e *Engine) UpdateSettings(ctx context.Context, name string, settings map[string]interface{}) error {
	if err := e.check(ctx, OpUpdateSettings, name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolved, err := e.resolveLocked(name, true)
	if err != nil {
		return err
	}
	flat := engine.FlattenSettings(settings)
	for _, ix := range resolved {
		for k, v := range flat {
			ix.settings[k] = v
		}
	}
	return nil
}

// PutMapping installs or replaces the mapping of a document type.
func (e *Engine) PutMapping(ctx context.Context, name, docType string, mapping map[string]interface{}) (bool, error) {
	if err := e.check(ctx, OpPutMapping, name); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resolved, err := e.resolveLocked(name, true)
	if err != nil {
		return false, err
	}
	for _, ix := range resolved {
		ix.mappings[docType] = deepCopy(mapping)
	}
	return e.ack(OpPutMapping), nil
}

// GetMapping returns a copy of the mapping of a document type.
func (e *Engine) GetMapping(ctx context.Context, name, docType string) (map[string]interface{}, error) {
	if err := e.check(ctx, OpGetMapping, name); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	ix, ok := e.indices[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrIndexNotFound, name)
	}
	m, ok := ix.mappings[docType]
	if !ok {
		return nil, nil
	}
	return deepCopy(m), nil
}

// GetAliases returns, for every index carrying the alias, its alias names.
// An empty alias lists every index that has at least one alias.
func (e *Engine) GetAliases(ctx context.Context, alias string) (map[string][]string, error) {
	if err := e.check(ctx, OpGetAliases, alias); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string][]string)
	for name, ix := range e.indices {
		if len(ix.aliases) == 0 {
			continue
		}
		if alias != "" {
			if _, ok := ix.aliases[alias]; !ok {
				continue
			}
		}
		out[name] = sortedKeys(ix.aliases)
	}
	return out, nil
}

// AliasExists reports whether any index carries the alias.
func (e *Engine) AliasExists(ctx context.Context, alias string) (bool, error) {
	if err := e.check(ctx, OpGetAliases, alias); err != nil {
		return false, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.aliasBoundLocked(alias), nil
}

// UpdateAliases validates every action and then applies all of them under a
// single lock, so readers never observe a partially applied list.
func (e *Engine) UpdateAliases(ctx context.Context, actions []engine.AliasAction) (bool, error) {
	if err := e.check(ctx, OpUpdateAliases, ""); err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range actions {
		ix, ok := e.indices[a.Index]
		if !ok {
			return false, fmt.Errorf("%w: %s", engine.ErrIndexNotFound, a.Index)
		}
		switch a.Type {
		case engine.AliasAdd:
			if _, clash := e.indices[a.Alias]; clash {
				return false, fmt.Errorf("invalid alias name [%s]: an index exists with the same name", a.Alias)
			}
		case engine.AliasRemove:
			if _, bound := ix.aliases[a.Alias]; !bound {
				return false, fmt.Errorf("alias [%s] missing on index [%s]", a.Alias, a.Index)
			}
		default:
			return false, fmt.Errorf("unknown alias action %q", a.Type)
		}
	}

	for _, a := range actions {
		ix := e.indices[a.Index]
		if a.Type == engine.AliasAdd {
			ix.aliases[a.Alias] = struct{}{}
		} else {
			delete(ix.aliases, a.Alias)
		}
	}
	return e.ack(OpUpdateAliases), nil
}

// ClusterState returns metadata for the indices matching the pattern,
// including closed ones.
func (e *Engine) ClusterState(ctx context.Context, pattern string) (*engine.ClusterState, error) {
	if err := e.check(ctx, OpClusterState, pattern); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	state := &engine.ClusterState{Indices: make(map[string]*engine.IndexMetadata)}
	for name, ix := range e.indices {
		if !matches(pattern, name) {
			continue
		}
		mappings := make(map[string]map[string]interface{}, len(ix.mappings))
		for t, m := range ix.mappings {
			mappings[t] = deepCopy(m)
		}
		state.Indices[name] = &engine.IndexMetadata{
			Name:     name,
			State:    ix.state,
			Settings: copySettings(ix.settings),
			Mappings: mappings,
			Aliases:  sortedKeys(ix.aliases),
		}
	}
	return state, nil
}

// Health waits until the health of the index (or of the whole cluster when
// name is empty) reaches waitFor.
func (e *Engine) Health(ctx context.Context, name string, waitFor types.HealthStatus) (types.HealthStatus, error) {
	if err := e.check(ctx, OpHealth, name); err != nil {
		return types.HealthRed, err
	}

	ticker := time.NewTicker(healthPoll)
	defer ticker.Stop()

	for {
		status := e.health(name)
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

func (e *Engine) health(name string) types.HealthStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if name == "" {
		status := types.HealthGreen
		for _, ix := range e.indices {
			if s := e.indexHealthLocked(ix); s < status {
				status = s
			}
		}
		return status
	}

	resolved, err := e.resolveLocked(name, true)
	if err != nil || len(resolved) == 0 {
		return types.HealthRed
	}
	status := types.HealthGreen
	for _, ix := range resolved {
		if s := e.indexHealthLocked(ix); s < status {
			status = s
		}
	}
	return status
}

// A single node can never assign replicas.
func (e *Engine) indexHealthLocked(ix *index) types.HealthStatus {
	if s, ok := e.healthOverride(ix.name); ok {
		return s
	}
	if ix.replicas() > 0 {
		return types.HealthYellow
	}
	return types.HealthGreen
}

// Stats returns statistics for every open index.
func (e *Engine) Stats(ctx context.Context) (map[string]*engine.IndexStats, error) {
	if err := e.check(ctx, OpStats, ""); err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]*engine.IndexStats)
	for name, ix := range e.indices {
		if ix.state != types.IndexOpen {
			continue
		}
		out[name] = e.statsLocked(ix)
	}
	return out, nil
}

func (e *Engine) statsLocked(ix *index) *engine.IndexStats {
	var size int64
	ix.docs.Scan(func(_ string, d *document) bool {
		size += d.size
		return true
	})
	summary := types.StatsSummary{
		Docs:  types.DocsStats{Count: int64(ix.docs.Len()), Deleted: ix.deleted},
		Store: types.StoreStats{SizeBytes: size},
	}

	var routing []types.ShardRouting
	for shard := 0; shard < ix.shards(); shard++ {
		routing = append(routing, types.ShardRouting{
			ShardID: shard,
			Index:   ix.name,
			Primary: true,
			State:   "STARTED",
			NodeID:  e.nodeID,
		})
		for r := 0; r < ix.replicas(); r++ {
			routing = append(routing, types.ShardRouting{
				ShardID: shard,
				Index:   ix.name,
				State:   "UNASSIGNED",
			})
		}
	}

	return &engine.IndexStats{Primaries: summary, Total: summary, Shards: routing}
}

// Optimize merges an index down to maxSegments and expunges deleted documents.
func (e *Engine) Optimize(ctx context.Context, name string, maxSegments int) error {
	if err := e.check(ctx, OpOptimize, name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ix, err := e.openIndexLocked(name)
	if err != nil {
		return err
	}
	if maxSegments < 1 {
		maxSegments = 1
	}
	ix.segments = maxSegments
	ix.deleted = 0
	return nil
}

// Flush records a flush of an index.
func (e *Engine) Flush(ctx context.Context, name string) error {
	if err := e.check(ctx, OpFlush, name); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ix, err := e.openIndexLocked(name)
	if err != nil {
		return err
	}
	ix.flushes++
	return nil
}

// Segments returns the segment count of an index, or -1 if it does not exist.
func (e *Engine) Segments(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ix, ok := e.indices[name]; ok {
		return ix.segments
	}
	return -1
}

// Flushes returns how often an index was flushed.
func (e *Engine) Flushes(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ix, ok := e.indices[name]; ok {
		return ix.flushes
	}
	return 0
}

// IndexNames returns all index names in sorted order.
func (e *Engine) IndexNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.indices))
	for name := range e.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) openIndexLocked(name string) (*index, error) {
	ix, ok := e.indices[name]
	if !ok {
		resolved, err := e.resolveLocked(name, false)
		if err != nil {
			return nil, err
		}
		if len(resolved) != 1 {
			return nil, fmt.Errorf("alias [%s] points to %d indices", name, len(resolved))
		}
		ix = resolved[0]
	}
	if ix.state != types.IndexOpen {
		return nil, fmt.Errorf("%w: %s", engine.ErrIndexClosed, ix.name)
	}
	return ix, nil
}

// resolveLocked expands an index name, alias or glob pattern into indices.
func (e *Engine) resolveLocked(name string, allowPattern bool) ([]*index, error) {
	if ix, ok := e.indices[name]; ok {
		return []*index{ix}, nil
	}

	var out []*index
	for n, ix := range e.indices {
		if _, ok := ix.aliases[name]; ok {
			out = append(out, ix)
			continue
		}
		if allowPattern && isPattern(name) && matches(name, n) {
			out = append(out, ix)
		}
	}
	if len(out) == 0 && !isPattern(name) {
		return nil, fmt.Errorf("%w: %s", engine.ErrIndexNotFound, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

func (e *Engine) aliasBoundLocked(alias string) bool {
	for _, ix := range e.indices {
		if _, ok := ix.aliases[alias]; ok {
			return true
		}
	}
	return false
}

func isPattern(name string) bool {
	for _, r := range name {
		if r == '*' || r == '?' {
			return true
		}
	}
	return name == "" || name == "_all"
}

func matches(pattern, name string) bool {
	if pattern == "" || pattern == "*" || pattern == "_all" {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

func copySettings(s engine.Settings) engine.Settings {
	out := make(engine.Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopy(val)
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return val
	}
}
