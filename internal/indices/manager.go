// Package indices manages the lifecycle of the indices in the index engine:
// creation with the fixed mappings, alias cycling, read-only and reopened
// states, statistics, health polling and moving documents between indices.
//
// The Manager holds no state between calls. Concurrent lifecycle changes to
// the same index must be serialized by the caller.
package indices

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidemark/tidemark/internal/engine"
	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// ReopenedSetting marks an index that an operator reopened. Retention never
// touches such an index.
const ReopenedSetting = "tidemark_reopened"

// Config holds the settings the Manager applies to the indices it manages.
type Config struct {
	// Prefix is the name prefix of every managed index.
	Prefix string
	// Shards is the number of primary shards of a new index.
	Shards int
	// Replicas is the number of replicas of a new index.
	Replicas int
	// Analyzer is the analyzer of full text message fields.
	Analyzer string
	// OptimizeMaxSegments is the segment target of OptimizeIndex.
	OptimizeMaxSegments int
	// OptimizeTimeout bounds OptimizeIndex.
	OptimizeTimeout time.Duration
	// WaitTimeout bounds WaitForStatus.
	WaitTimeout time.Duration
	// MovePageSize is the cursor page size of Move. Zero uses MovePageSize.
	MovePageSize int
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		Prefix:              "tidemark",
		Shards:              4,
		Replicas:            0,
		Analyzer:            "standard",
		OptimizeMaxSegments: 1,
		OptimizeTimeout:     time.Hour,
		WaitTimeout:         5 * time.Minute,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// Manager is the facade over the index engine for index lifecycle operations.
type Manager struct {
	client engine.Client
	cfg    Config
	mover  *Mover
	logger *slog.Logger
	tracer trace.Tracer
}

// NewManager creates a Manager. Zero config values fall back to defaults.
func NewManager(client engine.Client, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.Analyzer == "" {
		cfg.Analyzer = def.Analyzer
	}
	if cfg.OptimizeMaxSegments <= 0 {
		cfg.OptimizeMaxSegments = def.OptimizeMaxSegments
	}
	if cfg.OptimizeTimeout <= 0 {
		cfg.OptimizeTimeout = def.OptimizeTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}

	m := &Manager{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/tidemark/tidemark/internal/indices"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "indices")
	m.mover = NewMover(client, WithPageSize(cfg.MovePageSize), WithMoverLogger(m.logger), WithMoverTracer(m.tracer))
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Prefix returns the managed index name prefix.
func (m *Manager) Prefix() string {
	return m.cfg.Prefix
}

// AllIndicesAlias returns the pattern matching every managed index.
func (m *Manager) AllIndicesAlias() string {
	return m.cfg.Prefix + "_*"
}

// begin starts a span and returns a completion func that records the span
// status and the operation metrics.
func (m *Manager) begin(ctx context.Context, op, index string) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "Manager."+op)
	if index != "" {
		span.SetAttributes(attribute.String("index.name", index))
	}
	return ctx, func(errp *error) {
		result := "ok"
		if errp != nil && *errp != nil {
			result = "error"
			span.RecordError(*errp)
			span.SetStatus(codes.Error, string(ierrors.GetKind(*errp)))
		}
		OperationsTotal.WithLabelValues(op, result).Inc()
		OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// Create creates an index with the configured shard and replica counts and
// installs the message and index range mappings. It returns true only if all
// three requests were acknowledged. A partially created index is left in
// place; the caller decides whether to delete it.
func (m *Manager) Create(ctx context.Context, name string) (ok bool, err error) {
	ctx, done := m.begin(ctx, "create", name)
	defer done(&err)

	acked, err := m.client.CreateIndex(ctx, name, indexSettings(m.cfg.Shards, m.cfg.Replicas))
	if err != nil {
		return false, engine.Tag("create index", name, err)
	}
	if !acked {
		m.logger.Warn("index creation not acknowledged", "index", name)
		return false, nil
	}

	msgAcked, err := m.client.PutMapping(ctx, name, TypeMessage, MessageMapping(m.cfg.Analyzer))
	if err != nil {
		return false, engine.Tag("put message mapping", name, err)
	}
	metaAcked, err := m.client.PutMapping(ctx, name, TypeIndexRange, MetaMapping())
	if err != nil {
		return false, engine.Tag("put index range mapping", name, err)
	}
	if !msgAcked || !metaAcked {
		m.logger.Warn("index mapping not acknowledged",
			"index", name,
			"message_mapping", msgAcked,
			"index_range_mapping", metaAcked)
	}
	return msgAcked && metaAcked, nil
}

// Delete deletes an index.
func (m *Manager) Delete(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "delete", name)
	defer done(&err)

	return engine.Tag("delete index", name, m.client.DeleteIndex(ctx, name))
}

// Close closes an index.
func (m *Manager) Close(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "close", name)
	defer done(&err)

	return engine.Tag("close index", name, m.client.CloseIndex(ctx, name))
}

// Exists reports whether an index or alias with the name exists.
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	ok, err := m.client.IndexExists(ctx, name)
	return ok, engine.Tag("index exists", name, err)
}

// AliasExists reports whether the alias is bound to any index.
func (m *Manager) AliasExists(ctx context.Context, alias string) (bool, error) {
	ok, err := m.client.AliasExists(ctx, alias)
	return ok, engine.Tag("alias exists", alias, err)
}

// AliasTarget returns the index the alias points to, or "" when it is unbound.
func (m *Manager) AliasTarget(ctx context.Context, alias string) (string, error) {
	aliases, err := m.client.GetAliases(ctx, alias)
	if err != nil {
		return "", engine.Tag("get aliases", alias, err)
	}
	if len(aliases) == 0 {
		return "", nil
	}
	targets := make([]string, 0, len(aliases))
	for index := range aliases {
		targets = append(targets, index)
	}
	sort.Strings(targets)
	if len(targets) > 1 {
		m.logger.Warn("alias bound to more than one index", "alias", alias, "indices", targets)
	}
	return targets[0], nil
}

// CycleAlias binds the alias to target. It is used for the first binding of an
// alias.
func (m *Manager) CycleAlias(ctx context.Context, alias, target string) (ok bool, err error) {
	ctx, done := m.begin(ctx, "cycle_alias", target)
	defer done(&err)

	ok, err = m.client.UpdateAliases(ctx, []engine.AliasAction{
		{Type: engine.AliasAdd, Index: target, Alias: alias},
	})
	return ok, engine.Tag("cycle alias", target, err)
}

// CycleAliasFrom moves the alias from old to target in a single request, so
// the alias is never unbound or bound to both indices.
func (m *Manager) CycleAliasFrom(ctx context.Context, alias, target, old string) (ok bool, err error) {
	ctx, done := m.begin(ctx, "cycle_alias", target)
	defer done(&err)

	ok, err = m.client.UpdateAliases(ctx, []engine.AliasAction{
		{Type: engine.AliasRemove, Index: old, Alias: alias},
		{Type: engine.AliasAdd, Index: target, Alias: alias},
	})
	return ok, engine.Tag("cycle alias", target, err)
}

// SetReadOnly blocks writes to an index while keeping reads and metadata
// access allowed.
func (m *Manager) SetReadOnly(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "set_read_only", name)
	defer done(&err)

	return engine.Tag("set read-only", name, m.client.UpdateSettings(ctx, name, map[string]interface{}{
		"index.blocks.write":    true,
		"index.blocks.read":     false,
		"index.blocks.metadata": false,
	}))
}

// SetReadWrite lifts every block of an index.
func (m *Manager) SetReadWrite(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "set_read_write", name)
	defer done(&err)

	return engine.Tag("set read-write", name, m.client.UpdateSettings(ctx, name, map[string]interface{}{
		"index.blocks.write":    false,
		"index.blocks.read":     false,
		"index.blocks.metadata": false,
	}))
}

// IsReadOnly reports whether writes to the index are blocked.
func (m *Manager) IsReadOnly(ctx context.Context, name string) (bool, error) {
	settings, err := m.client.GetSettings(ctx, name)
	if err != nil {
		return false, engine.Tag("get settings", name, err)
	}
	s, ok := settings[name]
	if !ok {
		return false, ierrors.NewNotFound(ierrors.CodeIndexNotFound, fmt.Sprintf("no settings for index <%s>", name))
	}
	return s.Bool("blocks.write", false), nil
}

// Flush forces a flush of an index.
func (m *Manager) Flush(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "flush", name)
	defer done(&err)

	return engine.Tag("flush", name, m.client.Flush(ctx, name))
}

// ReopenIndex marks an index as reopened and opens it. The marker is written
// first so that a retention sweep never sees the open index without it.
func (m *Manager) ReopenIndex(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "reopen", name)
	defer done(&err)

	if err := m.client.UpdateSettings(ctx, name, map[string]interface{}{ReopenedSetting: true}); err != nil {
		return engine.Tag("mark reopened", name, err)
	}
	return engine.Tag("open index", name, m.client.OpenIndex(ctx, name))
}

// IsReopened reports whether the index carries the reopened marker.
func (m *Manager) IsReopened(ctx context.Context, name string) (bool, error) {
	state, err := m.client.ClusterState(ctx, "")
	if err != nil {
		return false, engine.Tag("cluster state", name, err)
	}
	meta, ok := state.Indices[name]
	if !ok {
		return false, nil
	}
	return isReopened(meta), nil
}

func isReopened(meta *engine.IndexMetadata) bool {
	return meta.Settings.Bool(ReopenedSetting, false)
}

// ReopenedIndices returns the managed indices carrying the reopened marker.
// It scans the full cluster metadata; a failure yields an empty result.
func (m *Manager) ReopenedIndices(ctx context.Context) []string {
	return m.scanMetadata(ctx, "reopened_indices", isReopened)
}

// ClosedIndices returns the managed indices that are closed. It scans the full
// cluster metadata; a failure yields an empty result.
func (m *Manager) ClosedIndices(ctx context.Context) []string {
	return m.scanMetadata(ctx, "closed_indices", func(meta *engine.IndexMetadata) bool {
		return meta.State == types.IndexClosed
	})
}

func (m *Manager) scanMetadata(ctx context.Context, op string, keep func(*engine.IndexMetadata) bool) []string {
	state := bestEffort(ctx, m.logger, op, "", (*engine.ClusterState)(nil), func(ctx context.Context) (*engine.ClusterState, error) {
		return m.client.ClusterState(ctx, "")
	})
	if state == nil {
		return []string{}
	}

	names := []string{}
	for name, meta := range state.Indices {
		if !strings.HasPrefix(name, m.cfg.Prefix) {
			continue
		}
		if keep(meta) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ManagedIndex is the state of one managed index in a cluster metadata
// snapshot.
type ManagedIndex struct {
	Name     string
	Number   int
	Closed   bool
	Reopened bool
}

// ManagedIndices returns the indices named <prefix>_<N>, ordered by N.
func (m *Manager) ManagedIndices(ctx context.Context) ([]string, error) {
	managed, err := m.LookupManagedIndices(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(managed))
	for i, mi := range managed {
		names[i] = mi.Name
	}
	return names, nil
}

// LookupManagedIndices returns the managed indices ordered by N, with their
// closed and reopened state taken from the same cluster metadata snapshot.
// Unlike ClosedIndices and ReopenedIndices it fails when the engine does.
func (m *Manager) LookupManagedIndices(ctx context.Context) ([]ManagedIndex, error) {
	state, err := m.client.ClusterState(ctx, m.AllIndicesAlias())
	if err != nil {
		return nil, engine.Tag("cluster state", "", err)
	}

	var managed []ManagedIndex
	for name, meta := range state.Indices {
		n, ok := types.IndexNumber(m.cfg.Prefix, name)
		if !ok {
			continue
		}
		managed = append(managed, ManagedIndex{
			Name:     name,
			Number:   n,
			Closed:   meta.State == types.IndexClosed,
			Reopened: isReopened(meta),
		})
	}
	sort.Slice(managed, func(i, j int) bool { return managed[i].Number < managed[j].Number })
	return managed, nil
}

// NumberOfMessages returns the primary document count of an open index.
func (m *Manager) NumberOfMessages(ctx context.Context, name string) (int64, error) {
	stats, err := m.client.Stats(ctx)
	if err != nil {
		return 0, engine.Tag("stats", name, err)
	}
	s, ok := stats[name]
	if !ok {
		return 0, ierrors.NewNotFound(ierrors.CodeIndexNotFound, fmt.Sprintf("no stats for index <%s>", name))
	}
	return s.Primaries.Docs.Count, nil
}

// IndexStats returns the statistics of an index, or nil if the index is
// absent or the engine failed. Use LookupIndexStats to tell the two apart.
func (m *Manager) IndexStats(ctx context.Context, name string) *types.IndexStatistics {
	return bestEffort(ctx, m.logger, "index_stats", name, (*types.IndexStatistics)(nil), func(ctx context.Context) (*types.IndexStatistics, error) {
		return m.LookupIndexStats(ctx, name)
	})
}

// LookupIndexStats returns the statistics of an index. It fails with
// NOT_FOUND for an absent index and ENGINE_UNAVAILABLE when the engine fails.
func (m *Manager) LookupIndexStats(ctx context.Context, name string) (*types.IndexStatistics, error) {
	all, err := m.AllIndexStats(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := all[name]
	if !ok {
		return nil, ierrors.NewNotFound(ierrors.CodeIndexNotFound, fmt.Sprintf("no stats for index <%s>", name))
	}
	return s, nil
}

// AllIndexStats returns statistics for every open index.
func (m *Manager) AllIndexStats(ctx context.Context) (map[string]*types.IndexStatistics, error) {
	stats, err := m.client.Stats(ctx)
	if err != nil {
		return nil, engine.Tag("stats", "", err)
	}
	out := make(map[string]*types.IndexStatistics, len(stats))
	for name, s := range stats {
		out[name] = &types.IndexStatistics{
			Index:     name,
			Primaries: s.Primaries,
			Total:     s.Total,
			Shards:    append([]types.ShardRouting(nil), s.Shards...),
		}
	}
	return out, nil
}

// AllMessageFields returns the union of message field names across all
// managed indices. Indices whose mapping cannot be read are logged and
// skipped.
func (m *Manager) AllMessageFields(ctx context.Context) []string {
	state := bestEffort(ctx, m.logger, "all_message_fields", "", (*engine.ClusterState)(nil), func(ctx context.Context) (*engine.ClusterState, error) {
		return m.client.ClusterState(ctx, m.AllIndicesAlias())
	})
	if state == nil {
		return []string{}
	}

	names := make([]string, 0, len(state.Indices))
	for name := range state.Indices {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]struct{})
	for _, name := range names {
		mapping := bestEffort(ctx, m.logger, "get_mapping", name, map[string]interface{}(nil), func(ctx context.Context) (map[string]interface{}, error) {
			return m.client.GetMapping(ctx, name, TypeMessage)
		})
		// no mapping until the first message is written
		props, _ := mapping["properties"].(map[string]interface{})
		for field := range props {
			fields[field] = struct{}{}
		}
	}

	out := make([]string, 0, len(fields))
	for field := range fields {
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// OptimizeIndex merges an index down to the configured segment count. It runs
// with its own timeout since merges can take very long.
func (m *Manager) OptimizeIndex(ctx context.Context, name string) (err error) {
	ctx, done := m.begin(ctx, "optimize", name)
	defer done(&err)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.OptimizeTimeout)
	defer cancel()

	return engine.Tag("optimize", name, m.client.Optimize(ctx, name, m.cfg.OptimizeMaxSegments))
}

// WaitForStatus blocks until the index health reaches at least status.
func (m *Manager) WaitForStatus(ctx context.Context, name string, status types.HealthStatus) (got types.HealthStatus, err error) {
	ctx, done := m.begin(ctx, "wait_for_status", name)
	defer done(&err)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.WaitTimeout)
	defer cancel()

	got, err = m.client.Health(ctx, name, status)
	if err != nil {
		return got, engine.Tag(fmt.Sprintf("wait for %s", status), name, err)
	}
	return got, nil
}

// WaitForRecovery blocks until all primary shards of the index are available.
func (m *Manager) WaitForRecovery(ctx context.Context, name string) (types.HealthStatus, error) {
	return m.WaitForStatus(ctx, name, types.HealthYellow)
}

// IndexCreationDate returns the creation date reported by the engine, or nil
// if it is unavailable.
func (m *Manager) IndexCreationDate(ctx context.Context, name string) *time.Time {
	return bestEffort(ctx, m.logger, "index_creation_date", name, (*time.Time)(nil), func(ctx context.Context) (*time.Time, error) {
		settings, err := m.client.GetSettings(ctx, name)
		if err != nil {
			return nil, err
		}
		raw, ok := settings[name].Get("creation_date")
		if !ok {
			return nil, nil
		}
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, ierrors.NewInternal(fmt.Sprintf("invalid creation date %q", raw), err)
		}
		t := time.UnixMilli(millis).UTC()
		return &t, nil
	})
}

// Move copies every document of source into target. See Mover.Move.
func (m *Manager) Move(ctx context.Context, source, target string) (moved int64, err error) {
	ctx, done := m.begin(ctx, "move", source)
	defer done(&err)

	return m.mover.Move(ctx, source, target)
}
