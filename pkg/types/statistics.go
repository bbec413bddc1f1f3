package types

// DocsStats holds document counters.
type DocsStats struct {
	Count   int64 `json:"count"`
	Deleted int64 `json:"deleted"`
}

// StoreStats holds on-disk size counters.
type StoreStats struct {
	SizeBytes int64 `json:"size_in_bytes"`
}

// StatsSummary aggregates counters over a set of shards.
type StatsSummary struct {
	Docs  DocsStats  `json:"docs"`
	Store StoreStats `json:"store"`
}

// ShardRouting describes where one shard copy lives.
type ShardRouting struct {
	ShardID int    `json:"shard_id"`
	Index   string `json:"index"`
	Primary bool   `json:"primary"`
	State   string `json:"state"`
	NodeID  string `json:"node_id,omitempty"`
}

// IndexStatistics is assembled on demand from the engine for reporting.
// It is never persisted.
type IndexStatistics struct {
	Index     string         `json:"index"`
	Primaries StatsSummary   `json:"primaries"`
	Total     StatsSummary   `json:"total"`
	Shards    []ShardRouting `json:"shards"`
}
