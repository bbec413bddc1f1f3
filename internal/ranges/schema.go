package ranges

// CreateIndexRangesTableSQL creates the table of the writable stores. All
// timestamps are epoch milliseconds.
const CreateIndexRangesTableSQL = `
CREATE TABLE IF NOT EXISTS index_ranges (
    index_name TEXT PRIMARY KEY,
    range_begin BIGINT NOT NULL,
    range_end BIGINT NOT NULL,
    calculated_at BIGINT NOT NULL,
    ordinal INTEGER NOT NULL,
    migrated BOOLEAN NOT NULL DEFAULT FALSE
)`

// CreateIndexRangesIndexesSQL creates the indexes backing ordered enumeration
// and overlap lookups.
var CreateIndexRangesIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_index_ranges_ordinal ON index_ranges(ordinal, index_name)`,
	`CREATE INDEX IF NOT EXISTS idx_index_ranges_time ON index_ranges(range_begin, range_end)`,
}

// CreateLegacyIndexRangesTableSQL creates the table holding index ranges in
// the legacy document shape, one JSON document per index.
const CreateLegacyIndexRangesTableSQL = `
CREATE TABLE IF NOT EXISTS legacy_index_ranges (
    index_name TEXT PRIMARY KEY,
    document TEXT NOT NULL
)`

// AllSchemaSQL returns the statements creating the writable store schema.
func AllSchemaSQL() []string {
	stmts := []string{CreateIndexRangesTableSQL}
	return append(stmts, CreateIndexRangesIndexesSQL...)
}

const sqliteUpsertRangeSQL = `
INSERT INTO index_ranges (index_name, range_begin, range_end, calculated_at, ordinal)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (index_name) DO UPDATE SET
    range_begin = excluded.range_begin,
    range_end = excluded.range_end,
    calculated_at = excluded.calculated_at,
    ordinal = excluded.ordinal`

const postgresUpsertRangeSQL = `
INSERT INTO index_ranges (index_name, range_begin, range_end, calculated_at, ordinal)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (index_name) DO UPDATE SET
    range_begin = excluded.range_begin,
    range_end = excluded.range_end,
    calculated_at = excluded.calculated_at,
    ordinal = excluded.ordinal`

const selectRangeColumns = `SELECT index_name, range_begin, range_end, calculated_at, ordinal FROM index_ranges`
