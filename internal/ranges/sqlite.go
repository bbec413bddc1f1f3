package ranges

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tidemark/tidemark/pkg/types"
)

// openSQLite opens the single-writer connection and the read pool of a
// SQLite database file.
func openSQLite(dbPath string) (*sql.DB, *sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, nil, fmt.Errorf("ranges: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ranges: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return db, readDB, nil
}

// SQLiteStore is a writable Store backed by a SQLite file.
type SQLiteStore struct {
	db     *sql.DB // single writer
	readDB *sql.DB
	mu     sync.Mutex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) a range store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, readDB, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, readDB: readDB}

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.Exec(stmt); err != nil {
			s.Close()
			return nil, fmt.Errorf("ranges: failed to initialize schema: %w", err)
		}
	}
	return s, nil
}

// Get returns the range of an index.
func (s *SQLiteStore) Get(ctx context.Context, name string) (types.IndexRange, error) {
	rows, err := s.readDB.QueryContext(ctx, selectRangeColumns+` WHERE index_name = ?`, name)
	if err != nil {
		return types.IndexRange{}, storeFailure("get", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return types.IndexRange{}, storeFailure("get", err)
		}
		return types.IndexRange{}, rangeNotFound(name)
	}
	r, err := scanRange(rows.Scan)
	if err != nil {
		return types.IndexRange{}, scanFailure(ctx, name, err)
	}
	return r, nil
}

// FindAll returns every range ordered by ordinal.
func (s *SQLiteStore) FindAll(ctx context.Context) ([]types.IndexRange, error) {
	rows, err := s.readDB.QueryContext(ctx, selectRangeColumns+` ORDER BY ordinal, index_name`)
	if err != nil {
		return nil, storeFailure("find all", err)
	}
	return collectRanges(rows)
}

// Find returns the ranges overlapping [begin, end].
func (s *SQLiteStore) Find(ctx context.Context, begin, end time.Time) ([]types.IndexRange, error) {
	rows, err := s.readDB.QueryContext(ctx,
		selectRangeColumns+` WHERE range_begin <= ? AND range_end >= ? ORDER BY ordinal, index_name`,
		end.UnixMilli(), begin.UnixMilli())
	if err != nil {
		return nil, storeFailure("find", err)
	}
	return collectRanges(rows)
}

// Save inserts or replaces a range.
func (s *SQLiteStore) Save(ctx context.Context, r types.IndexRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r = types.NewIndexRange(r.IndexName, r.Begin, r.End, r.CalculatedAt, r.Ordinal)
	_, err := s.db.ExecContext(ctx, sqliteUpsertRangeSQL,
		r.IndexName, r.Begin.UnixMilli(), r.End.UnixMilli(), r.CalculatedAt.UnixMilli(), r.Ordinal)
	if err != nil {
		return storeFailure("save", err)
	}
	return nil
}

// IsMigrated reports whether the migration flag is set. Absent ranges are not
// migrated.
func (s *SQLiteStore) IsMigrated(ctx context.Context, name string) (bool, error) {
	var migrated bool
	err := s.readDB.QueryRowContext(ctx, `SELECT migrated FROM index_ranges WHERE index_name = ?`, name).Scan(&migrated)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeFailure("is migrated", err)
	}
	return migrated, nil
}

// MarkAsMigrated sets the migration flag.
func (s *SQLiteStore) MarkAsMigrated(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE index_ranges SET migrated = TRUE WHERE index_name = ?`, name)
	if err != nil {
		return false, storeFailure("mark as migrated", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeFailure("mark as migrated", err)
	}
	return n > 0, nil
}

// Delete removes the range of an index.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM index_ranges WHERE index_name = ?`, name); err != nil {
		return storeFailure("delete", err)
	}
	return nil
}

// Close closes the read pool, then the writer.
func (s *SQLiteStore) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func scanRange(scan func(dest ...interface{}) error) (types.IndexRange, error) {
	var (
		name                     string
		begin, end, calculatedAt int64
		ordinal                  int
	)
	if err := scan(&name, &begin, &end, &calculatedAt, &ordinal); err != nil {
		return types.IndexRange{}, err
	}
	return types.NewIndexRange(name, time.UnixMilli(begin), time.UnixMilli(end), time.UnixMilli(calculatedAt), ordinal), nil
}

func collectRanges(rows *sql.Rows) ([]types.IndexRange, error) {
	defer rows.Close()

	out := []types.IndexRange{}
	for rows.Next() {
		r, err := scanRange(rows.Scan)
		if err != nil {
			return nil, storeFailure("scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("scan", err)
	}
	return out, nil
}
