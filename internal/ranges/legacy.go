package ranges

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	ierrors "github.com/tidemark/tidemark/internal/errors"
	"github.com/tidemark/tidemark/pkg/types"
)

// legacyDocument is the older persisted shape of a range. Start holds the
// newest document timestamp in epoch seconds; the begin of a legacy range is
// always the epoch.
type legacyDocument struct {
	Index        string `json:"index"`
	Start        *int64 `json:"start"`
	CalculatedAt *int64 `json:"calculated_at,omitempty"`
	TookMs       *int   `json:"took_ms,omitempty"`
	Migrated     bool   `json:"migrated,omitempty"`
}

func (d legacyDocument) indexRange() types.IndexRange {
	calculatedAt := types.Epoch
	if d.CalculatedAt != nil {
		calculatedAt = time.Unix(*d.CalculatedAt, 0)
	}
	ordinal := 0
	if d.TookMs != nil {
		ordinal = *d.TookMs
	}
	return types.NewIndexRange(d.Index, types.Epoch, time.Unix(*d.Start, 0), calculatedAt, ordinal)
}

func decodeLegacy(name string, raw string) (legacyDocument, error) {
	var doc legacyDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return legacyDocument{}, rangeInvalid(name, err)
	}
	if doc.Index != name || doc.Start == nil {
		return legacyDocument{}, rangeInvalid(name, fmt.Errorf("missing index or start field"))
	}
	return doc, nil
}

// LegacyService reads ranges stored in the legacy document shape. It only
// exists so that a migration can read historical metadata: queries by time,
// saves, deletes and calculations fail with UNSUPPORTED_OPERATION. The
// migration flag is the one writable field.
type LegacyService struct {
	db     *sql.DB // single writer
	readDB *sql.DB
	mu     sync.Mutex
}

var _ Service = (*LegacyService)(nil)

// NewLegacyService opens (and if needed creates) a legacy range table.
func NewLegacyService(dbPath string) (*LegacyService, error) {
	db, readDB, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s := &LegacyService{db: db, readDB: readDB}

	if _, err := db.Exec(CreateLegacyIndexRangesTableSQL); err != nil {
		s.Close()
		return nil, fmt.Errorf("ranges: failed to initialize legacy schema: %w", err)
	}
	return s, nil
}

// Import loads newline-delimited legacy documents, replacing documents of the
// same index. Each line must at least carry a string "index" field; the rest
// is stored as is and validated on read.
func (s *LegacyService) Import(ctx context.Context, r io.Reader) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeFailure("import", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO legacy_index_ranges (index_name, document) VALUES (?, ?)`)
	if err != nil {
		return 0, storeFailure("import", err)
	}
	defer stmt.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	n, line := 0, 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var key struct {
			Index string `json:"index"`
		}
		if err := json.Unmarshal(raw, &key); err != nil || key.Index == "" {
			return 0, ierrors.NewInvalidArgument(ierrors.CodeInvalidIndexName,
				fmt.Sprintf("line %d: legacy range document without index name", line))
		}
		if _, err := stmt.ExecContext(ctx, key.Index, string(raw)); err != nil {
			return 0, storeFailure("import", err)
		}
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, storeFailure("import", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storeFailure("import", err)
	}
	return n, nil
}

func (s *LegacyService) document(ctx context.Context, name string) (string, error) {
	var raw string
	err := s.readDB.QueryRowContext(ctx,
		`SELECT document FROM legacy_index_ranges WHERE index_name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", rangeNotFound(name)
	}
	if err != nil {
		return "", storeFailure("get", err)
	}
	return raw, nil
}

// Get returns the range of an index.
func (s *LegacyService) Get(ctx context.Context, name string) (types.IndexRange, error) {
	raw, err := s.document(ctx, name)
	if err != nil {
		return types.IndexRange{}, err
	}
	doc, err := decodeLegacy(name, raw)
	if err != nil {
		return types.IndexRange{}, err
	}
	return doc.indexRange(), nil
}

// FindAll returns the ranges that have not been migrated yet, ordered by
// ordinal. Malformed documents are skipped.
func (s *LegacyService) FindAll(ctx context.Context) ([]types.IndexRange, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT index_name, document FROM legacy_index_ranges`)
	if err != nil {
		return nil, storeFailure("find all", err)
	}
	defer rows.Close()

	out := []types.IndexRange{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, storeFailure("scan", err)
		}
		doc, err := decodeLegacy(name, raw)
		if err != nil || doc.Migrated {
			continue
		}
		out = append(out, doc.indexRange())
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure("scan", err)
	}
	types.SortIndexRanges(out)
	return out, nil
}

// Find is not supported.
func (s *LegacyService) Find(context.Context, time.Time, time.Time) ([]types.IndexRange, error) {
	return nil, ierrors.NewUnsupported("find is not supported by the legacy range store")
}

// Save is not supported.
func (s *LegacyService) Save(context.Context, types.IndexRange) error {
	return ierrors.NewUnsupported("save is not supported by the legacy range store")
}

// Delete is not supported.
func (s *LegacyService) Delete(context.Context, string) error {
	return ierrors.NewUnsupported("delete is not supported by the legacy range store")
}

// CalculateRange is not supported.
func (s *LegacyService) CalculateRange(context.Context, string) (types.IndexRange, error) {
	return types.IndexRange{}, ierrors.NewUnsupported("calculating ranges is not supported by the legacy range store")
}

// IsMigrated reports whether the migration flag is set. Absent documents are
// not migrated.
func (s *LegacyService) IsMigrated(ctx context.Context, name string) (bool, error) {
	raw, err := s.document(ctx, name)
	if ierrors.IsKind(err, ierrors.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var flag struct {
		Migrated bool `json:"migrated"`
	}
	if err := json.Unmarshal([]byte(raw), &flag); err != nil {
		return false, rangeInvalid(name, err)
	}
	return flag.Migrated, nil
}

// MarkAsMigrated sets the migration flag and leaves every other field of the
// document untouched. It returns false when there is no document for name.
func (s *LegacyService) MarkAsMigrated(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM legacy_index_ranges WHERE index_name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeFailure("mark as migrated", err)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return false, rangeInvalid(name, err)
	}
	if string(fields["migrated"]) == "true" {
		return true, nil
	}
	fields["migrated"] = json.RawMessage("true")

	updated, err := json.Marshal(fields)
	if err != nil {
		return false, ierrors.NewInternal("encode legacy range", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE legacy_index_ranges SET document = ? WHERE index_name = ?`, string(updated), name); err != nil {
		return false, storeFailure("mark as migrated", err)
	}
	return true, nil
}

// Close closes the read pool, then the writer.
func (s *LegacyService) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
