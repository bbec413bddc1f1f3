package ranges

import (
	"context"
	"fmt"
	"log/slog"
)

// MigrationResult summarizes a Migrator run.
type MigrationResult struct {
	Migrated int
	Skipped  int
}

// Migrator copies ranges out of a legacy store into a writable one. Each
// index is saved and then flagged on its own, so a run interrupted at any
// point is resumed by running it again.
type Migrator struct {
	from   Store
	to     Store
	logger *slog.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(from, to Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{from: from, to: to, logger: logger.With("component", "range-migration")}
}

// Run migrates every range of the source store that is not flagged yet.
func (m *Migrator) Run(ctx context.Context) (MigrationResult, error) {
	var res MigrationResult

	ranges, err := m.from.FindAll(ctx)
	if err != nil {
		return res, err
	}

	for _, r := range ranges {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		migrated, err := m.from.IsMigrated(ctx, r.IndexName)
		if err != nil {
			return res, err
		}
		if migrated {
			res.Skipped++
			continue
		}

		if err := m.to.Save(ctx, r); err != nil {
			return res, fmt.Errorf("migrate range of %s: %w", r.IndexName, err)
		}
		if _, err := m.from.MarkAsMigrated(ctx, r.IndexName); err != nil {
			return res, fmt.Errorf("flag range of %s: %w", r.IndexName, err)
		}
		res.Migrated++
		m.logger.Info("migrated index range", "index", r.IndexName, "end", r.End)
	}

	m.logger.Info("index range migration finished", "migrated", res.Migrated, "skipped", res.Skipped)
	return res, nil
}
