package migrate

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed sql/001_init.sql
var initSQL string

// steps are applied in order inside a single transaction. Append new
// entries with the next version; never edit an applied one.
var steps = []struct {
	version int
	name    string
	sql     string
}{
	{1, "init", initSQL},
}

// Migrate brings the workspace database up to the latest schema version.
func Migrate(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}

	var current int
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	default:
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, s := range steps {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.sql); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", s.version, s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("record version %d: %w", s.version, err)
		}
		current = s.version
	}
	return tx.Commit()
}
