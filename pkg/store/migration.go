package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// Schema versions.
const (
	// SchemaVersion1 is the initial schema: snapshots keyed by logical_key
	// with a creation timestamp, plus the vault_keys keyring row.
	SchemaVersion1 = 1

	// SchemaVersion2 adds snapshots.updated_at and the logical_key index.
	// Most-recent-wins lookups order on updated_at, so older rows backfill
	// it from created_at.
	SchemaVersion2 = 2

	// SchemaVersion3 adds snapshots.origin, recording whether a row was
	// written by a save, recovered by legacy migration, or restored from
	// an export bundle.
	SchemaVersion3 = 3

	// CurrentSchemaVersion is the version new databases are stamped with.
	CurrentSchemaVersion = SchemaVersion3
)

// getSchemaVersion reads the highest recorded schema version. A database
// without a schema_version table predates version tracking and is treated
// as version 1.
func getSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'
	`).Scan(&name)
	if err == sql.ErrNoRows {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow(`
		SELECT version FROM schema_version ORDER BY version DESC LIMIT 1
	`).Scan(&version)
	if err == sql.ErrNoRows {
		return SchemaVersion1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SchemaVersion reports the database's current schema version.
func (s *Store) SchemaVersion() (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	return getSchemaVersion(db)
}

// setSchemaVersion records a migration step inside the given transaction.
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("failed to record schema version %d: %w", version, err)
	}
	return nil
}

// migrateSchema brings the database up to CurrentSchemaVersion. Each step
// runs in its own transaction and is safe to re-run: column additions are
// guarded by table introspection.
func migrateSchema(db *sql.DB, logger *slog.Logger) error {
	version, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	if version < CurrentSchemaVersion {
		logger.Info("migrating store schema", "from", version, "to", CurrentSchemaVersion)
	}

	if version < SchemaVersion2 {
		if err := migrateToV2(db); err != nil {
			return fmt.Errorf("%w: migration to v2 failed: %v", ErrStorageUnavailable, err)
		}
	}
	if version < SchemaVersion3 {
		if err := migrateToV3(db); err != nil {
			return fmt.Errorf("%w: migration to v3 failed: %v", ErrStorageUnavailable, err)
		}
	}

	return nil
}

// migrateToV2 adds updated_at to snapshots, backfills it from created_at,
// and creates the logical_key index.
func migrateToV2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	columns, err := getTableColumns(tx, "snapshots")
	if err != nil {
		return err
	}

	if !columns["updated_at"] {
		if _, err := tx.Exec(`ALTER TABLE snapshots ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add updated_at column: %w", err)
		}
		if _, err := tx.Exec(`UPDATE snapshots SET updated_at = created_at WHERE updated_at = 0`); err != nil {
			return fmt.Errorf("failed to backfill updated_at: %w", err)
		}
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_snapshots_logical_key ON snapshots(logical_key)`); err != nil {
		return fmt.Errorf("failed to create logical_key index: %w", err)
	}

	if err := setSchemaVersion(tx, SchemaVersion2); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateToV3 adds the origin column. Pre-existing rows were all written by
// saves, so the default is accurate for them.
func migrateToV3(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	columns, err := getTableColumns(tx, "snapshots")
	if err != nil {
		return err
	}

	if !columns["origin"] {
		if _, err := tx.Exec(`ALTER TABLE snapshots ADD COLUMN origin TEXT NOT NULL DEFAULT 'save'`); err != nil {
			return fmt.Errorf("failed to add origin column: %w", err)
		}
	}

	if err := setSchemaVersion(tx, SchemaVersion3); err != nil {
		return err
	}
	return tx.Commit()
}

// getTableColumns returns the set of column names for a table.
func getTableColumns(tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		columns[name] = true
	}
	return columns, rows.Err()
}
