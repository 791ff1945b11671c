package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Constants
const (
	DBFileName   = "store.db"
	MetaFileName = "store.meta"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// Disk capacity thresholds
	MinDiskSpaceBytes  = 10 * 1024 * 1024 // 10 MB minimum free space
	DiskWarningPercent = 90               // Warn when disk is 90% full

	// metaVersion is written into store.meta on first open.
	metaVersion = "1.0.0"
)

// Row origin values recorded in the snapshots table.
const (
	OriginSave      = "save"      // written by Adapter.Save
	OriginMigration = "migration" // recovered from a legacy source
	OriginRestore   = "restore"   // written back from an export bundle
)

// StoreMeta holds store metadata persisted next to the database.
type StoreMeta struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Store owns the SQLite database that backs every logical store. It is the
// only component that touches the database; adapters go through its row
// helpers and the vault goes through its keyring methods.
//
// A Store is safe for concurrent use. Cross-store isolation comes from
// distinct logical keys, not from locking here.
type Store struct {
	path   string // data directory
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
}

// Open creates or opens the store under dataDir.
//
// The database is configured with WAL mode, NORMAL synchronous, a 5 second
// busy timeout and a single connection (SQLite allows one writer). Schema
// migrations run automatically, so Open is idempotent and safe across
// engine upgrades.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dataDir, DirMode); err != nil {
		return nil, fmt.Errorf("%w: failed to create data directory: %v", ErrStorageUnavailable, err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrStorageUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to database: %v", ErrStorageUnavailable, err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY instead of surfacing it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSchema(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{path: dataDir, db: db, logger: logger}

	if err := s.ensureMeta(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(dbPath, FileMode); err != nil {
		logger.Warn("failed to restrict database permissions", "path", dbPath, "error", err)
	}
	s.checkAndWarnPermissions()

	return s, nil
}

// Close closes the database. Row helpers called afterwards return
// ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the data directory the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// conn returns the live database handle or ErrStoreClosed.
func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%w: failed to execute %q: %v", ErrStorageUnavailable, pragma, err)
		}
	}

	return nil
}

// createTables creates the current schema. Existing tables are left alone;
// migrateSchema brings older databases forward. Databases created from
// scratch are stamped at CurrentSchemaVersion so no migration runs.
func createTables(db *sql.DB) error {
	var name string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'snapshots'
	`).Scan(&name)
	fresh := err == sql.ErrNoRows
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("%w: failed to inspect schema: %v", ErrStorageUnavailable, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		logical_key TEXT NOT NULL,
		payload     BLOB NOT NULL,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		origin      TEXT NOT NULL DEFAULT 'save'
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_logical_key ON snapshots(logical_key);

	CREATE TABLE IF NOT EXISTS vault_keys (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		salt          BLOB NOT NULL,
		encrypted_key BLOB NOT NULL,
		key_nonce     BLOB NOT NULL,
		created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to create tables: %v", ErrStorageUnavailable, err)
	}

	if fresh {
		if _, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				version     INTEGER PRIMARY KEY,
				migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)
		`); err != nil {
			return fmt.Errorf("%w: failed to create schema_version table: %v", ErrStorageUnavailable, err)
		}
		if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`,
			CurrentSchemaVersion); err != nil {
			return fmt.Errorf("%w: failed to record schema version: %v", ErrStorageUnavailable, err)
		}
	}
	return nil
}

// ensureMeta writes store.meta on first open. A corrupt meta file is left
// in place for CheckIntegrity to report and Repair to rebuild.
func (s *Store) ensureMeta() error {
	metaPath := filepath.Join(s.path, MetaFileName)
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to stat metadata: %v", ErrStorageUnavailable, err)
	}

	meta := StoreMeta{Version: metaVersion, CreatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode metadata: %v", ErrStorageUnavailable, err)
	}
	if err := os.WriteFile(metaPath, data, FileMode); err != nil {
		return fmt.Errorf("%w: failed to write metadata: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Meta reads store.meta.
func (s *Store) Meta() (*StoreMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.path, MetaFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read metadata: %v", ErrStorageUnavailable, err)
	}
	var meta StoreMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetaCorrupted, err)
	}
	return &meta, nil
}

// checkAndWarnPermissions warns when the data directory or database are
// readable by group or other.
func (s *Store) checkAndWarnPermissions() {
	for _, p := range []string{s.path, filepath.Join(s.path, DBFileName)} {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0077 != 0 {
			s.logger.Warn("permissions are too open, expected owner-only access",
				"path", p, "mode", fmt.Sprintf("%04o", info.Mode().Perm()))
		}
	}
}

// SaveKeyring persists the wrapped session key material. There is exactly
// one keyring row; saving again replaces it (passphrase change).
func (s *Store) SaveKeyring(salt, encryptedKey, keyNonce []byte) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO vault_keys (id, salt, encrypted_key, key_nonce, created_at, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			salt = excluded.salt,
			encrypted_key = excluded.encrypted_key,
			key_nonce = excluded.key_nonce,
			updated_at = CURRENT_TIMESTAMP
	`, salt, encryptedKey, keyNonce)
	if err != nil {
		return fmt.Errorf("%w: failed to save keyring: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// LoadKeyring reads the wrapped session key material. All nils with a nil
// error means the keyring was never initialized.
func (s *Store) LoadKeyring() (salt, encryptedKey, keyNonce []byte, err error) {
	db, err := s.conn()
	if err != nil {
		return nil, nil, nil, err
	}

	err = db.QueryRow(`
		SELECT salt, encrypted_key, key_nonce FROM vault_keys WHERE id = 1
	`).Scan(&salt, &encryptedKey, &keyNonce)
	if err == sql.ErrNoRows {
		return nil, nil, nil, nil
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: failed to load keyring: %v", ErrStorageUnavailable, err)
	}
	return salt, encryptedKey, keyNonce, nil
}

// checkDiskSpaceForWrite fails a write early when free space is critically
// low, and warns when the disk is nearly full. Stat failures do not block
// the write.
func (s *Store) checkDiskSpaceForWrite(dataSize int) error {
	info, err := CheckDiskSpace(s.path)
	if err != nil {
		s.logger.Warn("failed to check disk space", "error", err)
		return nil
	}

	required := uint64(MinDiskSpaceBytes)
	if doubled := uint64(dataSize) * 2; doubled > required {
		required = doubled
	}
	if info.Available < required {
		return fmt.Errorf("%w: %d bytes available, %d required", ErrInsufficientDisk, info.Available, required)
	}

	if info.UsedPercent >= DiskWarningPercent {
		s.logger.Warn("disk is nearly full", "used_percent", info.UsedPercent)
	}
	return nil
}

// IntegrityCheckResult reports the health of the store files.
type IntegrityCheckResult struct {
	Valid            bool     `json:"valid"`
	MetaValid        bool     `json:"meta_valid"`
	DBExists         bool     `json:"db_exists"`
	DBIntegrity      bool     `json:"db_integrity"`
	KeyringPresent   bool     `json:"keyring_present"`
	PermissionsValid bool     `json:"permissions_valid"`
	Errors           []string `json:"errors,omitempty"`
}

// CheckIntegrity verifies the metadata file, database integrity, keyring
// presence and file permissions. It reads everything and repairs nothing.
func (s *Store) CheckIntegrity() *IntegrityCheckResult {
	result := &IntegrityCheckResult{Valid: true, PermissionsValid: true}

	if _, err := s.Meta(); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("metadata: %v", err))
	} else {
		result.MetaValid = true
	}

	dbPath := filepath.Join(s.path, DBFileName)
	if info, err := os.Stat(dbPath); err == nil {
		result.DBExists = true
		if info.Mode().Perm()&0077 != 0 {
			result.PermissionsValid = false
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("database permissions too open: %04o", info.Mode().Perm()))
		}
	} else {
		result.Valid = false
		result.Errors = append(result.Errors, "database file not found")
	}

	db, err := s.conn()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&integrity); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("integrity check failed: %v", err))
	} else if integrity != "ok" {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("%v: %s", ErrDatabaseCorrupted, integrity))
	} else {
		result.DBIntegrity = true
	}

	salt, encKey, nonce, err := s.LoadKeyring()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("keyring: %v", err))
	} else if salt != nil && encKey != nil && nonce != nil {
		result.KeyringPresent = true
	}

	return result
}

// Repair rebuilds store.meta from the database when the metadata file is
// missing or corrupt. The original creation time is recovered from the
// keyring row when one exists.
func (s *Store) Repair() error {
	createdAt := time.Now().UTC()

	db, err := s.conn()
	if err != nil {
		return err
	}
	var created string
	if err := db.QueryRow("SELECT created_at FROM vault_keys WHERE id = 1").Scan(&created); err == nil {
		if t, err := time.Parse("2006-01-02 15:04:05", created); err == nil {
			createdAt = t.UTC()
		}
	}

	meta := StoreMeta{Version: metaVersion, CreatedAt: createdAt}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode metadata: %v", ErrStorageUnavailable, err)
	}
	if err := os.WriteFile(filepath.Join(s.path, MetaFileName), data, FileMode); err != nil {
		return fmt.Errorf("%w: failed to write metadata: %v", ErrStorageUnavailable, err)
	}
	return nil
}
