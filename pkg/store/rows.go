package store

import (
	"fmt"
	"time"
)

// SnapshotRow is one persisted snapshot. Payload is always ciphertext; the
// engine never writes plaintext rows.
type SnapshotRow struct {
	ID         int64
	LogicalKey string
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Origin     string
}

// RowsByKey returns every row for a logical key, most recent first.
// Duplicates can exist when an update had to fall back to an insert; the
// first row is the one a load should trust.
func (s *Store) RowsByKey(logicalKey string) ([]SnapshotRow, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT id, logical_key, payload, created_at, updated_at, origin
		FROM snapshots
		WHERE logical_key = ?
		ORDER BY updated_at DESC, id DESC
	`, logicalKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query snapshots: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var result []SnapshotRow
	for rows.Next() {
		var (
			r                  SnapshotRow
			createdN, updatedN int64
		)
		if err := rows.Scan(&r.ID, &r.LogicalKey, &r.Payload, &createdN, &updatedN, &r.Origin); err != nil {
			return nil, fmt.Errorf("%w: failed to scan snapshot row: %v", ErrStorageUnavailable, err)
		}
		r.CreatedAt = time.Unix(0, createdN)
		r.UpdatedAt = time.Unix(0, updatedN)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read snapshot rows: %v", ErrStorageUnavailable, err)
	}
	return result, nil
}

// InsertRow adds a new snapshot row and returns its id.
func (s *Store) InsertRow(logicalKey string, payload []byte, origin string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	if err := s.checkDiskSpaceForWrite(len(payload)); err != nil {
		return 0, err
	}

	now := time.Now().UnixNano()
	res, err := db.Exec(`
		INSERT INTO snapshots (logical_key, payload, created_at, updated_at, origin)
		VALUES (?, ?, ?, ?, ?)
	`, logicalKey, payload, now, now, origin)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to insert snapshot: %v", ErrStorageUnavailable, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read insert id: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

// UpdateRow replaces the payload of an existing row. Returns ErrRowNotFound
// when the row no longer exists, which Save uses to fall back to an insert.
func (s *Store) UpdateRow(id int64, payload []byte) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if err := s.checkDiskSpaceForWrite(len(payload)); err != nil {
		return err
	}

	res, err := db.Exec(`
		UPDATE snapshots SET payload = ?, updated_at = ? WHERE id = ?
	`, payload, time.Now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("%w: failed to update snapshot: %v", ErrStorageUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to read update result: %v", ErrStorageUnavailable, err)
	}
	if affected == 0 {
		return ErrRowNotFound
	}
	return nil
}

// DeleteRow removes one row. Deleting a row that is already gone is not an
// error, which keeps Clear idempotent.
func (s *Store) DeleteRow(id int64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return fmt.Errorf("%w: failed to delete snapshot: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteRowsByKey removes every row for a logical key and reports how many
// went away.
func (s *Store) DeleteRowsByKey(logicalKey string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	res, err := db.Exec(`DELETE FROM snapshots WHERE logical_key = ?`, logicalKey)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete snapshots: %v", ErrStorageUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read delete result: %v", ErrStorageUnavailable, err)
	}
	return affected, nil
}

// CountByKey returns the number of rows stored under a logical key.
func (s *Store) CountByKey(logicalKey string) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE logical_key = ?`, logicalKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count snapshots: %v", ErrStorageUnavailable, err)
	}
	return count, nil
}

// LogicalKeys returns every distinct logical key with at least one row.
func (s *Store) LogicalKeys() ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT DISTINCT logical_key FROM snapshots ORDER BY logical_key`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list logical keys: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: failed to scan logical key: %v", ErrStorageUnavailable, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read logical keys: %v", ErrStorageUnavailable, err)
	}
	return keys, nil
}

// Compact removes superseded duplicate rows for a logical key, keeping only
// the most recent. Duplicates accumulate when updates fall back to inserts;
// they are harmless but worth reaping.
func (s *Store) Compact(logicalKey string) (int64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}

	res, err := db.Exec(`
		DELETE FROM snapshots
		WHERE logical_key = ?
		  AND id NOT IN (
			SELECT id FROM snapshots
			WHERE logical_key = ?
			ORDER BY updated_at DESC, id DESC
			LIMIT 1
		  )
	`, logicalKey, logicalKey)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to compact snapshots: %v", ErrStorageUnavailable, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read compact result: %v", ErrStorageUnavailable, err)
	}
	return affected, nil
}
