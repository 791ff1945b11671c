// Package store implements the encrypted snapshot engine: a SQLite-backed
// snapshot table, per-store adapters that seal application state under the
// session key, strict FIFO operation serialization, and a migration cascade
// that recovers data from legacy plaintext formats.
package store

import "errors"

// Engine errors
var (
	// ErrStorageUnavailable indicates the underlying database could not
	// serve the operation. Callers decide whether to retry; the engine
	// never retries on its own.
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrRowNotFound indicates the referenced snapshot row does not exist.
	ErrRowNotFound = errors.New("store: snapshot row not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store: store is closed")

	// ErrSerializerClosed indicates the adapter's operation queue no longer
	// accepts work.
	ErrSerializerClosed = errors.New("store: serializer is closed")

	// ErrEnvelopeCorrupted indicates a payload decrypted correctly but does
	// not decode as an envelope. Surfaced without deleting anything.
	ErrEnvelopeCorrupted = errors.New("store: envelope payload corrupted")

	// ErrNameEmpty indicates an empty store name.
	ErrNameEmpty = errors.New("store: store name is empty")

	// ErrNameTooLong indicates the store name exceeds the maximum length.
	ErrNameTooLong = errors.New("store: store name too long")

	// ErrNameInvalid indicates the store name contains invalid characters.
	ErrNameInvalid = errors.New("store: store name contains invalid characters")

	// ErrPayloadTooLarge indicates an envelope exceeds the payload cap.
	ErrPayloadTooLarge = errors.New("store: payload too large")

	// ErrInsufficientDisk indicates there is not enough free disk space to
	// write safely.
	ErrInsufficientDisk = errors.New("store: insufficient disk space")

	// ErrDatabaseCorrupted indicates the database failed an integrity check.
	ErrDatabaseCorrupted = errors.New("store: database is corrupted")

	// ErrMetaCorrupted indicates the store metadata file is unreadable.
	ErrMetaCorrupted = errors.New("store: metadata file is corrupted")
)
