package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/forest6511/vitalstore/pkg/security"
)

// KeyHolder is the session key capability an adapter is constructed with.
// *vault.Vault satisfies it; tests substitute fakes with a fixed locked or
// unlocked state.
type KeyHolder interface {
	// IsUnlocked reports whether a session key is currently held.
	IsUnlocked() bool

	// Encrypt seals plaintext under the session key. Fails when locked.
	Encrypt(plaintext []byte) ([]byte, error)

	// Decrypt opens a blob sealed by Encrypt. Fails when locked; a wrong
	// key surfaces crypto.ErrDecryptionFailed.
	Decrypt(blob []byte) ([]byte, error)
}

// AdapterConfig configures a per-store adapter.
type AdapterConfig struct {
	// Name is the logical store name; it becomes the snapshots row key.
	Name string

	// Legacy is the migration chain probed on a load miss, newest format
	// first. Empty means the store never had a legacy format.
	Legacy []LegacySource

	// LegacyStore is where legacy probes read from. Defaults to a
	// LegacyDir under <dataDir>/legacy when a chain is configured.
	LegacyStore LegacyStore

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Adapter is the persistence gateway for one logical store. All access is
// funneled through its serializer, so per-store operations run strictly one
// at a time in submission order.
//
// Construct one adapter per store name and share it; two adapters on the
// same name would serialize independently and lose the ordering guarantee.
type Adapter struct {
	name   string
	store  *Store
	keys   KeyHolder
	legacy LegacyStore
	chain  []LegacySource
	logger *slog.Logger
	ser    *Serializer
}

// NewAdapter validates the store name and builds the adapter.
func NewAdapter(st *Store, keys KeyHolder, cfg AdapterConfig) (*Adapter, error) {
	if err := validateStoreName(cfg.Name); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	legacy := cfg.LegacyStore
	if legacy == nil && len(cfg.Legacy) > 0 {
		legacy = NewLegacyDir(filepath.Join(st.Path(), "legacy"))
	}

	return &Adapter{
		name:   cfg.Name,
		store:  st,
		keys:   keys,
		legacy: legacy,
		chain:  cfg.Legacy,
		logger: logger,
		ser:    NewSerializer(),
	}, nil
}

// Name returns the logical store name.
func (a *Adapter) Name() string {
	return a.name
}

// Load returns the current envelope for this store, or nil when there is
// nothing to return: no data at all, or an encrypted row while the session
// is locked. On a miss it walks the legacy chain (see recoverLegacy).
//
// A decryption failure surfaces as crypto.ErrDecryptionFailed and never
// deletes the row; unlocking with the right passphrase and loading again is
// always possible.
func (a *Adapter) Load(ctx context.Context) (*Envelope, error) {
	var env *Envelope
	err := a.ser.Do(ctx, func() error {
		e, err := a.load()
		if err != nil {
			return err
		}
		env = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// Save persists the envelope under the session key. While the session is
// locked this is a successful no-op: the engine is best-effort by contract
// and the caller keeps its in-memory state.
//
// The newest existing row is updated in place; if the update fails the
// envelope is inserted as a new row instead. Duplicate rows are tolerated,
// loads take the most recent.
func (a *Adapter) Save(ctx context.Context, env *Envelope) error {
	return a.ser.Do(ctx, func() error {
		return a.save(env)
	})
}

// Clear removes the encrypted rows and every legacy copy for this store.
// Clearing a store that holds nothing is a no-op, so Clear is idempotent.
func (a *Adapter) Clear(ctx context.Context) error {
	return a.ser.Do(ctx, func() error {
		return a.clear()
	})
}

// Restore writes an envelope recovered from an export bundle. Unlike Save
// it is not a no-op while locked: sealing needs the session key, so the
// key holder's error propagates. Rows it writes are marked as restored.
func (a *Adapter) Restore(ctx context.Context, env *Envelope) error {
	return a.ser.Do(ctx, func() error {
		return a.persist(env, OriginRestore)
	})
}

// Close stops the serializer after the operations already accepted have
// finished. Subsequent calls return ErrSerializerClosed.
func (a *Adapter) Close() {
	a.ser.Close()
}

func (a *Adapter) load() (*Envelope, error) {
	rows, err := a.store.RowsByKey(a.name)
	if err != nil {
		return nil, err
	}

	if len(rows) > 0 {
		if !a.keys.IsUnlocked() {
			// Encrypted data exists but cannot be read yet. Callers that
			// need to distinguish this from an empty store consult the
			// vault's lock state themselves.
			return nil, nil
		}

		plaintext, err := a.keys.Decrypt(rows[0].Payload)
		if err != nil {
			return nil, err
		}
		return DecodeEnvelope(plaintext)
	}

	return a.recoverLegacy()
}

// recoverLegacy walks the legacy chain on a load miss, newest format first.
//
// The first present and parseable entry wins. When the session is unlocked
// the recovered envelope is re-encrypted and persisted, and only after that
// write succeeds is the legacy copy deleted. When locked, the envelope is
// returned as-is and the legacy copy stays for a later unlocked load.
// Corrupt entries are logged, removed immediately, and skipped.
func (a *Adapter) recoverLegacy() (*Envelope, error) {
	if a.legacy == nil || len(a.chain) == 0 {
		return nil, nil
	}

	for _, src := range a.chain {
		data, found, err := a.legacy.Read(src.Key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		env, err := src.Reshape(data)
		if err != nil {
			// Unparseable legacy data can never be recovered; keeping it
			// would just repeat this failure on every load.
			a.logger.Warn("removing corrupt legacy entry",
				"store", a.name, "legacy_key", src.Key, "error", err)
			if derr := a.legacy.Delete(src.Key); derr != nil {
				a.logger.Warn("failed to remove corrupt legacy entry",
					"store", a.name, "legacy_key", src.Key, "error", derr)
			}
			continue
		}

		if !a.keys.IsUnlocked() {
			// Deferred migration: hand back the parsed value, leave the
			// plaintext in place until an unlocked load re-encrypts it.
			return env, nil
		}

		if err := a.persist(env, OriginMigration); err != nil {
			return nil, err
		}
		if err := a.legacy.Delete(src.Key); err != nil {
			// The encrypted row is durable, so the load succeeded; the
			// leftover plaintext is cleaned up by the next save.
			a.logger.Warn("failed to delete migrated legacy entry",
				"store", a.name, "legacy_key", src.Key, "error", err)
		} else {
			a.logger.Info("migrated legacy entry",
				"store", a.name, "legacy_key", src.Key, "version", env.Version)
		}
		return env, nil
	}

	return nil, nil
}

func (a *Adapter) save(env *Envelope) error {
	if !a.keys.IsUnlocked() {
		return nil
	}

	if err := a.persist(env, OriginSave); err != nil {
		return err
	}

	// Best effort: a save supersedes any legacy copies that a locked-state
	// migration left behind.
	a.removeLegacyCopies()
	return nil
}

// persist seals the envelope and writes it to the snapshots table, updating
// the newest existing row or inserting when there is none (or when the
// update fails).
func (a *Adapter) persist(env *Envelope, origin string) error {
	plaintext, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if !security.ValidPayloadSize(len(plaintext)) {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes",
			ErrPayloadTooLarge, len(plaintext), security.MaxPayloadSize)
	}

	blob, err := a.keys.Encrypt(plaintext)
	if err != nil {
		return err
	}

	rows, err := a.store.RowsByKey(a.name)
	if err != nil {
		return err
	}

	if len(rows) > 0 {
		if err := a.store.UpdateRow(rows[0].ID, blob); err == nil {
			return nil
		} else if err != ErrRowNotFound {
			a.logger.Warn("snapshot update failed, inserting new row",
				"store", a.name, "error", err)
		}
	}

	_, err = a.store.InsertRow(a.name, blob, origin)
	return err
}

func (a *Adapter) clear() error {
	if _, err := a.store.DeleteRowsByKey(a.name); err != nil {
		return err
	}

	if a.legacy != nil {
		for _, src := range a.chain {
			if err := a.legacy.Delete(src.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeLegacyCopies deletes every legacy key in the chain, logging
// failures without surfacing them.
func (a *Adapter) removeLegacyCopies() {
	if a.legacy == nil {
		return
	}
	for _, src := range a.chain {
		if err := a.legacy.Delete(src.Key); err != nil {
			a.logger.Warn("failed to remove superseded legacy entry",
				"store", a.name, "legacy_key", src.Key, "error", err)
		}
	}
}

// validateStoreName enforces the store naming rules: non-empty, bounded
// length, restricted charset, no leading dot or dash.
func validateStoreName(name string) error {
	if len(name) < security.MinStoreNameLength {
		return ErrNameEmpty
	}
	if len(name) > security.MaxStoreNameLength {
		return ErrNameTooLong
	}
	for _, r := range name {
		if !security.ValidStoreNameRune(r) {
			return fmt.Errorf("%w: %q is not allowed", ErrNameInvalid, r)
		}
	}
	if name[0] == '.' || name[0] == '-' {
		return fmt.Errorf("%w: cannot start with '.' or '-'", ErrNameInvalid)
	}
	return nil
}
