package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LegacyStore reads and deletes entries left behind by earlier storage
// formats. Implementations hold plaintext the engine is migrating away
// from; the cascade is their only consumer.
type LegacyStore interface {
	// Read returns the raw bytes stored under key. found is false when the
	// key is absent; absence is never an error.
	Read(key string) (data []byte, found bool, err error)

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error
}

// LegacySource is one probe step in a migration cascade: the legacy key to
// look under and the reshape that turns its raw bytes into an envelope.
// Chains are ordered newest format first.
type LegacySource struct {
	Key     string
	Reshape func(data []byte) (*Envelope, error)
}

// EnvelopeSource builds the cascade step for a legacy key that already
// holds a whole envelope as plaintext JSON.
func EnvelopeSource(key string) LegacySource {
	return LegacySource{Key: key, Reshape: DecodeEnvelope}
}

// LegacyDir is a LegacyStore over per-key JSON files in a single
// directory, the layout earlier releases of the app wrote.
type LegacyDir struct {
	dir string
}

// NewLegacyDir returns a LegacyStore reading from dir. The directory does
// not have to exist; a missing directory reads as an empty store.
func NewLegacyDir(dir string) *LegacyDir {
	return &LegacyDir{dir: dir}
}

// Read implements LegacyStore.
func (l *LegacyDir) Read(key string) ([]byte, bool, error) {
	path, err := l.filename(key)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to read legacy entry %q: %v", ErrStorageUnavailable, key, err)
	}
	return data, true, nil
}

// Delete implements LegacyStore.
func (l *LegacyDir) Delete(key string) error {
	path, err := l.filename(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete legacy entry %q: %v", ErrStorageUnavailable, key, err)
	}
	return nil
}

// Keys lists the legacy keys currently present. Used by status reporting;
// the cascade itself only probes known keys.
func (l *LegacyDir) Keys() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list legacy entries: %v", ErrStorageUnavailable, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}

// filename maps a legacy key to its file path. Keys with path separators
// are rejected so a bad chain entry cannot escape the legacy directory.
func (l *LegacyDir) filename(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("store: invalid legacy key %q", key)
	}
	return filepath.Join(l.dir, key+".json"), nil
}
