package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/forest6511/vitalstore/pkg/crypto"
)

// fakeKeys is a KeyHolder with a switchable lock state, backed by the real
// AEAD so wrong-key decryption fails the way the vault's does.
type fakeKeys struct {
	mu       sync.Mutex
	unlocked bool
	key      []byte
}

func newFakeKeys(seed byte) *fakeKeys {
	key := make([]byte, crypto.KeyLength)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return &fakeKeys{unlocked: true, key: key}
}

func (f *fakeKeys) IsUnlocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unlocked
}

func (f *fakeKeys) setUnlocked(v bool) {
	f.mu.Lock()
	f.unlocked = v
	f.mu.Unlock()
}

func (f *fakeKeys) Encrypt(plaintext []byte) ([]byte, error) {
	if !f.IsUnlocked() {
		return nil, errors.New("fake: locked")
	}
	return crypto.EncryptBlob(f.key, plaintext)
}

func (f *fakeKeys) Decrypt(blob []byte) ([]byte, error) {
	if !f.IsUnlocked() {
		return nil, errors.New("fake: locked")
	}
	return crypto.DecryptBlob(f.key, blob)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestAdapter(t *testing.T, st *Store, keys KeyHolder, cfg AdapterConfig) *Adapter {
	t.Helper()
	a, err := NewAdapter(st, keys, cfg)
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

// entriesSource reshapes the pre-engine export format, a plain JSON object
// with an entries array, into a version 1 envelope.
func entriesSource(key string) LegacySource {
	return LegacySource{
		Key: key,
		Reshape: func(data []byte) (*Envelope, error) {
			var blob struct {
				Entries json.RawMessage `json:"entries"`
			}
			if err := json.Unmarshal(data, &blob); err != nil {
				return nil, err
			}
			if len(blob.Entries) == 0 {
				return nil, errors.New("missing entries array")
			}
			return &Envelope{State: data, Version: 1}, nil
		},
	}
}

func writeLegacyFile(t *testing.T, st *Store, key, content string) string {
	t.Helper()
	dir := filepath.Join(st.Path(), "legacy")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("failed to create legacy dir: %v", err)
	}
	path := filepath.Join(dir, key+".json")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write legacy file: %v", err)
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestAdapterRoundTrip(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	a := newTestAdapter(t, st, keys, AdapterConfig{Name: "pain-entries"})
	ctx := context.Background()

	env, err := NewEnvelope(map[string]any{"entries": []int{1, 2, 3}}, 2)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected an envelope, got nil")
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	if string(got.State) != string(env.State) {
		t.Errorf("state changed across round trip: %s != %s", got.State, env.State)
	}
}

func TestAdapterLoadFirstRun(t *testing.T) {
	st := newTestStore(t)
	a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{Name: "sleep-log"})

	env, err := a.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env != nil {
		t.Errorf("expected nil for an empty store, got %+v", env)
	}
}

func TestAdapterLoadLockedRowPresent(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	a := newTestAdapter(t, st, keys, AdapterConfig{Name: "pain-entries"})
	ctx := context.Background()

	env, _ := NewEnvelope(map[string]int{"x": 7}, 1)
	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	keys.setUnlocked(false)

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load while locked returned error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil while locked, got %+v", got)
	}

	keys.setUnlocked(true)

	got, err = a.Load(ctx)
	if err != nil {
		t.Fatalf("Load after unlock failed: %v", err)
	}
	if got == nil || got.Version != 1 {
		t.Errorf("expected the saved envelope after unlock, got %+v", got)
	}
}

func TestAdapterSaveWhileLocked(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	keys.setUnlocked(false)
	a := newTestAdapter(t, st, keys, AdapterConfig{Name: "pain-entries"})
	ctx := context.Background()

	env, _ := NewEnvelope(map[string]int{"x": 1}, 1)
	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save while locked should succeed, got %v", err)
	}

	count, err := st.CountByKey("pain-entries")
	if err != nil {
		t.Fatalf("CountByKey failed: %v", err)
	}
	if count != 0 {
		t.Errorf("locked save wrote %d rows, expected none", count)
	}

	keys.setUnlocked(true)
	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil after a dropped locked save, got %+v", got)
	}
}

func TestAdapterDecryptionFailureKeepsRow(t *testing.T) {
	st := newTestStore(t)
	writer := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{Name: "pain-entries"})
	ctx := context.Background()

	env, _ := NewEnvelope(map[string]int{"x": 1}, 1)
	if err := writer.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A different key simulates unlocking with the wrong passphrase after a
	// keyring rebuild.
	reader := newTestAdapter(t, st, newFakeKeys(200), AdapterConfig{Name: "pain-entries"})

	_, err := reader.Load(ctx)
	if err != crypto.ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}

	count, err := st.CountByKey("pain-entries")
	if err != nil {
		t.Fatalf("CountByKey failed: %v", err)
	}
	if count != 1 {
		t.Errorf("row count after failed decrypt = %d, the row must survive", count)
	}

	// The right key can still read it.
	got, err := writer.Load(ctx)
	if err != nil {
		t.Fatalf("Load with the right key failed: %v", err)
	}
	if got == nil || got.Version != 1 {
		t.Errorf("expected original envelope, got %+v", got)
	}
}

func TestAdapterSaveUpdatesInPlace(t *testing.T) {
	st := newTestStore(t)
	a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{Name: "energy-budget"})
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		env, _ := NewEnvelope(map[string]int{"budget": v * 10}, v)
		if err := a.Save(ctx, env); err != nil {
			t.Fatalf("Save %d failed: %v", v, err)
		}
	}

	count, err := st.CountByKey("energy-budget")
	if err != nil {
		t.Fatalf("CountByKey failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected repeated saves to reuse one row, got %d rows", count)
	}

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("expected last save to win, got version %d", got.Version)
	}
}

func TestAdapterSequentialSavesLastWins(t *testing.T) {
	st := newTestStore(t)
	a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{Name: "pain-entries"})
	ctx := context.Background()

	e1, _ := NewEnvelope(map[string]string{"note": "first"}, 1)
	e2, _ := NewEnvelope(map[string]string{"note": "second"}, 2)

	// Issue both without inspecting the first result, the way an app layer
	// fires saves on every state change.
	errs := make(chan error, 2)
	go func() {
		errs <- a.Save(ctx, e1)
		errs <- a.Save(ctx, e2)
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("expected the second save to win, got version %d", got.Version)
	}
	var state struct {
		Note string `json:"note"`
	}
	if err := got.DecodeState(&state); err != nil {
		t.Fatalf("DecodeState failed: %v", err)
	}
	if state.Note != "second" {
		t.Errorf("expected state from the second save, got %q", state.Note)
	}
}

// TestAdapterFirstRunFlow walks the first ever launch of a store: nothing
// persisted, vault locked, then unlocked, then the first save.
func TestAdapterFirstRunFlow(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	keys.setUnlocked(false)
	a := newTestAdapter(t, st, keys, AdapterConfig{Name: "widget"})
	ctx := context.Background()

	env, err := a.Load(ctx)
	if err != nil || env != nil {
		t.Fatalf("locked first load: expected nil, nil; got %+v, %v", env, err)
	}

	keys.setUnlocked(true)

	env, err = a.Load(ctx)
	if err != nil || env != nil {
		t.Fatalf("unlocked first load: expected nil, nil; got %+v, %v", env, err)
	}

	saved, _ := NewEnvelope(map[string]int{"x": 1}, 1)
	if err := a.Save(ctx, saved); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	env, err = a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env == nil {
		t.Fatal("expected the saved envelope")
	}
	if env.Version != 1 {
		t.Errorf("expected version 1, got %d", env.Version)
	}
	var state struct {
		X int `json:"x"`
	}
	if err := env.DecodeState(&state); err != nil {
		t.Fatalf("DecodeState failed: %v", err)
	}
	if state.X != 1 {
		t.Errorf("expected x=1, got %d", state.X)
	}
}

// TestAdapterLegacyMigration covers the unlocked cascade: the legacy blob
// is recovered, re-encrypted into the table, and only then deleted.
func TestAdapterLegacyMigration(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	a := newTestAdapter(t, st, keys, AdapterConfig{
		Name:   "pain-entries",
		Legacy: []LegacySource{entriesSource("pain_entries")},
	})
	ctx := context.Background()

	legacyPath := writeLegacyFile(t, st, "pain_entries", `{"entries":[{"id":1}]}`)

	env, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env == nil {
		t.Fatal("expected an envelope recovered from the legacy blob")
	}
	if env.Version != 1 {
		t.Errorf("expected derived version 1, got %d", env.Version)
	}
	if string(env.State) != `{"entries":[{"id":1}]}` {
		t.Errorf("unexpected derived state: %s", env.State)
	}

	rows, err := st.RowsByKey("pain-entries")
	if err != nil {
		t.Fatalf("RowsByKey failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 encrypted row after migration, got %d", len(rows))
	}
	if rows[0].Origin != OriginMigration {
		t.Errorf("expected origin %q, got %q", OriginMigration, rows[0].Origin)
	}
	if strings.Contains(string(rows[0].Payload), "entries") {
		t.Error("row payload contains plaintext")
	}

	if fileExists(legacyPath) {
		t.Error("legacy file still exists after successful migration")
	}

	// A second load reads the migrated row and returns the same value.
	again, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("second Load failed: %v", err)
	}
	if again == nil || string(again.State) != string(env.State) || again.Version != env.Version {
		t.Errorf("second load differs from first: %+v vs %+v", again, env)
	}
}

// TestAdapterLegacyDeferredWhileLocked covers the locked cascade: the value
// is served from the legacy blob, but nothing is written or deleted until
// an unlocked load completes the migration.
func TestAdapterLegacyDeferredWhileLocked(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	keys.setUnlocked(false)
	a := newTestAdapter(t, st, keys, AdapterConfig{
		Name:   "pain-entries",
		Legacy: []LegacySource{entriesSource("pain_entries")},
	})
	ctx := context.Background()

	legacyPath := writeLegacyFile(t, st, "pain_entries", `{"entries":[{"id":1}]}`)

	env, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env == nil {
		t.Fatal("expected an envelope derived from the legacy blob")
	}
	if env.Version != 1 {
		t.Errorf("expected derived version 1, got %d", env.Version)
	}

	if !fileExists(legacyPath) {
		t.Error("legacy file was deleted during a locked load")
	}
	count, err := st.CountByKey("pain-entries")
	if err != nil {
		t.Fatalf("CountByKey failed: %v", err)
	}
	if count != 0 {
		t.Errorf("locked load wrote %d rows, expected none", count)
	}

	// Unlocking completes the deferred migration on the next load.
	keys.setUnlocked(true)

	env, err = a.Load(ctx)
	if err != nil {
		t.Fatalf("unlocked Load failed: %v", err)
	}
	if env == nil || env.Version != 1 {
		t.Fatalf("expected migrated envelope, got %+v", env)
	}
	if fileExists(legacyPath) {
		t.Error("legacy file still exists after unlocked migration")
	}
	count, _ = st.CountByKey("pain-entries")
	if count != 1 {
		t.Errorf("expected 1 encrypted row, got %d", count)
	}
}

func TestAdapterLegacyNewestFormatWins(t *testing.T) {
	st := newTestStore(t)
	a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{
		Name: "pain-entries",
		Legacy: []LegacySource{
			EnvelopeSource("pain_entries_v2"),
			entriesSource("pain_entries"),
		},
	})
	ctx := context.Background()

	newer := writeLegacyFile(t, st, "pain_entries_v2", `{"state":{"entries":[{"id":9}]},"version":3}`)
	older := writeLegacyFile(t, st, "pain_entries", `{"entries":[{"id":1}]}`)

	env, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env == nil || env.Version != 3 {
		t.Fatalf("expected the newer format's envelope, got %+v", env)
	}

	if fileExists(newer) {
		t.Error("consumed legacy file still exists")
	}
	// The older generation is left alone until a save supersedes it.
	if !fileExists(older) {
		t.Error("older legacy file was deleted without being consumed")
	}

	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if fileExists(older) {
		t.Error("older legacy file survived a save")
	}
}

func TestAdapterCorruptLegacyRemoved(t *testing.T) {
	t.Run("unlocked falls through to older source", func(t *testing.T) {
		st := newTestStore(t)
		a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{
			Name: "pain-entries",
			Legacy: []LegacySource{
				EnvelopeSource("pain_entries_v2"),
				entriesSource("pain_entries"),
			},
		})

		corrupt := writeLegacyFile(t, st, "pain_entries_v2", `{not json!`)
		valid := writeLegacyFile(t, st, "pain_entries", `{"entries":[{"id":1}]}`)

		env, err := a.Load(context.Background())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if env == nil || env.Version != 1 {
			t.Fatalf("expected recovery from the older source, got %+v", env)
		}

		if fileExists(corrupt) {
			t.Error("corrupt legacy file was not removed")
		}
		if fileExists(valid) {
			t.Error("consumed legacy file still exists")
		}
	})

	t.Run("locked still removes corrupt entries", func(t *testing.T) {
		st := newTestStore(t)
		keys := newFakeKeys(1)
		keys.setUnlocked(false)
		a := newTestAdapter(t, st, keys, AdapterConfig{
			Name:   "pain-entries",
			Legacy: []LegacySource{EnvelopeSource("pain_entries_v2")},
		})

		corrupt := writeLegacyFile(t, st, "pain_entries_v2", `garbage`)

		env, err := a.Load(context.Background())
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if env != nil {
			t.Errorf("expected nil, got %+v", env)
		}
		if fileExists(corrupt) {
			t.Error("corrupt legacy file was not removed")
		}
	})
}

// stickyLegacy wraps a LegacyDir and refuses deletes on demand.
type stickyLegacy struct {
	*LegacyDir
	refuseDelete bool
}

func (s *stickyLegacy) Delete(key string) error {
	if s.refuseDelete {
		return errors.New("delete refused")
	}
	return s.LegacyDir.Delete(key)
}

func TestAdapterLegacyDeleteFailureAfterDurableWrite(t *testing.T) {
	st := newTestStore(t)
	sticky := &stickyLegacy{
		LegacyDir:    NewLegacyDir(filepath.Join(st.Path(), "legacy")),
		refuseDelete: true,
	}
	a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{
		Name:        "pain-entries",
		Legacy:      []LegacySource{entriesSource("pain_entries")},
		LegacyStore: sticky,
	})
	ctx := context.Background()

	legacyPath := writeLegacyFile(t, st, "pain_entries", `{"entries":[{"id":1}]}`)

	// The encrypted row lands, so the load succeeds even though the legacy
	// copy could not be removed.
	env, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if env == nil || env.Version != 1 {
		t.Fatalf("expected migrated envelope, got %+v", env)
	}
	count, _ := st.CountByKey("pain-entries")
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
	if !fileExists(legacyPath) {
		t.Fatal("legacy file should remain when its delete fails")
	}

	// The next save cleans up the leftover.
	sticky.refuseDelete = false
	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if fileExists(legacyPath) {
		t.Error("leftover legacy file survived a save")
	}
}

func TestAdapterClearIdempotent(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	a := newTestAdapter(t, st, keys, AdapterConfig{
		Name:   "pain-entries",
		Legacy: []LegacySource{entriesSource("pain_entries")},
	})
	ctx := context.Background()

	env, _ := NewEnvelope(map[string]int{"x": 1}, 1)
	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	legacyPath := writeLegacyFile(t, st, "pain_entries", `{"entries":[{"id":1}]}`)

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	count, _ := st.CountByKey("pain-entries")
	if count != 0 {
		t.Errorf("expected 0 rows after clear, got %d", count)
	}
	if fileExists(legacyPath) {
		t.Error("legacy file survived clear")
	}

	got, err := a.Load(ctx)
	if err != nil || got != nil {
		t.Errorf("expected nil, nil after clear; got %+v, %v", got, err)
	}

	// Clearing an already empty store succeeds.
	if err := a.Clear(ctx); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestAdapterClearWhileLocked(t *testing.T) {
	st := newTestStore(t)
	keys := newFakeKeys(1)
	a := newTestAdapter(t, st, keys, AdapterConfig{Name: "pain-entries"})
	ctx := context.Background()

	env, _ := NewEnvelope(map[string]int{"x": 1}, 1)
	if err := a.Save(ctx, env); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Clear needs no key material; it only deletes.
	keys.setUnlocked(false)
	if err := a.Clear(ctx); err != nil {
		t.Fatalf("Clear while locked failed: %v", err)
	}

	count, _ := st.CountByKey("pain-entries")
	if count != 0 {
		t.Errorf("expected 0 rows, got %d", count)
	}
}

func TestAdapterPayloadTooLarge(t *testing.T) {
	st := newTestStore(t)
	a := newTestAdapter(t, st, newFakeKeys(1), AdapterConfig{Name: "pain-entries"})

	big := strings.Repeat("a", 1024*1024+1)
	env, err := NewEnvelope(map[string]string{"blob": big}, 1)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	err = a.Save(context.Background(), env)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestAdapterCloseRejectsFurtherOps(t *testing.T) {
	st := newTestStore(t)
	a, err := NewAdapter(st, newFakeKeys(1), AdapterConfig{Name: "pain-entries"})
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}
	a.Close()

	if _, err := a.Load(context.Background()); err != ErrSerializerClosed {
		t.Errorf("expected ErrSerializerClosed, got %v", err)
	}
}

func TestValidateStoreName(t *testing.T) {
	tests := []struct {
		name    string
		store   string
		wantErr error
	}{
		{"simple", "pain-entries", nil},
		{"single char", "a", nil},
		{"with dots", "settings.v2", nil},
		{"with underscore", "sleep_log", nil},
		{"empty", "", ErrNameEmpty},
		{"too long", strings.Repeat("a", 129), ErrNameTooLong},
		{"space", "pain entries", ErrNameInvalid},
		{"slash", "pain/entries", ErrNameInvalid},
		{"unicode", "données", ErrNameInvalid},
		{"leading dot", ".hidden", ErrNameInvalid},
		{"leading dash", "-flag", ErrNameInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStoreName(tt.store)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("validateStoreName(%q) = %v, want nil", tt.store, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateStoreName(%q) = %v, want %v", tt.store, err, tt.wantErr)
			}
		})
	}
}
