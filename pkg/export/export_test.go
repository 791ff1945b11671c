package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/forest6511/vitalstore/pkg/crypto"
	"github.com/forest6511/vitalstore/pkg/store"
)

// testKeys is a KeyHolder over a fixed session key.
type testKeys struct {
	mu       sync.Mutex
	unlocked bool
	key      []byte
}

func newTestKeys(seed byte) *testKeys {
	key := bytes.Repeat([]byte{seed}, 32)
	return &testKeys{unlocked: true, key: key}
}

func (k *testKeys) IsUnlocked() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.unlocked
}

func (k *testKeys) lock() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.unlocked = false
}

func (k *testKeys) Encrypt(plaintext []byte) ([]byte, error) {
	if !k.IsUnlocked() {
		return nil, errors.New("test keys: locked")
	}
	return crypto.EncryptBlob(k.key, plaintext)
}

func (k *testKeys) Decrypt(blob []byte) ([]byte, error) {
	if !k.IsUnlocked() {
		return nil, errors.New("test keys: locked")
	}
	return crypto.DecryptBlob(k.key, blob)
}

func newExportStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedStore writes an encrypted envelope row directly.
func seedStore(t *testing.T, st *store.Store, keys *testKeys, name, state string, version int) {
	t.Helper()
	env := &store.Envelope{State: json.RawMessage(state), Version: version}
	plaintext, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	blob, err := keys.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt envelope: %v", err)
	}
	if _, err := st.InsertRow(name, blob, store.OriginSave); err != nil {
		t.Fatalf("InsertRow failed: %v", err)
	}
}

func createBundle(t *testing.T, st *store.Store, keys *testKeys, opts CreateOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	opts.Output = &buf
	if _, err := Create(st, keys, opts); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return buf.Bytes()
}

func writeBundleFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "health.vitalbundle")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	src := newExportStore(t)
	srcKeys := newTestKeys(1)
	seedStore(t, src, srcKeys, "pain-entries", `{"entries":[{"id":1,"level":4}]}`, 3)
	seedStore(t, src, srcKeys, "settings", `{"theme":"dark"}`, 1)

	pass := []byte("bundle passphrase")
	data := createBundle(t, src, srcKeys, CreateOptions{Passphrase: pass})
	path := writeBundleFile(t, data)

	// The target device has its own session key.
	dst := newExportStore(t)
	dstKeys := newTestKeys(42)

	result, err := Restore(path, dst, dstKeys, RestoreOptions{Passphrase: pass})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	want := []string{"pain-entries", "settings"}
	if !reflect.DeepEqual(result.StoresRestored, want) {
		t.Errorf("StoresRestored = %v, want %v", result.StoresRestored, want)
	}
	if len(result.StoresSkipped) != 0 {
		t.Errorf("StoresSkipped = %v, want none", result.StoresSkipped)
	}

	rows, err := dst.RowsByKey("pain-entries")
	if err != nil {
		t.Fatalf("RowsByKey failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want 1", len(rows))
	}
	if rows[0].Origin != store.OriginRestore {
		t.Errorf("Origin = %q, want %q", rows[0].Origin, store.OriginRestore)
	}

	plaintext, err := dstKeys.Decrypt(rows[0].Payload)
	if err != nil {
		t.Fatalf("restored row does not decrypt with target key: %v", err)
	}
	var env store.Envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		t.Fatalf("restored payload did not parse: %v", err)
	}
	if env.Version != 3 {
		t.Errorf("Version = %d, want 3", env.Version)
	}
	if string(env.State) != `{"entries":[{"id":1,"level":4}]}` {
		t.Errorf("State = %s", env.State)
	}
}

func TestCreateRequiresUnlockedSession(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)
	keys.lock()

	var buf bytes.Buffer
	_, err := Create(st, keys, CreateOptions{Output: &buf, Passphrase: []byte("p")})
	if !errors.Is(err, ErrSessionLocked) {
		t.Errorf("Create while locked = %v, want ErrSessionLocked", err)
	}
}

func TestCreateRequiresPassphraseOrKeyFile(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)

	var buf bytes.Buffer
	_, err := Create(st, keys, CreateOptions{Output: &buf})
	if !errors.Is(err, ErrEmptyPassphrase) {
		t.Errorf("Create without credentials = %v, want ErrEmptyPassphrase", err)
	}
}

func TestCreateExplicitStoreWithoutData(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)

	var buf bytes.Buffer
	_, err := Create(st, keys, CreateOptions{
		Output:     &buf,
		Passphrase: []byte("p"),
		Stores:     []string{"sleep-log"},
	})
	if err == nil || !strings.Contains(err.Error(), "no data") {
		t.Errorf("Create of empty explicit store = %v, want no-data error", err)
	}
}

func TestCreateSubset(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)
	seedStore(t, st, keys, "pain-entries", `{"entries":[]}`, 1)
	seedStore(t, st, keys, "settings", `{"theme":"dark"}`, 1)

	var buf bytes.Buffer
	result, err := Create(st, keys, CreateOptions{
		Output:     &buf,
		Passphrase: []byte("p"),
		Stores:     []string{"settings"},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !reflect.DeepEqual(result.Stores, []string{"settings"}) {
		t.Errorf("Stores = %v, want [settings]", result.Stores)
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)
	seedStore(t, st, keys, "settings", `{"theme":"dark"}`, 1)

	data := createBundle(t, st, keys, CreateOptions{Passphrase: []byte("right")})
	path := writeBundleFile(t, data)

	dst := newExportStore(t)
	_, err := Restore(path, dst, newTestKeys(2), RestoreOptions{Passphrase: []byte("wrong")})
	if !errors.Is(err, ErrIntegrityFailed) {
		t.Errorf("Restore with wrong passphrase = %v, want ErrIntegrityFailed", err)
	}
}

func TestRestoreConflictModes(t *testing.T) {
	pass := []byte("p")

	makeBundle := func(t *testing.T) string {
		src := newExportStore(t)
		srcKeys := newTestKeys(1)
		seedStore(t, src, srcKeys, "settings", `{"theme":"light"}`, 2)
		return writeBundleFile(t, createBundle(t, src, srcKeys, CreateOptions{Passphrase: pass}))
	}

	t.Run("error", func(t *testing.T) {
		path := makeBundle(t)
		dst := newExportStore(t)
		dstKeys := newTestKeys(2)
		seedStore(t, dst, dstKeys, "settings", `{"theme":"dark"}`, 1)

		_, err := Restore(path, dst, dstKeys, RestoreOptions{Passphrase: pass, OnConflict: ConflictError})
		if !errors.Is(err, ErrStoreConflict) {
			t.Errorf("Restore = %v, want ErrStoreConflict", err)
		}
	})

	t.Run("skip", func(t *testing.T) {
		path := makeBundle(t)
		dst := newExportStore(t)
		dstKeys := newTestKeys(2)
		seedStore(t, dst, dstKeys, "settings", `{"theme":"dark"}`, 1)

		result, err := Restore(path, dst, dstKeys, RestoreOptions{Passphrase: pass, OnConflict: ConflictSkip})
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if !reflect.DeepEqual(result.StoresSkipped, []string{"settings"}) {
			t.Errorf("StoresSkipped = %v, want [settings]", result.StoresSkipped)
		}

		rows, _ := dst.RowsByKey("settings")
		plaintext, err := dstKeys.Decrypt(rows[0].Payload)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !strings.Contains(string(plaintext), "dark") {
			t.Errorf("skipped store was modified: %s", plaintext)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		path := makeBundle(t)
		dst := newExportStore(t)
		dstKeys := newTestKeys(2)
		seedStore(t, dst, dstKeys, "settings", `{"theme":"dark"}`, 1)
		seedStore(t, dst, dstKeys, "settings", `{"theme":"darker"}`, 1)

		result, err := Restore(path, dst, dstKeys, RestoreOptions{Passphrase: pass, OnConflict: ConflictOverwrite})
		if err != nil {
			t.Fatalf("Restore failed: %v", err)
		}
		if !reflect.DeepEqual(result.StoresRestored, []string{"settings"}) {
			t.Errorf("StoresRestored = %v", result.StoresRestored)
		}

		rows, err := dst.RowsByKey("settings")
		if err != nil {
			t.Fatalf("RowsByKey failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("row count after overwrite = %d, want 1", len(rows))
		}
		plaintext, _ := dstKeys.Decrypt(rows[0].Payload)
		if !strings.Contains(string(plaintext), "light") {
			t.Errorf("overwritten store = %s, want bundle contents", plaintext)
		}
	})
}

func TestRestoreDryRunWhileLocked(t *testing.T) {
	src := newExportStore(t)
	srcKeys := newTestKeys(1)
	seedStore(t, src, srcKeys, "sleep-log", `{"entries":[]}`, 1)

	pass := []byte("p")
	path := writeBundleFile(t, createBundle(t, src, srcKeys, CreateOptions{Passphrase: pass}))

	// A dry run needs the bundle credentials but not the vault.
	dst := newExportStore(t)
	lockedKeys := newTestKeys(2)
	lockedKeys.lock()

	result, err := Restore(path, dst, lockedKeys, RestoreOptions{Passphrase: pass, DryRun: true})
	if err != nil {
		t.Fatalf("dry-run Restore failed: %v", err)
	}
	if !result.DryRun {
		t.Error("DryRun flag not set")
	}
	if !reflect.DeepEqual(result.StoresRestored, []string{"sleep-log"}) {
		t.Errorf("StoresRestored = %v", result.StoresRestored)
	}

	keys, err := dst.LogicalKeys()
	if err != nil {
		t.Fatalf("LogicalKeys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("dry run wrote rows: %v", keys)
	}
}

func TestRestoreWhileLocked(t *testing.T) {
	src := newExportStore(t)
	srcKeys := newTestKeys(1)
	seedStore(t, src, srcKeys, "sleep-log", `{"entries":[]}`, 1)

	pass := []byte("p")
	path := writeBundleFile(t, createBundle(t, src, srcKeys, CreateOptions{Passphrase: pass}))

	dst := newExportStore(t)
	lockedKeys := newTestKeys(2)
	lockedKeys.lock()

	_, err := Restore(path, dst, lockedKeys, RestoreOptions{Passphrase: pass})
	if !errors.Is(err, ErrSessionLocked) {
		t.Errorf("Restore while locked = %v, want ErrSessionLocked", err)
	}
}

func TestVerify(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)
	seedStore(t, st, keys, "settings", `{"theme":"dark"}`, 1)

	pass := []byte("p")
	data := createBundle(t, st, keys, CreateOptions{Passphrase: pass})
	path := writeBundleFile(t, data)

	result, err := Verify(path, pass, "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Fatalf("Valid = false: %s", result.Error)
	}
	if result.Version != FormatVersion {
		t.Errorf("Version = %d, want %d", result.Version, FormatVersion)
	}
	if result.StoreCount != 1 {
		t.Errorf("StoreCount = %d, want 1", result.StoreCount)
	}

	// Flip one ciphertext byte; the HMAC has to catch it.
	tampered := append([]byte(nil), data...)
	tampered[len(tampered)-HMACLength-1] ^= 0xFF
	tamperedPath := writeBundleFile(t, tampered)

	result, err = Verify(tamperedPath, pass, "")
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if result.Valid {
		t.Error("tampered bundle verified")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "bundle.key")
	if err := GenerateKeyFile(keyPath); err != nil {
		t.Fatalf("GenerateKeyFile failed: %v", err)
	}
	if err := GenerateKeyFile(keyPath); err == nil {
		t.Error("GenerateKeyFile overwrote an existing key file")
	}

	src := newExportStore(t)
	srcKeys := newTestKeys(1)
	seedStore(t, src, srcKeys, "energy-budget", `{"entries":[{"spent":3}]}`, 2)

	data := createBundle(t, src, srcKeys, CreateOptions{KeyFile: keyPath})
	path := writeBundleFile(t, data)

	dst := newExportStore(t)
	result, err := Restore(path, dst, newTestKeys(9), RestoreOptions{KeyFile: keyPath})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !reflect.DeepEqual(result.StoresRestored, []string{"energy-budget"}) {
		t.Errorf("StoresRestored = %v", result.StoresRestored)
	}

	// Without the key file the bundle stays shut.
	if _, err := Restore(path, dst, newTestKeys(9), RestoreOptions{Passphrase: []byte("guess")}); err == nil {
		t.Error("key-file bundle opened with a passphrase")
	}
}

func TestReadKeyFileWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.key")
	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadKeyFile(path); !errors.Is(err, ErrInvalidKeyFile) {
		t.Errorf("ReadKeyFile = %v, want ErrInvalidKeyFile", err)
	}
}

func TestReadHeaderRejectsWrongMagic(t *testing.T) {
	data := []byte("NOT_A_BUNDLE_AT_ALL_____________________________")
	if _, err := ReadHeader(bytes.NewReader(data)); !errors.Is(err, ErrInvalidMagic) {
		t.Errorf("ReadHeader = %v, want ErrInvalidMagic", err)
	}
}

func TestRestoreTruncatedBundle(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)
	seedStore(t, st, keys, "settings", `{"theme":"dark"}`, 1)

	data := createBundle(t, st, keys, CreateOptions{Passphrase: []byte("p")})
	path := writeBundleFile(t, data[:len(data)-HMACLength-4])

	dst := newExportStore(t)
	_, err := Restore(path, dst, newTestKeys(2), RestoreOptions{Passphrase: []byte("p")})
	if !errors.Is(err, ErrBundleTruncated) {
		t.Errorf("Restore of truncated bundle = %v, want ErrBundleTruncated", err)
	}
}

func TestBundleIncludesAudit(t *testing.T) {
	src := newExportStore(t)
	srcKeys := newTestKeys(1)
	seedStore(t, src, srcKeys, "settings", `{"theme":"dark"}`, 1)

	auditDir := filepath.Join(src.Path(), "audit")
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		t.Fatal(err)
	}
	line := `{"v":1,"op":"vault.unlock"}` + "\n"
	if err := os.WriteFile(filepath.Join(auditDir, "2026-08.jsonl"), []byte(line), 0600); err != nil {
		t.Fatal(err)
	}

	pass := []byte("p")
	var buf bytes.Buffer
	result, err := Create(src, srcKeys, CreateOptions{Output: &buf, Passphrase: pass, IncludeAudit: true})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if result.AuditFiles != 1 {
		t.Errorf("AuditFiles = %d, want 1", result.AuditFiles)
	}

	path := writeBundleFile(t, buf.Bytes())
	dst := newExportStore(t)
	restored, err := Restore(path, dst, newTestKeys(2), RestoreOptions{Passphrase: pass, WithAudit: true})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored.AuditRestored {
		t.Error("AuditRestored = false")
	}

	got, err := os.ReadFile(filepath.Join(dst.Path(), "audit", "2026-08.jsonl"))
	if err != nil {
		t.Fatalf("restored audit file missing: %v", err)
	}
	if string(got) != line {
		t.Errorf("audit file = %q, want %q", got, line)
	}
}

func TestRestoreAuditRejectsPathNames(t *testing.T) {
	dir := t.TempDir()
	err := restoreAudit(dir, map[string][]byte{"../escape.jsonl": []byte("x")})
	if err == nil {
		t.Error("restoreAudit accepted a path-traversal name")
	}
	err = restoreAudit(dir, map[string][]byte{"notes.txt": []byte("x")})
	if err == nil {
		t.Error("restoreAudit accepted a non-jsonl name")
	}
}

func TestWritePlain(t *testing.T) {
	st := newExportStore(t)
	keys := newTestKeys(1)
	seedStore(t, st, keys, "pain-entries", `{"entries":[{"id":1,"level":4}]}`, 2)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WritePlain(&buf, st, keys, nil, FormatJSON); err != nil {
			t.Fatalf("WritePlain failed: %v", err)
		}

		var doc PlainDocument
		if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
			t.Fatalf("output did not parse: %v", err)
		}
		ps, ok := doc.Stores["pain-entries"]
		if !ok {
			t.Fatalf("pain-entries missing from %v", doc.Stores)
		}
		if ps.Version != 2 {
			t.Errorf("Version = %d, want 2", ps.Version)
		}
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WritePlain(&buf, st, keys, nil, FormatYAML); err != nil {
			t.Fatalf("WritePlain failed: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "pain-entries") || !strings.Contains(out, "level: 4") {
			t.Errorf("yaml output missing expected content:\n%s", out)
		}
	})

	t.Run("unknown format", func(t *testing.T) {
		var buf bytes.Buffer
		err := WritePlain(&buf, st, keys, nil, "xml")
		if !errors.Is(err, ErrUnknownFormat) {
			t.Errorf("WritePlain = %v, want ErrUnknownFormat", err)
		}
	})

	t.Run("locked", func(t *testing.T) {
		locked := newTestKeys(1)
		locked.lock()
		var buf bytes.Buffer
		err := WritePlain(&buf, st, locked, nil, FormatJSON)
		if !errors.Is(err, ErrSessionLocked) {
			t.Errorf("WritePlain while locked = %v, want ErrSessionLocked", err)
		}
	})
}

func TestDeriveBundleKeysDistinct(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatal(err)
	}
	encKey, macKey, err := DeriveBundleKeys([]byte("p"), salt)
	if err != nil {
		t.Fatalf("DeriveBundleKeys failed: %v", err)
	}
	if bytes.Equal(encKey, macKey) {
		t.Error("encryption and MAC keys are identical")
	}
	if len(encKey) != KeyLength || len(macKey) != KeyLength {
		t.Errorf("key lengths = %d, %d, want %d", len(encKey), len(macKey), KeyLength)
	}
}
