// Package export moves snapshot data between devices as a user-carried
// file. A bundle holds every exported store's decrypted envelope sealed
// under its own passphrase-derived key (or a raw key file), so it opens
// on a device whose vault uses a different passphrase. Restore re-seals
// each envelope under the target device's session key.
//
// Bundle layout: magic, JSON header with the KDF parameters, the sealed
// payload, and a trailing HMAC-SHA256 over everything before it. The
// header travels in the clear; store contents never do.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/forest6511/vitalstore/pkg/crypto"
	"github.com/forest6511/vitalstore/pkg/store"
)

// ConflictMode selects what Restore does when a target store already
// holds data.
type ConflictMode int

const (
	// ConflictError aborts the restore on the first store that already
	// has data.
	ConflictError ConflictMode = iota
	// ConflictSkip leaves stores that already have data untouched.
	ConflictSkip
	// ConflictOverwrite replaces the contents of conflicting stores.
	ConflictOverwrite
)

// CreateOptions configures bundle creation.
type CreateOptions struct {
	// Output receives the bundle bytes.
	Output io.Writer

	// Passphrase seals the bundle. Ignored when KeyFile is set.
	Passphrase []byte

	// KeyFile is the path of a raw 32-byte key to seal with instead of a
	// passphrase.
	KeyFile string

	// Stores limits the export to these store names. Empty exports every
	// store that has data.
	Stores []string

	// IncludeAudit adds the audit log files to the bundle.
	IncludeAudit bool
}

// CreateResult reports what went into a bundle.
type CreateResult struct {
	Stores     []string
	AuditFiles int
}

// RestoreOptions configures a bundle restore.
type RestoreOptions struct {
	Passphrase []byte
	KeyFile    string
	OnConflict ConflictMode

	// DryRun opens and verifies the bundle and reports what a restore
	// would write, without touching the store.
	DryRun bool

	// WithAudit writes the bundle's audit files into the audit directory,
	// overwriting files with the same name.
	WithAudit bool
}

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	StoresRestored []string
	StoresSkipped  []string
	AuditRestored  bool
	DryRun         bool
}

// VerifyResult reports a bundle's integrity and metadata.
type VerifyResult struct {
	Valid         bool
	Version       int
	CreatedAt     time.Time
	StoreCount    int
	IncludesAudit bool
	Error         string
}

// Create writes an encrypted bundle of the engine's stores. The vault has
// to be unlocked; envelopes are decrypted with the session key before they
// are re-sealed under the bundle key.
func Create(st *store.Store, keys store.KeyHolder, opts CreateOptions) (*CreateResult, error) {
	if opts.Output == nil {
		return nil, fmt.Errorf("export: output writer is required")
	}
	if !keys.IsUnlocked() {
		return nil, ErrSessionLocked
	}

	var (
		encKey, macKey []byte
		kdfParams      *KDFParams
		mode           EncryptionMode
		err            error
	)
	if opts.KeyFile != "" {
		encKey, macKey, err = keyFileKeys(opts.KeyFile)
		if err != nil {
			return nil, err
		}
		mode = EncryptionModeKeyFile
	} else {
		salt, saltErr := GenerateSalt()
		if saltErr != nil {
			return nil, saltErr
		}
		encKey, macKey, err = DeriveBundleKeys(opts.Passphrase, salt)
		if err != nil {
			return nil, err
		}
		kdfParams = &KDFParams{
			Salt:        salt,
			Memory:      crypto.Argon2Memory,
			Iterations:  crypto.Argon2Time,
			Parallelism: crypto.Argon2Threads,
		}
		mode = EncryptionModePassphrase
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	payload, err := collectPayload(st, keys, opts.Stores, opts.IncludeAudit)
	if err != nil {
		return nil, err
	}

	payloadBytes, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(payloadBytes)

	ciphertext, err := sealPayload(payloadBytes, encKey)
	if err != nil {
		return nil, err
	}

	header := &Header{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC(),
		EngineSchema:   store.CurrentSchemaVersion,
		EncryptionMode: mode,
		KDFParams:      kdfParams,
		IncludesAudit:  len(payload.Audit) > 0,
		StoreCount:     len(payload.Stores),
		ChecksumAlgo:   "hmac-sha256",
	}

	// Assemble in memory first so the HMAC covers header and ciphertext.
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return nil, err
	}
	if err := writeUint32(&buf, uint32(len(ciphertext))); err != nil {
		return nil, err
	}
	if _, err := buf.Write(ciphertext); err != nil {
		return nil, fmt.Errorf("export: failed to buffer ciphertext: %w", err)
	}

	mac := ComputeHMAC(buf.Bytes(), macKey)

	if _, err := opts.Output.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("export: failed to write bundle: %w", err)
	}
	if _, err := opts.Output.Write(mac); err != nil {
		return nil, fmt.Errorf("export: failed to write bundle HMAC: %w", err)
	}

	return &CreateResult{
		Stores:     sortedNames(payload.Stores),
		AuditFiles: len(payload.Audit),
	}, nil
}

// Restore opens a bundle and writes its envelopes back through per-store
// adapters, re-sealed under the current session key.
func Restore(bundlePath string, st *store.Store, keys store.KeyHolder, opts RestoreOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("export: failed to read bundle: %w", err)
	}

	_, payload, err := verifyAndDecrypt(data, opts.Passphrase, opts.KeyFile)
	if err != nil {
		return nil, err
	}

	if opts.DryRun {
		return &RestoreResult{
			StoresRestored: sortedNames(payload.Stores),
			AuditRestored:  opts.WithAudit && len(payload.Audit) > 0,
			DryRun:         true,
		}, nil
	}

	if !keys.IsUnlocked() {
		return nil, ErrSessionLocked
	}

	result := &RestoreResult{}
	for _, name := range sortedNames(payload.Stores) {
		count, err := st.CountByKey(name)
		if err != nil {
			return result, err
		}
		if count > 0 {
			switch opts.OnConflict {
			case ConflictError:
				return result, fmt.Errorf("%w: %q (choose skip or overwrite)", ErrStoreConflict, name)
			case ConflictSkip:
				result.StoresSkipped = append(result.StoresSkipped, name)
				continue
			case ConflictOverwrite:
				if _, err := st.DeleteRowsByKey(name); err != nil {
					return result, err
				}
			}
		}

		if err := restoreStore(st, keys, name, payload.Stores[name]); err != nil {
			return result, fmt.Errorf("export: failed to restore store %q: %w", name, err)
		}
		result.StoresRestored = append(result.StoresRestored, name)
	}

	if opts.WithAudit && len(payload.Audit) > 0 {
		if err := restoreAudit(st.Path(), payload.Audit); err != nil {
			return result, err
		}
		result.AuditRestored = true
	}
	return result, nil
}

// Verify checks a bundle's integrity without restoring anything.
func Verify(bundlePath string, passphrase []byte, keyFile string) (*VerifyResult, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	header, _, err := verifyAndDecrypt(data, passphrase, keyFile)
	if err != nil {
		return &VerifyResult{Valid: false, Error: err.Error()}, nil
	}

	return &VerifyResult{
		Valid:         true,
		Version:       header.Version,
		CreatedAt:     header.CreatedAt,
		StoreCount:    header.StoreCount,
		IncludesAudit: header.IncludesAudit,
	}, nil
}

// collectPayload decrypts the newest row of each exported store. An
// explicitly requested store with no data is an error; with no explicit
// list, empty stores are simply not exported.
func collectPayload(st *store.Store, keys store.KeyHolder, names []string, includeAudit bool) (*Payload, error) {
	explicit := len(names) > 0
	if !explicit {
		var err error
		names, err = st.LogicalKeys()
		if err != nil {
			return nil, err
		}
	}

	payload := &Payload{Stores: make(map[string]*store.Envelope)}
	for _, name := range names {
		rows, err := st.RowsByKey(name)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			if explicit {
				return nil, fmt.Errorf("export: store %q has no data", name)
			}
			continue
		}

		plaintext, err := keys.Decrypt(rows[0].Payload)
		if err != nil {
			return nil, fmt.Errorf("export: failed to decrypt store %q: %w", name, err)
		}
		env, err := store.DecodeEnvelope(plaintext)
		crypto.SecureWipe(plaintext)
		if err != nil {
			return nil, fmt.Errorf("export: store %q: %w", name, err)
		}
		payload.Stores[name] = env
	}

	if includeAudit {
		audit, err := collectAudit(st.Path())
		if err != nil {
			return nil, err
		}
		payload.Audit = audit
	}
	return payload, nil
}

// collectAudit reads the monthly audit log files. A missing audit
// directory exports as no audit data.
func collectAudit(dataDir string) (map[string][]byte, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, "audit", "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("export: failed to list audit files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	audit := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("export: failed to read audit file: %w", err)
		}
		audit[filepath.Base(f)] = data
	}
	return audit, nil
}

func restoreStore(st *store.Store, keys store.KeyHolder, name string, env *store.Envelope) error {
	a, err := store.NewAdapter(st, keys, store.AdapterConfig{Name: name})
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Restore(context.Background(), env)
}

// restoreAudit writes the bundle's audit files under <dataDir>/audit.
// Filenames from the bundle are untrusted; anything that is not a bare
// .jsonl name is rejected.
func restoreAudit(dataDir string, files map[string][]byte) error {
	auditDir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(auditDir, 0700); err != nil {
		return fmt.Errorf("export: failed to create audit directory: %w", err)
	}

	for name, data := range files {
		if name != filepath.Base(name) || filepath.Ext(name) != ".jsonl" {
			return fmt.Errorf("export: invalid audit filename in bundle: %q", name)
		}
		if err := os.WriteFile(filepath.Join(auditDir, name), data, 0600); err != nil {
			return fmt.Errorf("export: failed to write audit file: %w", err)
		}
	}
	return nil
}

// verifyAndDecrypt parses the bundle, checks the HMAC and opens the
// payload. The HMAC is verified before the payload is touched.
func verifyAndDecrypt(data []byte, passphrase []byte, keyFile string) (*Header, *Payload, error) {
	if len(data) < len(MagicNumber)+4+HMACLength {
		return nil, nil, ErrInvalidMagic
	}

	reader := bytes.NewReader(data)
	header, err := ReadHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	headerEnd := len(data) - reader.Len()

	var ciphertextLen uint32
	if err := readUint32(reader, &ciphertextLen); err != nil {
		return nil, nil, fmt.Errorf("export: failed to read ciphertext length: %w", err)
	}
	if reader.Len() < int(ciphertextLen)+HMACLength {
		return nil, nil, ErrBundleTruncated
	}

	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(reader, ciphertext); err != nil {
		return nil, nil, fmt.Errorf("export: failed to read ciphertext: %w", err)
	}
	storedMAC := make([]byte, HMACLength)
	if _, err := io.ReadFull(reader, storedMAC); err != nil {
		return nil, nil, fmt.Errorf("export: failed to read HMAC: %w", err)
	}

	var encKey, macKey []byte
	switch {
	case keyFile != "":
		encKey, macKey, err = keyFileKeys(keyFile)
		if err != nil {
			return nil, nil, err
		}
	case header.EncryptionMode == EncryptionModePassphrase && header.KDFParams != nil:
		if len(passphrase) == 0 {
			return nil, nil, ErrEmptyPassphrase
		}
		// Derive with the header's recorded salt. Memory/iteration values
		// are informational until the engine's KDF defaults change.
		encKey, macKey, err = DeriveBundleKeys(passphrase, header.KDFParams.Salt)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("export: bundle requires a key file")
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	covered := data[:headerEnd+4+int(ciphertextLen)]
	if !VerifyHMAC(covered, storedMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}

	plaintext, err := openPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

func sortedNames(stores map[string]*store.Envelope) []string {
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func writeUint32(w io.Writer, v uint32) error {
	buf := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("export: failed to write length: %w", err)
	}
	return nil
}

func readUint32(r io.Reader, v *uint32) error {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	*v = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	return nil
}
