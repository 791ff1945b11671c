// Package vault owns the session encryption key for the snapshot engine.
//
// The key never leaves this package: callers get IsUnlocked, Encrypt and
// Decrypt, nothing else. At rest the key is wrapped by a KEK derived from
// the user's passphrase with Argon2id and stored in the keyring; Unlock
// unwraps it into memory and Lock wipes it.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vitalstore/pkg/audit"
	"github.com/forest6511/vitalstore/pkg/crypto"
	"github.com/forest6511/vitalstore/pkg/security"
)

// Constants
const (
	SaltLength       = 16 // 128-bit KDF salt
	SessionKeyLength = 32 // 256-bit session key
	LockFileName     = "vault.lock"
	FileMode         = 0600

	// Unlock attempt limits.
	// 5 attempts -> 30s, 10 attempts -> 5min, 20 attempts -> 30min
	CooldownThreshold1 = 5
	CooldownThreshold2 = 10
	CooldownThreshold3 = 20
	CooldownDuration1  = 30   // seconds
	CooldownDuration2  = 300  // seconds
	CooldownDuration3  = 1800 // seconds
)

// Errors
var (
	ErrVaultAlreadyInitialized = errors.New("vault: vault already initialized")
	ErrVaultNotInitialized     = errors.New("vault: vault not initialized")
	ErrVaultLocked             = errors.New("vault: vault is locked")
	ErrVaultAlreadyUnlocked    = errors.New("vault: vault is already unlocked")
	ErrInvalidPassphrase       = errors.New("vault: invalid passphrase")
	ErrKeyringCorrupted        = errors.New("vault: keyring data is corrupted")
	ErrTooManyAttempts         = errors.New("vault: too many failed unlock attempts")
	ErrCooldownActive          = errors.New("vault: cooldown period active")
	ErrPassphraseTooShort      = errors.New("vault: passphrase must be at least 8 characters")
	ErrPassphraseTooLong       = errors.New("vault: passphrase must be at most 128 characters")
)

// KeyringStore persists the wrapped session key. *store.Store satisfies it
// with its vault_keys table; an all-nil, nil-error LoadKeyring result means
// the keyring was never initialized.
type KeyringStore interface {
	SaveKeyring(salt, encryptedKey, keyNonce []byte) error
	LoadKeyring() (salt, encryptedKey, keyNonce []byte, err error)
}

// Vault holds the session key for the current unlocked session.
type Vault struct {
	path       string // data directory, holds vault.lock and audit/
	keyring    KeyringStore
	sessionKey []byte // nil while locked
	mu         sync.RWMutex
	audit      *audit.Logger
	logger     *slog.Logger
}

// New creates a vault over the given keyring. path is the data directory;
// the lock state file and the audit log live under it.
func New(path string, keyring KeyringStore) *Vault {
	return &Vault{
		path:    path,
		keyring: keyring,
		audit:   audit.NewLogger(auditDir(path)),
		logger:  slog.Default(),
	}
}

// Initialized reports whether a keyring exists.
func (v *Vault) Initialized() (bool, error) {
	return v.initialized()
}

// Init creates the keyring for a new vault:
// 1. Validate and normalize the passphrase
// 2. Generate a random salt and derive the KEK from the passphrase
// 3. Generate a random session key
// 4. Wrap the session key with the KEK and persist salt, wrapped key, nonce
//
// Init leaves the vault locked; Unlock is the only way to a usable key.
func (v *Vault) Init(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pass := norm.NFC.String(passphrase)
	if err := validatePassphrase(pass); err != nil {
		return err
	}

	initialized, err := v.initialized()
	if err != nil {
		return err
	}
	if initialized {
		return ErrVaultAlreadyInitialized
	}

	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}

	kek := crypto.DeriveKey([]byte(pass), salt)
	defer crypto.SecureWipe(kek)

	key := make([]byte, SessionKeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("vault: failed to generate session key: %w", err)
	}
	defer crypto.SecureWipe(key)

	encryptedKey, keyNonce, err := crypto.Encrypt(kek, key)
	if err != nil {
		return fmt.Errorf("vault: failed to wrap session key: %w", err)
	}

	if err := v.keyring.SaveKeyring(salt, encryptedKey, keyNonce); err != nil {
		return err
	}

	if err := v.audit.SetHMACKey(key); err != nil {
		v.logger.Warn("failed to initialize audit logger", "error", err)
	} else {
		_ = v.audit.LogSuccess(audit.OpVaultInit, audit.SourceCLI, "")
	}

	return nil
}

// Unlock derives the KEK from the passphrase and unwraps the session key
// into memory. A wrong passphrase counts toward the cooldown thresholds;
// while a cooldown is active Unlock fails without touching key material.
func (v *Vault) Unlock(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sessionKey != nil {
		return ErrVaultAlreadyUnlocked
	}

	if remaining, err := v.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: retry in %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	key, err := v.unwrapSessionKey(passphrase)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			cooldown, recordErr := v.recordFailedAttempt()
			if recordErr != nil {
				v.logger.Warn("failed to record unlock attempt", "error", recordErr)
			}
			_ = v.audit.LogError(audit.OpVaultUnlockFailed, audit.SourceCLI, "", "AUTH_FAILED", "invalid passphrase")
			if cooldown > 0 {
				return fmt.Errorf("%w: cooldown active for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
			}
			return ErrInvalidPassphrase
		}
		return err
	}

	v.sessionKey = key

	if err := v.clearLockState(); err != nil {
		v.logger.Warn("failed to clear lock state", "error", err)
	}

	if err := v.audit.SetHMACKey(key); err != nil {
		v.logger.Warn("failed to initialize audit logger", "error", err)
	} else {
		_ = v.audit.LogSuccess(audit.OpVaultUnlock, audit.SourceCLI, "")
	}

	return nil
}

// unwrapSessionKey loads the keyring and decrypts the session key with the
// KEK derived from passphrase. The caller owns the returned buffer.
func (v *Vault) unwrapSessionKey(passphrase string) ([]byte, error) {
	salt, encryptedKey, keyNonce, err := v.keyring.LoadKeyring()
	if err != nil {
		return nil, err
	}
	if salt == nil && encryptedKey == nil && keyNonce == nil {
		return nil, ErrVaultNotInitialized
	}
	if len(salt) != SaltLength {
		return nil, ErrKeyringCorrupted
	}

	pass := norm.NFC.String(passphrase)
	kek := crypto.DeriveKey([]byte(pass), salt)
	defer crypto.SecureWipe(kek)

	key, err := crypto.Decrypt(kek, encryptedKey, keyNonce)
	if err != nil {
		return nil, err
	}
	if len(key) != SessionKeyLength {
		crypto.SecureWipe(key)
		return nil, ErrKeyringCorrupted
	}
	return key, nil
}

// Lock wipes the session key from memory. Locking a locked vault is a
// no-op.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sessionKey == nil {
		return
	}

	_ = v.audit.LogSuccess(audit.OpVaultLock, audit.SourceCLI, "")

	crypto.SecureWipe(v.sessionKey)
	v.sessionKey = nil
}

// IsUnlocked reports whether a session key is held in memory.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sessionKey != nil
}

// Encrypt seals plaintext under the session key. The result carries its
// nonce and can only be opened by Decrypt.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.sessionKey == nil {
		return nil, ErrVaultLocked
	}
	return crypto.EncryptBlob(v.sessionKey, plaintext)
}

// Decrypt opens a blob sealed by Encrypt. A blob written under a different
// key surfaces crypto.ErrDecryptionFailed.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.sessionKey == nil {
		return nil, ErrVaultLocked
	}
	return crypto.DecryptBlob(v.sessionKey, blob)
}

// ChangePassphrase re-wraps the session key under a KEK derived from the
// new passphrase with a fresh salt. The session key itself does not change,
// so stored snapshots stay readable without re-encryption.
//
// The current passphrase must be supplied; a wrong one counts toward the
// cooldown thresholds exactly like a failed unlock.
func (v *Vault) ChangePassphrase(current, next string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	nextPass := norm.NFC.String(next)
	if err := validatePassphrase(nextPass); err != nil {
		return err
	}

	if remaining, err := v.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: retry in %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	key, err := v.unwrapSessionKey(current)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			cooldown, recordErr := v.recordFailedAttempt()
			if recordErr != nil {
				v.logger.Warn("failed to record unlock attempt", "error", recordErr)
			}
			_ = v.audit.LogError(audit.OpVaultUnlockFailed, audit.SourceCLI, "", "AUTH_FAILED", "invalid passphrase")
			if cooldown > 0 {
				return fmt.Errorf("%w: cooldown active for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
			}
			return ErrInvalidPassphrase
		}
		return err
	}
	defer crypto.SecureWipe(key)

	newSalt := make([]byte, SaltLength)
	if _, err := rand.Read(newSalt); err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}

	newKEK := crypto.DeriveKey([]byte(nextPass), newSalt)
	defer crypto.SecureWipe(newKEK)

	encryptedKey, keyNonce, err := crypto.Encrypt(newKEK, key)
	if err != nil {
		return fmt.Errorf("vault: failed to wrap session key: %w", err)
	}

	if err := v.keyring.SaveKeyring(newSalt, encryptedKey, keyNonce); err != nil {
		return err
	}

	if err := v.clearLockState(); err != nil {
		v.logger.Warn("failed to clear lock state", "error", err)
	}

	if err := v.audit.SetHMACKey(key); err != nil {
		v.logger.Warn("failed to initialize audit logger", "error", err)
	} else {
		_ = v.audit.LogSuccess(audit.OpVaultPassphraseChanged, audit.SourceCLI, "")
	}

	return nil
}

// Path returns the data directory the vault was created over.
func (v *Vault) Path() string {
	return v.path
}

// AuditLogger exposes the vault's audit logger for verification, listing,
// export and pruning. The HMAC key is only set after Init or an unlock.
func (v *Vault) AuditLogger() *audit.Logger {
	return v.audit
}

// initialized probes the keyring; it takes no locks of its own.
func (v *Vault) initialized() (bool, error) {
	salt, encKey, nonce, err := v.keyring.LoadKeyring()
	if err != nil {
		return false, err
	}
	return salt != nil || encKey != nil || nonce != nil, nil
}

// validatePassphrase enforces the hard length limits. Complexity is
// advisory and surfaced by the CLI, never enforced here.
func validatePassphrase(passphrase string) error {
	if len(passphrase) < security.MinPassphraseLength {
		return ErrPassphraseTooShort
	}
	if len(passphrase) > security.MaxPassphraseLength {
		return ErrPassphraseTooLong
	}
	return nil
}
