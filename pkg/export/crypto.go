package export

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/vitalstore/pkg/crypto"
)

const (
	// SaltLength is the bundle salt length in bytes.
	SaltLength = 32

	// HMACLength is the length of the trailing HMAC-SHA256 in bytes.
	HMACLength = 32

	// KeyLength is the bundle key length in bytes.
	KeyLength = 32
)

// HKDF info strings separating the encryption and MAC key domains.
const (
	hkdfInfoEncryption = "vitalstore-export-encryption"
	hkdfInfoMAC        = "vitalstore-export-mac"
)

// GenerateSalt returns a fresh random bundle salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("export: failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveBundleKeys derives the encryption and MAC keys for a passphrase
// bundle. The passphrase goes through Argon2id with the engine's standard
// parameters, then HKDF splits the result into two independent keys.
func DeriveBundleKeys(passphrase, salt []byte) (encKey, macKey []byte, err error) {
	if len(passphrase) == 0 {
		return nil, nil, ErrEmptyPassphrase
	}

	master := crypto.DeriveKey(passphrase, salt)
	defer crypto.SecureWipe(master)

	encKey, err = deriveHKDF(master, []byte(hkdfInfoEncryption))
	if err != nil {
		return nil, nil, fmt.Errorf("export: failed to derive encryption key: %w", err)
	}
	macKey, err = deriveHKDF(master, []byte(hkdfInfoMAC))
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("export: failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// keyFileKeys derives the key pair for a key-file bundle: the file's raw
// key encrypts, and a MAC key is derived from it.
func keyFileKeys(path string) (encKey, macKey []byte, err error) {
	encKey, err = ReadKeyFile(path)
	if err != nil {
		return nil, nil, err
	}
	macKey, err = deriveHKDF(encKey, []byte(hkdfInfoMAC))
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("export: failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

func deriveHKDF(secret, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// sealPayload encrypts the encoded payload under the bundle key, nonce
// prepended.
func sealPayload(plaintext, key []byte) ([]byte, error) {
	blob, err := crypto.EncryptBlob(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("export: payload encryption failed: %w", err)
	}
	return blob, nil
}

// openPayload decrypts a sealed payload. Any failure surfaces as
// ErrBundleDecryptionFailed; the caller cannot distinguish a wrong key
// from corruption, which is the point.
func openPayload(blob, key []byte) ([]byte, error) {
	plaintext, err := crypto.DecryptBlob(key, blob)
	if err != nil {
		return nil, ErrBundleDecryptionFailed
	}
	return plaintext, nil
}

// ComputeHMAC computes HMAC-SHA256 over data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC reports whether mac is the HMAC-SHA256 of data under key.
func VerifyHMAC(data, mac, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), mac)
}

// ReadKeyFile reads a raw 32-byte bundle key from a file.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: failed to read key file: %w", err)
	}
	if len(key) != KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a fresh random 32-byte bundle key to path with
// 0600 permissions. It refuses to overwrite an existing file.
func GenerateKeyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("export: key file already exists: %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("export: failed to check key file: %w", err)
	}

	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("export: failed to generate key: %w", err)
	}
	defer crypto.SecureWipe(key)

	if err := os.WriteFile(path, key, 0600); err != nil {
		return fmt.Errorf("export: failed to write key file: %w", err)
	}
	return nil
}
