package export

import "errors"

var (
	// ErrInvalidMagic indicates the file is not a vitalstore bundle.
	ErrInvalidMagic = errors.New("export: not a vitalstore bundle")

	// ErrUnsupportedVersion indicates the bundle format version is newer
	// than this build understands.
	ErrUnsupportedVersion = errors.New("export: unsupported bundle format version")

	// ErrIntegrityFailed indicates the bundle HMAC did not verify.
	ErrIntegrityFailed = errors.New("export: bundle integrity check failed")

	// ErrBundleDecryptionFailed indicates the bundle could not be
	// decrypted, a wrong passphrase or corrupted data.
	ErrBundleDecryptionFailed = errors.New("export: bundle decryption failed")

	// ErrEmptyPassphrase indicates no passphrase was provided.
	ErrEmptyPassphrase = errors.New("export: passphrase cannot be empty")

	// ErrInvalidKeyFile indicates the key file is not exactly 32 bytes.
	ErrInvalidKeyFile = errors.New("export: invalid key file, must be exactly 32 bytes")

	// ErrSessionLocked indicates the vault must be unlocked for the
	// operation.
	ErrSessionLocked = errors.New("export: vault is locked")

	// ErrBundleTruncated indicates the bundle ends before its declared
	// contents.
	ErrBundleTruncated = errors.New("export: bundle file truncated")

	// ErrStoreConflict indicates a restore target store already holds
	// data.
	ErrStoreConflict = errors.New("export: store already has data")

	// ErrUnknownFormat indicates an unrecognized plain export format.
	ErrUnknownFormat = errors.New("export: unknown format")
)
