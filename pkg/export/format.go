package export

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/vitalstore/pkg/store"
)

// MagicNumber identifies a vitalstore bundle file: "VITL_BKP".
var MagicNumber = [8]byte{'V', 'I', 'T', 'L', '_', 'B', 'K', 'P'}

// FormatVersion is the current bundle format version.
const FormatVersion = 1

// maxHeaderSize bounds the header length field read from untrusted files.
const maxHeaderSize = 1024 * 1024

// EncryptionMode records how a bundle's payload key was obtained.
type EncryptionMode string

const (
	// EncryptionModePassphrase derives the bundle key from a passphrase
	// with the KDF parameters stored in the header.
	EncryptionModePassphrase EncryptionMode = "passphrase"

	// EncryptionModeKeyFile uses a raw 32-byte key file.
	EncryptionModeKeyFile EncryptionMode = "keyfile"
)

// KDFParams holds the Argon2id parameters a passphrase bundle was sealed
// with, so future builds can open bundles made under older defaults.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// Header is the plaintext bundle metadata, HMAC-covered but not encrypted.
type Header struct {
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	EngineSchema   int            `json:"engine_schema"`
	EncryptionMode EncryptionMode `json:"encryption_mode"`
	KDFParams      *KDFParams     `json:"kdf_params,omitempty"`
	IncludesAudit  bool           `json:"includes_audit"`
	StoreCount     int            `json:"store_count"`
	ChecksumAlgo   string         `json:"checksum_algorithm"`
}

// Payload is the encrypted body of a bundle: every exported store's
// decrypted envelope, plus the audit log files when requested. Envelopes
// travel in the clear inside the payload; the payload as a whole is sealed
// under the bundle key.
type Payload struct {
	Stores map[string]*store.Envelope `json:"stores"`
	Audit  map[string][]byte          `json:"audit,omitempty"`
}

// WriteHeader writes the magic number, a big-endian length and the JSON
// header.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("export: failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("export: failed to marshal header: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("export: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("export: failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMagic, err)
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("export: failed to read header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("export: header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("export: failed to read header: %w", err)
	}

	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("export: failed to unmarshal header: %w", err)
	}

	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	return &header, nil
}

// EncodePayload renders the payload as JSON.
func EncodePayload(payload *Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("export: failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload parses payload JSON.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("export: failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}
