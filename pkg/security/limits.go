package security

// Engine size limits.
const (
	// MaxPayloadSize caps an encoded envelope at 1 MB. Health snapshots
	// are small; anything near this size is a runaway state object.
	MaxPayloadSize = 1024 * 1024

	// MinStoreNameLength is the minimum store name length.
	MinStoreNameLength = 1

	// MaxStoreNameLength is the maximum store name length.
	MaxStoreNameLength = 128
)

// ValidStoreNameRune reports whether r may appear in a store name.
// Allowed: a-z, A-Z, 0-9, dash, underscore, dot.
func ValidStoreNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.'
}

// ValidPayloadSize reports whether an encoded envelope of n bytes is within
// the payload cap.
func ValidPayloadSize(n int) bool {
	return n <= MaxPayloadSize
}
