// Package security defines the engine's guardrails: passphrase policy and
// size limits for store names and payloads.
package security

import "fmt"

// Passphrase length limits. Lengths are hard requirements; complexity only
// produces advisory warnings.
const (
	MinPassphraseLength = 8
	MaxPassphraseLength = 128
)

// PassphraseStrength represents the estimated strength of a passphrase.
type PassphraseStrength int

const (
	PassphraseWeak PassphraseStrength = iota
	PassphraseFair
	PassphraseGood
	PassphraseStrong
)

// String returns a human-readable representation of passphrase strength.
func (s PassphraseStrength) String() string {
	switch s {
	case PassphraseWeak:
		return "weak"
	case PassphraseFair:
		return "fair"
	case PassphraseGood:
		return "good"
	case PassphraseStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PassphraseValidationResult contains the result of passphrase validation.
type PassphraseValidationResult struct {
	Valid    bool               // whether the passphrase meets the hard requirements
	Strength PassphraseStrength // estimated strength
	Warnings []string           // suggestions for improvement, not errors
}

// ValidatePassphrase checks a passphrase against the hard length limits and
// estimates its strength. Complexity never fails validation; length is the
// primary factor per NIST SP 800-63B, with character variety contributing
// to the strength estimate only.
func ValidatePassphrase(passphrase string) *PassphraseValidationResult {
	result := &PassphraseValidationResult{
		Valid:    true,
		Strength: PassphraseFair,
	}

	if len(passphrase) < MinPassphraseLength {
		result.Valid = false
		result.Strength = PassphraseWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passphrase must be at least %d characters", MinPassphraseLength))
		return result
	}
	if len(passphrase) > MaxPassphraseLength {
		result.Valid = false
		result.Strength = PassphraseWeak
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Passphrase must be at most %d characters", MaxPassphraseLength))
		return result
	}

	complexity := classCount(passphrase)

	if complexity < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if len(passphrase) < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passphrases (12+ characters) are more secure")
	}

	switch {
	case complexity >= 3 && len(passphrase) >= 16:
		result.Strength = PassphraseStrong
	case complexity >= 2 && len(passphrase) >= 12:
		result.Strength = PassphraseGood
	case complexity >= 2 || len(passphrase) >= 12:
		result.Strength = PassphraseFair
	default:
		result.Strength = PassphraseWeak
	}

	return result
}

// classCount returns how many character classes (lower, upper, digit,
// other) appear in s.
func classCount(s string) int {
	var hasLower, hasUpper, hasDigit, hasOther bool
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasOther = true
		}
	}

	count := 0
	for _, b := range []bool{hasLower, hasUpper, hasDigit, hasOther} {
		if b {
			count++
		}
	}
	return count
}
