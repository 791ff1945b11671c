package store

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit of persisted state: an opaque application snapshot
// plus the schema version the application assigned to it. The engine never
// inspects State beyond JSON validity.
type Envelope struct {
	State   json.RawMessage `json:"state"`
	Version int             `json:"version"`
}

// NewEnvelope marshals state into an envelope at the given version.
func NewEnvelope(state any, version int) (*Envelope, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode state: %w", err)
	}
	return &Envelope{State: raw, Version: version}, nil
}

// DecodeState unmarshals the envelope's state into v.
func (e *Envelope) DecodeState(v any) error {
	if err := json.Unmarshal(e.State, v); err != nil {
		return fmt.Errorf("store: failed to decode state: %w", err)
	}
	return nil
}

// EncodeEnvelope renders an envelope to its canonical JSON form, the
// plaintext that gets sealed into a snapshot row.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrEnvelopeCorrupted)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeCorrupted, err)
	}
	return data, nil
}

// DecodeEnvelope parses envelope JSON. Data that is valid JSON but not an
// envelope (no state member) is rejected, so legacy probes can tell a real
// envelope blob from other stray values under the same key.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeCorrupted, err)
	}
	if len(env.State) == 0 {
		return nil, fmt.Errorf("%w: missing state", ErrEnvelopeCorrupted)
	}
	if env.Version < 0 {
		return nil, fmt.Errorf("%w: negative version %d", ErrEnvelopeCorrupted, env.Version)
	}
	return &env, nil
}
