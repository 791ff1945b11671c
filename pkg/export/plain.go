package export

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/vitalstore/pkg/store"
)

// Plain export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// PlainDocument is the unencrypted export shape, for handing tracked data
// to a clinician or another program. Envelope states appear as parsed
// structures, not as JSON strings, so the output reads naturally in both
// formats.
type PlainDocument struct {
	ExportedAt time.Time             `json:"exported_at" yaml:"exported_at"`
	Stores     map[string]PlainStore `json:"stores" yaml:"stores"`
}

// PlainStore is one store's decrypted snapshot in a plain export.
type PlainStore struct {
	Version int `json:"version" yaml:"version"`
	State   any `json:"state" yaml:"state"`
}

// WritePlain writes the selected stores' decrypted envelopes to w as JSON
// or YAML. The output is unencrypted; callers own warning the user.
func WritePlain(w io.Writer, st *store.Store, keys store.KeyHolder, names []string, format string) error {
	if format != FormatJSON && format != FormatYAML {
		return fmt.Errorf("%w: %q (want %s or %s)", ErrUnknownFormat, format, FormatJSON, FormatYAML)
	}
	if !keys.IsUnlocked() {
		return ErrSessionLocked
	}

	payload, err := collectPayload(st, keys, names, false)
	if err != nil {
		return err
	}

	doc := PlainDocument{
		ExportedAt: time.Now().UTC(),
		Stores:     make(map[string]PlainStore, len(payload.Stores)),
	}
	for name, env := range payload.Stores {
		var state any
		if err := json.Unmarshal(env.State, &state); err != nil {
			return fmt.Errorf("export: store %q state did not parse: %w", name, err)
		}
		doc.Stores[name] = PlainStore{Version: env.Version, State: state}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("export: failed to encode JSON: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("export: failed to encode YAML: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("export: failed to finish YAML: %w", err)
		}
	}
	return nil
}
