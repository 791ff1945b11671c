// Package stores is the registry of the app's logical stores and their
// legacy migration chains. The engine itself is name-agnostic; everything
// the app persists is declared here so the CLI and the MCP server agree on
// which stores exist and how old data reshapes into envelopes.
package stores

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vitalstore/pkg/store"
)

// Definition declares one logical store: its name and the legacy sources
// its data may still live under, newest format first.
type Definition struct {
	Name   string
	Legacy []store.LegacySource
}

// definitions lists every store the app persists.
//
// The legacy chains mirror the storage history of the app: release 2 wrote
// whole envelopes as plaintext JSON under vitalstore_* keys, release 1
// wrote bare record arrays, and the earliest builds used different store
// names entirely.
var definitions = []Definition{
	{
		Name: "pain-entries",
		Legacy: []store.LegacySource{
			store.EnvelopeSource("vitalstore_pain_entries"),
			{Key: "pain_entries", Reshape: ReshapeEntryArray},
			{Key: "pain_diary", Reshape: ReshapeEntryArray},
		},
	},
	{
		Name: "energy-budget",
		Legacy: []store.LegacySource{
			store.EnvelopeSource("vitalstore_energy_budget"),
			{Key: "energy_budget", Reshape: ReshapeEntryArray},
			{Key: "spoons", Reshape: ReshapeEntryArray},
		},
	},
	{
		Name: "sleep-log",
		Legacy: []store.LegacySource{
			store.EnvelopeSource("vitalstore_sleep_log"),
			{Key: "sleep_log", Reshape: ReshapeEntryArray},
			{Key: "sleep_diary", Reshape: ReshapeEntryArray},
		},
	},
	{
		Name: "settings",
		Legacy: []store.LegacySource{
			store.EnvelopeSource("vitalstore_settings"),
			{Key: "settings", Reshape: ReshapeObject},
		},
	},
}

// Definitions returns every registered store definition.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Lookup returns the definition for a store name.
func Lookup(name string) (Definition, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// Names returns the registered store names, sorted.
func Names() []string {
	names := make([]string, 0, len(definitions))
	for _, d := range definitions {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// NewAdapter builds an adapter for a registered store, wiring in its
// legacy chain. Unregistered names get an adapter with no chain, which
// lets tests and future stores work without touching the registry.
func NewAdapter(st *store.Store, keys store.KeyHolder, name string) (*store.Adapter, error) {
	cfg := store.AdapterConfig{Name: name}
	if def, ok := Lookup(name); ok {
		cfg.Legacy = def.Legacy
	}
	return store.NewAdapter(st, keys, cfg)
}

// entriesState is the envelope state shape shared by the record stores.
type entriesState struct {
	Entries []json.RawMessage `json:"entries"`
}

// ReshapeEntryArray turns a bare JSON array of records, the layout the
// first releases wrote, into a version 1 envelope with the records under
// an entries member. Free-text fields are NFC-normalized on the way in.
func ReshapeEntryArray(data []byte) (*store.Envelope, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("stores: legacy data is not a record array: %w", err)
	}

	for i, entry := range entries {
		entries[i] = normalizeRecord(entry)
	}

	state, err := json.Marshal(entriesState{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("stores: failed to build envelope state: %w", err)
	}
	return &store.Envelope{State: state, Version: 1}, nil
}

// freeTextFields are the record members that carry user-typed prose. Old
// builds saved text exactly as the platform keyboard produced it, often
// decomposed, so migration normalizes these to NFC.
var freeTextFields = []string{"note", "notes", "description"}

// normalizeRecord NFC-normalizes the free-text fields of a record. Records
// that are not objects, and records whose text is already normalized, pass
// through byte for byte.
func normalizeRecord(raw json.RawMessage) json.RawMessage {
	var rec map[string]json.RawMessage
	if err := json.Unmarshal(raw, &rec); err != nil {
		return raw
	}

	changed := false
	for _, field := range freeTextFields {
		fv, ok := rec[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(fv, &s); err != nil {
			continue
		}
		n := norm.NFC.String(s)
		if n == s {
			continue
		}
		nb, err := json.Marshal(n)
		if err != nil {
			continue
		}
		rec[field] = nb
		changed = true
	}

	if !changed {
		return raw
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return raw
	}
	return out
}

// ReshapeObject wraps a legacy plaintext JSON object, such as the old
// settings blob, as a version 1 envelope without altering its contents.
func ReshapeObject(data []byte) (*store.Envelope, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("stores: legacy data is not an object: %w", err)
	}
	return &store.Envelope{State: data, Version: 1}, nil
}
