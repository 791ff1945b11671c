// Package audit provides an HMAC-chained audit trail for the persistence
// engine. Every vault transition and store operation appends a record whose
// HMAC covers the previous record, so deletion or edits anywhere in the
// history are detectable with Verify.
//
// Records never contain health data. Store names are recorded as HMACs
// keyed from the session key, so the trail is meaningful to the owner and
// opaque to everyone else.
package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Disk space constants
const (
	MinAuditDiskSpace = 1024 * 1024 // 1 MB minimum for audit logs
)

// Operation types for audit logging
const (
	// Vault operations
	OpVaultInit              = "vault.init"
	OpVaultUnlock            = "vault.unlock"
	OpVaultUnlockFailed      = "vault.unlock_failed"
	OpVaultLock              = "vault.lock"
	OpVaultPassphraseChanged = "vault.passphrase_changed"

	// Store operations
	OpStoreLoad    = "store.load"
	OpStoreSave    = "store.save"
	OpStoreClear   = "store.clear"
	OpStoreMigrate = "store.migrate"
	OpStoreCompact = "store.compact"

	// Export operations
	OpExportCreate  = "export.create"
	OpExportRestore = "export.restore"

	// MCP operations
	OpMCPQuery  = "mcp.query"
	OpMCPDenied = "mcp.denied"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
	SourceApp = "app"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultDenied  = "denied"
)

// AuditEvent represents a single audit log record
type AuditEvent struct {
	Version   int    `json:"v"`  // Schema version (1)
	ID        string `json:"id"` // Event ID (ULID-like, time sortable)
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`                   // Operation type
	Store     string `json:"store,omitempty"`      // Store name HMAC (if applicable)
	StoreHMAC string `json:"store_hmac,omitempty"` // Same value, kept for forward compatibility

	Actor Actor `json:"actor"`

	Result string     `json:"result"`          // success | error | denied
	Error  *ErrorInfo `json:"error,omitempty"` // Error details

	Context map[string]interface{} `json:"ctx,omitempty"` // Operation-dependent details

	Chain Chain `json:"chain"` // Tamper detection
}

// Actor represents who performed the operation
type Actor struct {
	Type      string `json:"type"`                // user | system
	Source    string `json:"source"`              // cli | mcp | app
	ClientID  string `json:"client_id,omitempty"` // MCP client identifier
	SessionID string `json:"session_id"`          // Process session ID
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain provides the HMAC chain for tamper detection
type Chain struct {
	Sequence int64  `json:"seq"`  // Sequence number
	PrevHash string `json:"prev"` // Previous record's HMAC
	HMAC     string `json:"hmac"` // This record's HMAC
}

// Logger handles audit log writing with an HMAC chain
type Logger struct {
	path       string     // Audit log directory path
	hmacKey    []byte     // HMAC key derived from the session key
	mu         sync.Mutex // Protects concurrent writes
	sequence   int64      // Current sequence number
	prevHash   string     // Previous record's HMAC
	sessionID  string     // Current session ID
	hmacKeySet bool       // Whether the HMAC key has been set
}

// NewLogger creates a new audit logger writing to the given directory. The
// logger cannot record anything until SetHMACKey is called with the session
// key, which happens on vault init and unlock.
func NewLogger(path string) *Logger {
	return &Logger{
		path:      path,
		prevHash:  "genesis", // Initial chain value
		sessionID: generateSessionID(),
	}
}

// SetHMACKey derives and sets the HMAC key from the session key using HKDF,
// then restores the chain position from the last run.
func (l *Logger) SetHMACKey(sessionKey []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hkdfReader := hkdf.New(sha256.New, sessionKey, nil, []byte("vitalstore-audit-v1"))
	l.hmacKey = make([]byte, 32)
	if _, err := hkdfReader.Read(l.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	l.hmacKeySet = true

	if err := l.loadChainState(); err != nil {
		// Not fatal, this may be the first run.
		l.sequence = 0
		l.prevHash = "genesis"
	}

	return nil
}

// Log records an audit event
func (l *Logger) Log(op, source, result string, storeName string, errInfo *ErrorInfo, ctx map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return fmt.Errorf("audit: HMAC key not set")
	}

	if err := os.MkdirAll(l.path, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}

	if err := l.checkDiskSpace(); err != nil {
		return err
	}

	event := AuditEvent{
		Version:   1,
		ID:        generateULID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Actor: Actor{
			Type:      "user",
			Source:    source,
			SessionID: l.sessionID,
		},
		Result:  result,
		Error:   errInfo,
		Context: ctx,
	}

	// Store names are HMACed, never recorded in the clear.
	if storeName != "" {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write([]byte(storeName))
		event.Store = hex.EncodeToString(mac.Sum(nil))
		event.StoreHMAC = event.Store
	}

	l.sequence++
	event.Chain.Sequence = l.sequence
	event.Chain.PrevHash = l.prevHash

	recordData := l.buildRecordData(&event)
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(recordData)
	event.Chain.HMAC = hex.EncodeToString(mac.Sum(nil))

	l.prevHash = event.Chain.HMAC

	if err := l.writeEvent(&event); err != nil {
		return err
	}

	return l.saveChainState()
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, source, storeName string) error {
	return l.Log(op, source, ResultSuccess, storeName, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, source, storeName string, errCode, errMsg string) error {
	return l.Log(op, source, ResultError, storeName, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

// LogDenied is a convenience method for denied operations
func (l *Logger) LogDenied(op, source, storeName string, reason string) error {
	return l.Log(op, source, ResultDenied, storeName, nil, map[string]interface{}{"reason": reason})
}

// buildRecordData creates the byte string the record HMAC covers. Every
// significant field participates; context keys are sorted so the HMAC is
// deterministic.
func (l *Logger) buildRecordData(event *AuditEvent) []byte {
	actorData := fmt.Sprintf("%s|%s|%s|%s",
		event.Actor.Type,
		event.Actor.Source,
		event.Actor.ClientID,
		event.Actor.SessionID,
	)

	errorData := ""
	if event.Error != nil {
		errorData = fmt.Sprintf("%s|%s", event.Error.Code, event.Error.Message)
	}

	contextData := ""
	if event.Context != nil {
		keys := make([]string, 0, len(event.Context))
		for k := range event.Context {
			keys = append(keys, k)
		}
		sortStrings(keys)
		for _, k := range keys {
			contextData += fmt.Sprintf("%s=%v|", k, event.Context[k])
		}
	}

	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Store,
		actorData,
		event.Result,
		errorData,
		contextData,
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
	return []byte(data)
}

// sortStrings sorts a slice of strings in place (simple insertion sort)
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// writeEvent appends an event to the current month's log file
func (l *Logger) writeEvent(event *AuditEvent) error {
	filename := time.Now().UTC().Format("2006-01") + ".jsonl"
	logPath := filepath.Join(l.path, filename)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}

	return nil
}

// ChainState holds the persistent chain state
type ChainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// loadChainState loads the chain state from the metadata file
func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.path, "audit.meta"))
	if err != nil {
		return err
	}

	var state ChainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

// saveChainState saves the chain state to the metadata file
func (l *Logger) saveChainState() error {
	state := ChainState{
		Sequence: l.sequence,
		PrevHash: l.prevHash,
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}

	if err := os.WriteFile(filepath.Join(l.path, "audit.meta"), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}

	return nil
}

// generateSessionID creates a unique session identifier
func generateSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("session-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// generateULID creates a ULID-like identifier: 48 bits of timestamp plus
// 80 random bits, hex encoded, so IDs sort by creation time.
func generateULID() string {
	ts := time.Now().UnixMilli()
	tsBytes := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		tsBytes[i] = byte(ts & 0xFF)
		ts >>= 8
	}

	randBytes := make([]byte, 10)
	if _, err := rand.Read(randBytes); err != nil {
		// Fallback
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}

	combined := append(tsBytes, randBytes...)
	return hex.EncodeToString(combined)
}

// Verify checks the integrity of the audit log chain
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hmacKeySet {
		return nil, fmt.Errorf("audit: HMAC key not set")
	}

	result := &VerifyResult{
		Valid:        true,
		RecordsTotal: 0,
	}

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	// YYYY-MM.jsonl names sort chronologically.
	sortStrings(files)

	expectedPrevHash := "genesis"
	var expectedSeq int64 = 1

	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		for _, event := range events {
			result.RecordsTotal++

			if event.Chain.Sequence != expectedSeq {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"sequence gap at record %s: expected %d, got %d",
					event.ID, expectedSeq, event.Chain.Sequence))
			}

			if event.Chain.PrevHash != expectedPrevHash {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"chain broken at record %s: expected prev %s, got %s",
					event.ID, expectedPrevHash, event.Chain.PrevHash))
			}

			recordData := l.buildRecordData(&event)
			mac := hmac.New(sha256.New, l.hmacKey)
			mac.Write(recordData)
			expectedHMAC := hex.EncodeToString(mac.Sum(nil))

			if event.Chain.HMAC != expectedHMAC {
				result.Valid = false
				result.Errors = append(result.Errors, fmt.Sprintf(
					"HMAC mismatch at record %s: possible tampering",
					event.ID))
			}

			expectedPrevHash = event.Chain.HMAC
			expectedSeq++
		}
	}

	result.RecordsVerified = result.RecordsTotal
	return result, nil
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// readLogFile reads all events from a log file
func (l *Logger) readLogFile(path string) ([]AuditEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var events []AuditEvent
	for _, line := range splitLines(data) {
		if len(line) == 0 {
			continue
		}
		var event AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}

	return events, nil
}

// splitLines splits data into lines
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// ListEvents returns audit events with optional filtering.
// limit: maximum number of events to return (0 = all)
// since: only return events after this time (zero = no filter)
func (l *Logger) ListEvents(limit int, since time.Time) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	sortStrings(files)

	var allEvents []AuditEvent
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		allEvents = append(allEvents, events...)
	}

	var filtered []AuditEvent
	if !since.IsZero() {
		for _, event := range allEvents {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue // Skip events with invalid timestamps
			}
			if eventTime.After(since) {
				filtered = append(filtered, event)
			}
		}
	} else {
		filtered = allEvents
	}

	// Most recent events win when a limit is set.
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	return filtered, nil
}

// Path returns the audit log directory path
func (l *Logger) Path() string {
	return l.path
}

// Export exports audit events in the specified format (json or csv).
// since and until filter events by timestamp (zero values mean no filter).
func (l *Logger) Export(format string, since, until time.Time) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	sortStrings(files)

	var allEvents []AuditEvent
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		allEvents = append(allEvents, events...)
	}

	var filtered []AuditEvent
	for _, event := range allEvents {
		eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
		if err != nil {
			continue // Skip events with invalid timestamps
		}
		if !since.IsZero() && eventTime.Before(since) {
			continue
		}
		if !until.IsZero() && eventTime.After(until) {
			continue
		}
		filtered = append(filtered, event)
	}

	switch format {
	case "csv":
		return l.formatCSV(filtered), nil
	case "json":
		return l.formatJSON(filtered)
	default:
		return nil, fmt.Errorf("audit: unsupported format: %s", format)
	}
}

// formatJSON formats events as a JSON array
func (l *Logger) formatJSON(events []AuditEvent) ([]byte, error) {
	return json.MarshalIndent(events, "", "  ")
}

// formatCSV formats events as CSV with proper escaping
func (l *Logger) formatCSV(events []AuditEvent) []byte {
	var result []byte

	result = append(result, []byte("timestamp,operation,result,store_hmac\n")...)

	for _, event := range events {
		storeHMAC := event.Store
		if len(storeHMAC) > 16 {
			storeHMAC = storeHMAC[:16] + "..."
		}
		line := fmt.Sprintf("%s,%s,%s,%s\n",
			csvEscape(event.Timestamp),
			csvEscape(event.Operation),
			csvEscape(event.Result),
			csvEscape(storeHMAC),
		)
		result = append(result, []byte(line)...)
	}

	return result
}

// csvEscape escapes a field for CSV output to prevent injection attacks.
// Fields starting with =, +, - or @ are quoted so spreadsheets do not
// interpret them as formulas.
func csvEscape(field string) string {
	if field == "" {
		return field
	}

	needsQuoting := false
	firstChar := field[0]
	if firstChar == '=' || firstChar == '+' || firstChar == '-' || firstChar == '@' {
		needsQuoting = true
	}

	if !needsQuoting {
		for _, c := range field {
			if c == ',' || c == '"' || c == '\n' || c == '\r' {
				needsQuoting = true
				break
			}
		}
	}

	if !needsQuoting {
		return field
	}

	var escaped []byte
	escaped = append(escaped, '"')
	for _, c := range field {
		if c == '"' {
			escaped = append(escaped, '"', '"')
		} else {
			escaped = append(escaped, byte(c))
		}
	}
	escaped = append(escaped, '"')
	return string(escaped)
}

// Prune deletes audit log entries older than the specified duration and
// returns the number of deleted entries. Files whose entries are all old
// are removed whole; mixed files are rewritten atomically.
func (l *Logger) Prune(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	sortStrings(files)

	deletedCount := 0

	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return deletedCount, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		allOld := true
		for _, event := range events {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if eventTime.After(cutoff) {
				allOld = false
				break
			}
		}

		if allOld && len(events) > 0 {
			if err := os.Remove(file); err != nil {
				return deletedCount, fmt.Errorf("audit: failed to delete %s: %w", file, err)
			}
			deletedCount += len(events)
		} else if !allOld {
			var remaining []AuditEvent
			for _, event := range events {
				eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
				if err != nil {
					remaining = append(remaining, event)
					continue
				}
				if eventTime.After(cutoff) {
					remaining = append(remaining, event)
				} else {
					deletedCount++
				}
			}

			if len(remaining) == 0 {
				if err := os.Remove(file); err != nil {
					return deletedCount, fmt.Errorf("audit: failed to delete %s: %w", file, err)
				}
			} else {
				if err := l.rewriteLogFile(file, remaining); err != nil {
					return deletedCount, fmt.Errorf("audit: failed to rewrite %s: %w", file, err)
				}
			}
		}
	}

	return deletedCount, nil
}

// PrunePreview returns the count of entries that would be deleted without
// actually deleting them (for --dry-run).
func (l *Logger) PrunePreview(olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	files, err := filepath.Glob(filepath.Join(l.path, "*.jsonl"))
	if err != nil {
		return 0, fmt.Errorf("audit: failed to list log files: %w", err)
	}

	count := 0
	for _, file := range files {
		events, err := l.readLogFile(file)
		if err != nil {
			return 0, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}

		for _, event := range events {
			eventTime, err := time.Parse(time.RFC3339Nano, event.Timestamp)
			if err != nil {
				continue
			}
			if eventTime.Before(cutoff) {
				count++
			}
		}
	}

	return count, nil
}

// rewriteLogFile rewrites a log file with the given events, going through
// a temp file and an atomic rename.
func (l *Logger) rewriteLogFile(path string, events []AuditEvent) error {
	tempPath := path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tempPath)
			return err
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	return os.Rename(tempPath, path)
}
