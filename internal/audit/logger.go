// Package audit provides the sanitized, SHA-256-chained audit log. It is a
// specialization of the append-only log discipline for records of tool
// calls, policy decisions, and token lifecycle, intended for compliance
// export. Sensitive argument fields are replaced by their digests before
// anything touches disk.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/synapse/internal/clock"
)

// ErrLogFailed is returned after a durable-write failure. Like the world
// model, the audit log latches: silent continuation would compromise the
// auditability guarantee.
var ErrLogFailed = errors.New("audit log is in failed state")

// Options configure a Logger.
type Options struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// MaxFieldLen is the length beyond which string fields are digested
	// rather than stored. Default 1024.
	MaxFieldLen int

	// OnRecord is invoked after each durable append, e.g. to maintain the
	// audit_index table. Must not block.
	OnRecord func(*Record)

	// OnFatal is invoked once when the log latches into the failed state.
	OnFatal func(error)

	writer io.Writer
	syncer func() error
}

// Logger is the audit log writer.
type Logger struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *slog.Logger

	file     *os.File
	writer   io.Writer
	syncer   func() error
	failed   error
	fatled   bool
	onFatal  func(error)
	onRecord func(*Record)

	maxFieldLen int
	lastSeq     int64
	lastHash    string

	stats Stats
}

// Open opens (creating if needed) the audit log at path and verifies its
// chain.
func Open(path string, opts Options) (*Logger, error) {
	l := newLogger(opts)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if err := l.replay(file); err != nil {
		file.Close()
		return nil, err
	}
	l.file = file
	l.writer = file
	l.syncer = file.Sync
	return l, nil
}

// NewWithWriter builds a logger over an arbitrary writer, for tests.
func NewWithWriter(w io.Writer, opts Options) *Logger {
	l := newLogger(opts)
	l.writer = w
	l.syncer = func() error { return nil }
	return l
}

func newLogger(opts Options) *Logger {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxFieldLen <= 0 {
		opts.MaxFieldLen = 1024
	}
	return &Logger{
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "audit"),
		maxFieldLen: opts.MaxFieldLen,
		onRecord:    opts.OnRecord,
		onFatal:     opts.OnFatal,
		stats: Stats{
			ByType:   make(map[string]int64),
			ByTool:   make(map[string]int64),
			ByStatus: make(map[string]int64),
			ByAgent:  make(map[string]int64),
		},
	}
}

func (l *Logger) replay(file *os.File) error {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var record Record
		decoder := json.NewDecoder(bytes.NewReader(raw))
		decoder.UseNumber()
		if err := decoder.Decode(&record); err != nil {
			return fmt.Errorf("audit log line %d: %w", line, err)
		}
		if record.Seq != l.lastSeq+1 {
			return fmt.Errorf("audit log line %d: seq %d breaks gap-free order after %d", line, record.Seq, l.lastSeq)
		}
		if err := record.verifyAgainst(l.lastHash); err != nil {
			return fmt.Errorf("audit log line %d: %w", line, err)
		}
		l.lastSeq = record.Seq
		l.lastHash = record.Hash
		l.count(&record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// Append sanitizes, seals, and durably writes a record.
func (l *Logger) Append(record *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		return fmt.Errorf("%w: %v", ErrLogFailed, l.failed)
	}

	if record.Timestamp == 0 {
		record.Timestamp = l.clock.Now().UnixNano()
	}
	record.Details = sanitizeMap(record.Details, l.maxFieldLen)

	if err := record.seal(l.lastSeq+1, l.lastHash); err != nil {
		return err
	}
	line, err := record.CanonicalEncode(true)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := l.writer.Write(line); err != nil {
		l.fail(fmt.Errorf("audit durable write failed: %w", err))
		return fmt.Errorf("%w: %v", ErrLogFailed, err)
	}
	if err := l.syncer(); err != nil {
		l.fail(fmt.Errorf("audit durable sync failed: %w", err))
		return fmt.Errorf("%w: %v", ErrLogFailed, err)
	}

	l.lastSeq = record.Seq
	l.lastHash = record.Hash
	l.count(record)
	if l.onRecord != nil {
		l.onRecord(record)
	}
	return nil
}

func (l *Logger) fail(err error) {
	if l.failed == nil {
		l.failed = err
		l.logger.Error("audit log entering failed state", "error", err)
	}
	if l.onFatal != nil && !l.fatled {
		l.fatled = true
		cb := l.onFatal
		go cb(err)
	}
}

func (l *Logger) count(record *Record) {
	l.stats.Total++
	l.stats.ByType[string(record.Type)]++
	if record.Tool != "" {
		l.stats.ByTool[record.Tool]++
	}
	if record.Status != "" {
		l.stats.ByStatus[record.Status]++
	}
	if record.AgentID != "" {
		l.stats.ByAgent[record.AgentID]++
	}
}

// Stats returns a snapshot of the aggregated counters.
func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	snapshot := Stats{
		Total:    l.stats.Total,
		ByType:   make(map[string]int64, len(l.stats.ByType)),
		ByTool:   make(map[string]int64, len(l.stats.ByTool)),
		ByStatus: make(map[string]int64, len(l.stats.ByStatus)),
		ByAgent:  make(map[string]int64, len(l.stats.ByAgent)),
	}
	for k, v := range l.stats.ByType {
		snapshot.ByType[k] = v
	}
	for k, v := range l.stats.ByTool {
		snapshot.ByTool[k] = v
	}
	for k, v := range l.stats.ByStatus {
		snapshot.ByStatus[k] = v
	}
	for k, v := range l.stats.ByAgent {
		snapshot.ByAgent[k] = v
	}
	return snapshot
}

// Head returns the current chain position.
func (l *Logger) Head() (int64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq, l.lastHash
}

// Failed returns the latched fatal error, if any.
func (l *Logger) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Close closes the backing file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// ToolCall records a completed tool call with sanitized arguments.
func (l *Logger) ToolCall(agentID, tool, callID string, args map[string]any, status string, duration time.Duration) error {
	return l.Append(&Record{
		Type:    RecordToolCall,
		AgentID: agentID,
		Tool:    tool,
		CallID:  callID,
		Status:  status,
		Details: map[string]any{
			"args":        args,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

// PolicyDenied records a policy refusal (permission, rate limit, quota,
// reflex override).
func (l *Logger) PolicyDenied(agentID, tool, callID, code, reason string) error {
	return l.Append(&Record{
		Type:    RecordPolicyDenied,
		AgentID: agentID,
		Tool:    tool,
		CallID:  callID,
		Status:  code,
		Details: map[string]any{"reason": reason},
	})
}

// TokenIssued records an approval-token grant.
func (l *Logger) TokenIssued(agentID, tokenID, scope string, expiresAt time.Time) error {
	return l.Append(&Record{
		Type:    RecordTokenIssued,
		AgentID: agentID,
		Status:  "issued",
		Details: map[string]any{
			"token_id":   tokenID,
			"scope":      scope,
			"expires_at": expiresAt.UnixNano(),
		},
	})
}

// TokenRevoked records an approval-token revocation.
func (l *Logger) TokenRevoked(tokenID string) error {
	return l.Append(&Record{
		Type:    RecordTokenRevoked,
		Status:  "revoked",
		Details: map[string]any{"token_id": tokenID},
	})
}

// PluginLifecycle records a plugin state transition.
func (l *Logger) PluginLifecycle(plugin, state, message string) error {
	details := map[string]any{"plugin": plugin}
	if message != "" {
		details["message"] = message
	}
	return l.Append(&Record{
		Type:    RecordPluginLifecycle,
		Status:  state,
		Details: details,
	})
}
