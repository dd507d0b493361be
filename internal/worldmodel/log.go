// Package worldmodel implements the append-only, hash-chained event log that
// is the single source of truth for everything the engine observed or did.
//
// Appends are atomic with respect to durability: the canonical line is
// written and fsynced before the in-memory chain head advances or any
// subscriber sees the event. A failed durable write latches the log into a
// failed state; further appends are refused so the chain can never fork.
package worldmodel

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

	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/pkg/models"
)

// ErrLogFailed is returned by Append after a durable-write failure. The
// engine treats it as fatal (exit code 4).
var ErrLogFailed = errors.New("world model log is in failed state")

// ErrClockRegression is returned when the wall clock runs backwards past the
// last appended timestamp. Integrity error, fatal.
var ErrClockRegression = errors.New("clock regression detected")

// DefaultRingSize is the number of recent events kept in memory for fast
// Recent queries.
const DefaultRingSize = 1024

// WriteSyncer is the durable sink for encoded event lines. *os.File
// satisfies it; tests inject failing writers.
type WriteSyncer interface {
	io.Writer
	Sync() error
}

// Head identifies the current end of the chain.
type Head struct {
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
}

// Options configure a Log.
type Options struct {
	Clock    clock.Clock
	RingSize int
	Logger   *slog.Logger

	// OnFatal is invoked once when the log latches into the failed state.
	OnFatal func(error)

	// writer overrides the file sink, for tests.
	writer WriteSyncer
}

// WithWriter returns options using w as the durable sink instead of a file.
func (o Options) WithWriter(w WriteSyncer) Options {
	o.writer = w
	return o
}

// Log is the world model event log.
type Log struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *slog.Logger

	file   *os.File
	sink   WriteSyncer
	failed error

	lastSeq  int64
	lastHash string
	lastTS   int64

	ring  []*models.Event
	next  int
	count int

	subs    map[string]*Subscription
	onFatal func(error)
	fatled  bool
}

// Open opens (creating if needed) the event log at path, verifies the full
// hash chain, and positions the chain head at the last event.
func Open(path string, opts Options) (*Log, error) {
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := &Log{
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "worldmodel"),
		ring:    make([]*models.Event, opts.RingSize),
		subs:    make(map[string]*Subscription),
		onFatal: opts.OnFatal,
	}

	if opts.writer != nil {
		l.sink = opts.writer
		return l, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := l.replay(file); err != nil {
		file.Close()
		return nil, err
	}
	l.file = file
	l.sink = file
	return l, nil
}

// replay walks the existing log hash-by-hash. The first mismatch is a fatal
// startup error.
func (l *Log) replay(file *os.File) error {
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
		event, err := DecodeEvent(raw)
		if err != nil {
			return fmt.Errorf("event log line %d: %w", line, err)
		}
		if event.Seq != l.lastSeq+1 {
			return fmt.Errorf("event log line %d: seq %d breaks gap-free order after %d", line, event.Seq, l.lastSeq)
		}
		if err := event.VerifyAgainst(l.lastHash); err != nil {
			return fmt.Errorf("event log line %d: %w", line, err)
		}
		l.lastSeq = event.Seq
		l.lastHash = event.Hash
		l.lastTS = event.Timestamp
		l.push(event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

// DecodeEvent parses one canonical log line. Payload numbers are kept as
// json.Number so a decoded event re-encodes to the exact bytes that were
// hashed; replay depends on this.
func DecodeEvent(raw []byte) (*models.Event, error) {
	var event models.Event
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if !models.ValidEventType(event.Type) {
		return nil, fmt.Errorf("decode event: unknown type %q", event.Type)
	}
	return &event, nil
}

// Append seals the event into the chain and durably writes it. On success
// the assigned seq is returned and subscribers receive the event in order.
// Events passed in must not carry a seq, hash, or prev_hash.
func (l *Log) Append(event *models.Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		return 0, fmt.Errorf("%w: %v", ErrLogFailed, l.failed)
	}

	if event.Timestamp == 0 {
		event.Timestamp = l.clock.Now().UnixNano()
	}
	if event.Timestamp < l.lastTS {
		err := fmt.Errorf("%w: event ts %d before chain head ts %d", ErrClockRegression, event.Timestamp, l.lastTS)
		l.fail(err)
		return 0, err
	}

	if err := event.Seal(l.lastSeq+1, l.lastHash); err != nil {
		return 0, err
	}

	line, err := event.CanonicalEncode(true)
	if err != nil {
		return 0, err
	}
	line = append(line, '\n')

	if _, err := l.sink.Write(line); err != nil {
		l.fail(fmt.Errorf("durable write failed: %w", err))
		return 0, fmt.Errorf("%w: %v", ErrLogFailed, err)
	}
	if err := l.sink.Sync(); err != nil {
		l.fail(fmt.Errorf("durable sync failed: %w", err))
		return 0, fmt.Errorf("%w: %v", ErrLogFailed, err)
	}

	l.lastSeq = event.Seq
	l.lastHash = event.Hash
	l.lastTS = event.Timestamp
	l.push(event)
	l.broadcast(event)
	return event.Seq, nil
}

// fail latches the log into the failed state. Called with l.mu held.
func (l *Log) fail(err error) {
	if l.failed == nil {
		l.failed = err
		l.logger.Error("world model entering failed state", "error", err)
	}
	if l.onFatal != nil && !l.fatled {
		l.fatled = true
		cb := l.onFatal
		go cb(err)
	}
}

// Failed returns the latched fatal error, if any.
func (l *Log) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Snapshot returns the current chain head.
func (l *Log) Snapshot() Head {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Head{Seq: l.lastSeq, Hash: l.lastHash}
}

// push stores the event in the recency ring. Called with l.mu held.
func (l *Log) push(event *models.Event) {
	l.ring[l.next] = event
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// Recent returns up to n most recent events matching the filter, oldest
// first. Events older than the recency ring are served from the durable
// store.
func (l *Log) Recent(n int, filter *Filter) ([]*models.Event, error) {
	if n <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	matched := make([]*models.Event, 0, n)
	oldestRingSeq := int64(0)
	for i := 0; i < l.count; i++ {
		idx := (l.next - l.count + i + len(l.ring)) % len(l.ring)
		event := l.ring[idx]
		if oldestRingSeq == 0 {
			oldestRingSeq = event.Seq
		}
		if filter.Matches(event) {
			matched = append(matched, event.Clone())
		}
	}
	file := l.file
	l.mu.Unlock()

	if len(matched) >= n || file == nil || oldestRingSeq <= 1 {
		return tail(matched, n), nil
	}

	// Not enough in the ring: scan the durable store for older events.
	older, err := l.scanFile(oldestRingSeq, filter, n-len(matched))
	if err != nil {
		return nil, err
	}
	return tail(append(older, matched...), n), nil
}

// scanFile reads events with seq < beforeSeq from the durable file, matching
// the filter, returning at most limit of the newest such events.
func (l *Log) scanFile(beforeSeq int64, filter *Filter, limit int) ([]*models.Event, error) {
	f, err := os.Open(l.file.Name())
	if err != nil {
		return nil, fmt.Errorf("open event log for read: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var matched []*models.Event
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		event, err := DecodeEvent(raw)
		if err != nil {
			return nil, err
		}
		if event.Seq >= beforeSeq {
			break
		}
		if filter.Matches(event) {
			matched = append(matched, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tail(matched, limit), nil
}

func tail(events []*models.Event, n int) []*models.Event {
	if len(events) > n {
		return events[len(events)-n:]
	}
	return events
}

// Close detaches all subscribers and closes the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, sub := range l.subs {
		close(sub.ch)
		delete(l.subs, id)
	}
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
