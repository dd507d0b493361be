// Package clock provides the engine's time and identifier sources. Event
// timestamps come from the wall clock; interval measurements (handler CPU
// charges, reflex latency) use Go's monotonic reading so they never run
// backwards. Replay substitutes both sources with recorded values.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies timestamps and call identifiers.
type Clock interface {
	// Now returns the current wall-clock time in UTC. Used for event
	// timestamps and token expiry.
	Now() time.Time

	// Since measures an elapsed interval using the monotonic reading of
	// start. Used for durations, never for timestamps.
	Since(start time.Time) time.Duration

	// CallID returns a fresh 128-bit random call identifier.
	CallID() string
}

// System is the production clock.
type System struct{}

// NewSystem returns the production clock.
func NewSystem() *System { return &System{} }

func (*System) Now() time.Time                      { return time.Now().UTC() }
func (*System) Since(start time.Time) time.Duration { return time.Since(start) }
func (*System) CallID() string                      { return uuid.NewString() }

// Manual is a deterministic clock for tests and replay. Timestamps and call
// IDs are dequeued from scripted values; when the scripts run dry, Manual
// falls back to an advancing fake time and sequential IDs.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	step    time.Duration
	stamps  []time.Time
	callIDs []string
	nextSeq int
}

// NewManual returns a manual clock starting at start, advancing by step on
// each Now call once scripted stamps are exhausted.
func NewManual(start time.Time, step time.Duration) *Manual {
	return &Manual{now: start.UTC(), step: step}
}

// PushTimestamps queues exact timestamps to return from Now, in order.
func (m *Manual) PushTimestamps(stamps ...time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamps = append(m.stamps, stamps...)
}

// PushCallIDs queues exact call IDs to return, in order.
func (m *Manual) PushCallIDs(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callIDs = append(m.callIDs, ids...)
}

// Advance moves the fake time forward without producing a timestamp.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stamps) > 0 {
		next := m.stamps[0]
		m.stamps = m.stamps[1:]
		m.now = next.UTC()
		return m.now
	}
	m.now = m.now.Add(m.step)
	return m.now
}

func (m *Manual) Since(start time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now.Sub(start)
}

func (m *Manual) CallID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.callIDs) > 0 {
		next := m.callIDs[0]
		m.callIDs = m.callIDs[1:]
		return next
	}
	m.nextSeq++
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(m.nextSeq), byte(m.nextSeq >> 8)}).String()
}
