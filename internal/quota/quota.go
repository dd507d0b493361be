// Package quota enforces per-agent call rates and resource budgets. Each
// (agent, tool) pair gets a continuously refilled token bucket; each agent
// additionally carries CPU-time and storage-byte accumulators over a rolling
// window.
package quota

import (
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/pkg/models"
)

// DefaultWindow is the budget window length when none is configured.
const DefaultWindow = 60 * time.Second

// Limits are the per-agent budget settings.
type Limits struct {
	// CPUBudgetMS caps summed handler wall-clock per window. Zero means
	// unlimited.
	CPUBudgetMS int64 `json:"cpu_budget_ms" yaml:"cpu_budget_ms"`

	// StorageBytes caps durable bytes reported by tools per window. Zero
	// means unlimited.
	StorageBytes int64 `json:"storage_bytes" yaml:"storage_bytes"`

	// Window is the budget window length.
	Window time.Duration `json:"window" yaml:"window"`
}

func (l Limits) withDefaults() Limits {
	if l.Window <= 0 {
		l.Window = DefaultWindow
	}
	return l
}

// Usage is a snapshot of an agent's consumption in the current window.
type Usage struct {
	CPUUsedMS    int64     `json:"cpu_used_ms"`
	CPUBudgetMS  int64     `json:"cpu_budget_ms"`
	StorageUsed  int64     `json:"storage_used_bytes"`
	StorageQuota int64     `json:"storage_quota_bytes"`
	WindowStart  time.Time `json:"window_started_at"`
	WindowEnd    time.Time `json:"window_ends_at"`
}

// Engine tracks buckets and budgets for all agents.
type Engine struct {
	mu       sync.Mutex
	clock    clock.Clock
	logger   *slog.Logger
	defaults Limits
	agents   map[string]*agentState
}

type agentState struct {
	limits      Limits
	cpuUsedMS   int64
	storageUsed int64
	windowStart time.Time
	buckets     map[string]*bucket
}

// bucket is a token bucket with continuous time-driven refill. The engine
// mutex guards it; buckets are never touched outside the engine.
type bucket struct {
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
}

func (b *bucket) tryConsume(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.perSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// New builds an Engine with the given default limits.
func New(defaults Limits, c clock.Clock, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.NewSystem()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		clock:    c,
		logger:   logger.With("component", "quota"),
		defaults: defaults.withDefaults(),
		agents:   make(map[string]*agentState),
	}
}

// SetAgentLimits overrides the default limits for one agent. Takes effect at
// the next window boundary for counters already in flight.
func (e *Engine) SetAgentLimits(agentID string, limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateLocked(agentID)
	state.limits = limits.withDefaults()
}

func (e *Engine) stateLocked(agentID string) *agentState {
	state, ok := e.agents[agentID]
	if !ok {
		state = &agentState{
			limits:      e.defaults,
			windowStart: e.clock.Now(),
			buckets:     make(map[string]*bucket),
		}
		e.agents[agentID] = state
	}
	return state
}

// rollWindow resets accumulators when the window has elapsed. Resetting twice
// at the same instant is a no-op; counters only ever go to zero, never
// negative.
func (e *Engine) rollWindow(state *agentState, now time.Time) {
	if now.Sub(state.windowStart) >= state.limits.Window {
		state.cpuUsedMS = 0
		state.storageUsed = 0
		state.windowStart = now
	}
}

// Admit runs the rate-limit and budget checks for an intended call. A nil
// return admits the call. Reflex-originated calls skip Admit entirely.
func (e *Engine) Admit(agentID string, tool *models.ToolDescriptor) *models.EngineError {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	state := e.stateLocked(agentID)
	e.rollWindow(state, now)

	if tool.RateLimitPerMinute > 0 {
		b, ok := state.buckets[tool.Name]
		if !ok {
			capacity := float64(tool.RateLimitPerMinute)
			b = &bucket{capacity: capacity, tokens: capacity, perSec: capacity / 60, last: now}
			state.buckets[tool.Name] = b
		}
		if !b.tryConsume(now) {
			return models.NewEngineError(models.CodeRateLimited, "rate limit exceeded for tool %q", tool.Name)
		}
	}

	if state.limits.CPUBudgetMS > 0 && state.cpuUsedMS >= state.limits.CPUBudgetMS {
		return models.NewEngineError(models.CodeCPUExhausted, "cpu budget exhausted: %dms used of %dms", state.cpuUsedMS, state.limits.CPUBudgetMS)
	}
	if state.limits.StorageBytes > 0 && state.storageUsed >= state.limits.StorageBytes {
		return models.NewEngineError(models.CodeStorageExhausted, "storage budget exhausted: %d bytes used of %d", state.storageUsed, state.limits.StorageBytes)
	}
	return nil
}

// ChargeCPU adds measured handler wall-clock to the agent's CPU accumulator.
// Charged after completion, so a call may overshoot the budget once; the next
// Admit in the window then denies.
func (e *Engine) ChargeCPU(agentID string, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateLocked(agentID)
	e.rollWindow(state, e.clock.Now())
	state.cpuUsedMS += elapsed.Milliseconds()
}

// ChargeStorage adds tool-reported durable bytes to the agent's storage
// accumulator.
func (e *Engine) ChargeStorage(agentID string, bytes int64) {
	if bytes <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state := e.stateLocked(agentID)
	e.rollWindow(state, e.clock.Now())
	state.storageUsed += bytes
}

// Snapshot returns an agent's current-window usage.
func (e *Engine) Snapshot(agentID string) Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	state := e.stateLocked(agentID)
	e.rollWindow(state, now)
	return Usage{
		CPUUsedMS:    state.cpuUsedMS,
		CPUBudgetMS:  state.limits.CPUBudgetMS,
		StorageUsed:  state.storageUsed,
		StorageQuota: state.limits.StorageBytes,
		WindowStart:  state.windowStart,
		WindowEnd:    state.windowStart.Add(state.limits.Window),
	}
}

// Remove drops all state for an agent. Called when a session terminates and
// its quota window has expired.
func (e *Engine) Remove(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.agents, agentID)
}

// Sweep removes agents whose window ended before cutoff and whose buckets
// have fully refilled, i.e. agents with no live quota state. Returns the ids
// removed; the caller decides whether their sessions are also gone.
func (e *Engine) Sweep(cutoff time.Time) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var removed []string
	for id, state := range e.agents {
		if state.windowStart.Add(state.limits.Window).Before(cutoff) {
			removed = append(removed, id)
			delete(e.agents, id)
		}
	}
	return removed
}
