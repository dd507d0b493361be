// Package scheduler is the engine core: it admits tool calls through the
// policy gauntlet, records them in the world model, executes handlers on a
// bounded worker pool with per-call deadlines, and fans sensor events out to
// the reflex engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/internal/observability"
	"github.com/haasonsaas/synapse/internal/permission"
	"github.com/haasonsaas/synapse/internal/quota"
	"github.com/haasonsaas/synapse/internal/reflex"
	"github.com/haasonsaas/synapse/internal/tools"
	"github.com/haasonsaas/synapse/internal/worldmodel"
	"github.com/haasonsaas/synapse/pkg/models"
)

const (
	// DefaultTimeout bounds a handler that declares none.
	DefaultTimeout = 30 * time.Second

	// DefaultGrace is how long a handler gets to cancel cooperatively after
	// its deadline before a timeout result is synthesized and the task
	// abandoned.
	DefaultGrace = 500 * time.Millisecond

	// DefaultMaxConcurrent is the worker pool size.
	DefaultMaxConcurrent = 8
)

// errReflexPreempted cancels an in-flight agent call whose actuator a
// higher-priority reflex claimed.
var errReflexPreempted = errors.New("preempted by reflex action")

// Call is one tool invocation entering the scheduler.
type Call struct {
	AgentID string
	CallID  string
	Tool    string
	Args    map[string]any

	// ApprovalToken is the optional signed token presented with the call.
	ApprovalToken string

	// Reflex marks engine-originated calls. They bypass permission and
	// quota but are still schema-validated and recorded.
	Reflex       bool
	ReflexRuleID string
	Priority     int

	// SourceSeq is the sensor event that fired the reflex.
	SourceSeq int64
}

// Options configure a Scheduler.
type Options struct {
	Registry    *tools.Registry
	Permissions *permission.Layer
	Quota       *quota.Engine
	Reflexes    *reflex.Engine
	World       *worldmodel.Log
	Audit       *audit.Logger

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	MaxConcurrent  int
	DefaultTimeout time.Duration
	Grace          time.Duration

	// RecordedResults, when set, replaces handler execution: each call
	// returns its recorded result by call_id. This is replay mode.
	RecordedResults func(callID string) (*models.ToolResult, bool)
}

// Scheduler dispatches calls and sensor events.
type Scheduler struct {
	registry    *tools.Registry
	permissions *permission.Layer
	quota       *quota.Engine
	reflexes    *reflex.Engine
	world       *worldmodel.Log
	audit       *audit.Logger

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	defaultTimeout time.Duration
	grace          time.Duration
	workers        chan struct{}
	recorded       func(callID string) (*models.ToolResult, bool)

	admissionMu sync.Mutex
	admission   map[string]*sync.Mutex

	inflightMu sync.Mutex
	inflight   map[*inflightCall]struct{}

	wg sync.WaitGroup
}

type inflightCall struct {
	resource string
	agent    bool
	cancel   context.CancelCauseFunc
}

// New builds a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Registry == nil || opts.World == nil {
		return nil, fmt.Errorf("scheduler requires a registry and a world model")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &Scheduler{
		registry:       opts.Registry,
		permissions:    opts.Permissions,
		quota:          opts.Quota,
		reflexes:       opts.Reflexes,
		world:          opts.World,
		audit:          opts.Audit,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "scheduler"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		defaultTimeout: opts.DefaultTimeout,
		grace:          opts.Grace,
		workers:        make(chan struct{}, opts.MaxConcurrent),
		recorded:       opts.RecordedResults,
		admission:      make(map[string]*sync.Mutex),
		inflight:       make(map[*inflightCall]struct{}),
	}, nil
}

// Wait blocks until all in-flight dispatches have completed. Used on
// shutdown and in tests.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) admissionLock(agentID string) *sync.Mutex {
	s.admissionMu.Lock()
	defer s.admissionMu.Unlock()
	mu, ok := s.admission[agentID]
	if !ok {
		mu = &sync.Mutex{}
		s.admission[agentID] = mu
	}
	return mu
}

// Dispatch runs the full per-call protocol and blocks until the call
// resolves. ctx carries the caller's cancellation: for agent calls a client
// disconnect cancels it.
func (s *Scheduler) Dispatch(ctx context.Context, call Call) (*models.ToolResult, *models.EngineError) {
	if call.CallID == "" {
		call.CallID = s.clock.CallID()
	}
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "dispatch",
			trace.WithAttributes(
				attribute.String("tool", call.Tool),
				attribute.String("agent_id", call.AgentID),
				attribute.Bool("reflex", call.Reflex),
			))
		defer span.End()
	}

	descriptor, args, engErr := s.admit(ctx, &call)
	if engErr != nil {
		if s.metrics != nil {
			s.metrics.Denials.WithLabelValues(string(engErr.Code)).Inc()
		}
		return nil, engErr
	}
	return s.execute(ctx, &call, descriptor, args)
}

// admit runs steps 1-5 of the per-call protocol serialized per agent:
// lookup, validation, permission, override and quota checks, and the
// tool_call append. Policy denials are audited; validation failures are not.
func (s *Scheduler) admit(ctx context.Context, call *Call) (*models.ToolDescriptor, map[string]any, *models.EngineError) {
	lock := s.admissionLock(call.AgentID)
	lock.Lock()
	defer lock.Unlock()

	descriptor, engErr := s.registry.Get(call.Tool)
	if engErr != nil {
		return nil, nil, engErr
	}

	args, engErr := s.registry.ValidateArgs(call.Tool, call.Args)
	if engErr != nil {
		return nil, nil, engErr
	}

	if !call.Reflex {
		if s.permissions != nil {
			decision := s.permissions.Check(ctx, call.AgentID, descriptor, call.ApprovalToken)
			if !decision.Allowed {
				s.auditDenial(call, models.CodePermissionDenied, decision.Reason)
				return nil, nil, models.NewEngineError(models.CodePermissionDenied, "%s", decision.Reason).
					WithData("missing_scope", decision.Missing)
			}
		}
		if s.reflexes != nil && descriptor.Resource != "" {
			if ruleID, priority, held := s.reflexes.Override(descriptor.Resource); held {
				reason := fmt.Sprintf("resource %q is held by reflex rule %q", descriptor.Resource, ruleID)
				s.auditDenial(call, models.CodeReflexOverride, reason)
				return nil, nil, models.NewEngineError(models.CodeReflexOverride, "%s", reason).
					WithData("rule_id", ruleID).
					WithData("priority", priority)
			}
		}
		if s.quota != nil {
			if engErr := s.quota.Admit(call.AgentID, descriptor); engErr != nil {
				s.auditDenial(call, engErr.Code, engErr.Message)
				return nil, nil, engErr
			}
		}
	}

	payload := map[string]any{
		"tool": call.Tool,
		"args": audit.SanitizeArgs(args, 1024),
	}
	if call.Reflex {
		payload["reflex"] = true
		payload["rule_id"] = call.ReflexRuleID
	}
	event := &models.Event{
		Type:    models.EventToolCall,
		AgentID: call.AgentID,
		CallID:  call.CallID,
		Payload: payload,
	}
	if _, err := s.world.Append(event); err != nil {
		s.logger.Error("tool_call append failed", "call_id", call.CallID, "error", err)
		return nil, nil, models.NewEngineError(models.CodeInternal, "event log unavailable")
	}
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(models.EventToolCall)).Inc()
	}
	return descriptor, args, nil
}

func (s *Scheduler) auditDenial(call *Call, code models.ErrorCode, reason string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.PolicyDenied(call.AgentID, call.Tool, call.CallID, string(code), reason); err != nil {
		s.logger.Error("audit denial failed", "call_id", call.CallID, "error", err)
	}
}

// execute runs the handler on a worker under the per-tool deadline, then
// appends the tool_result, charges quota, and audits the call.
func (s *Scheduler) execute(ctx context.Context, call *Call, descriptor *models.ToolDescriptor, args map[string]any) (*models.ToolResult, *models.EngineError) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.workers <- struct{}{}
	defer func() { <-s.workers }()

	timeout := s.defaultTimeout
	if descriptor.Timeout > 0 {
		timeout = descriptor.Timeout
	}

	start := s.clock.Now()
	result := s.runHandler(ctx, call, descriptor, args, timeout)
	elapsed := s.clock.Since(start)

	s.finish(call, result, elapsed)
	return result, nil
}

type outcome struct {
	result *models.ToolResult
	err    error
}

// runHandler is the deadline machinery: the handler runs in its own
// goroutine with a result channel of depth one and a non-blocking send, so
// an abandoned handler can still complete without leaking a goroutine stuck
// on a send.
func (s *Scheduler) runHandler(parent context.Context, call *Call, descriptor *models.ToolDescriptor, args map[string]any, timeout time.Duration) *models.ToolResult {
	if s.recorded != nil {
		if result, ok := s.recorded(call.CallID); ok {
			return result
		}
		return models.Errorf("no recorded result for call %s", call.CallID)
	}

	// Reflex and safety calls are never canceled by their originator.
	base := parent
	if call.Reflex {
		base = context.Background()
	}
	ctx, cancel := context.WithCancelCause(base)
	defer cancel(nil)
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	flight := &inflightCall{resource: descriptor.Resource, agent: !call.Reflex, cancel: cancel}
	s.trackInflight(flight)
	defer s.untrackInflight(flight)

	results := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("handler panic", "tool", call.Tool, "panic", r, "stack", string(debug.Stack()))
				select {
				case results <- outcome{result: models.Errorf("handler panic: %v", r)}:
				default:
				}
			}
		}()
		result, err := descriptor.Handler(ctx, args)
		select {
		case results <- outcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case out := <-results:
		return s.resolveOutcome(ctx, call, out)
	case <-ctx.Done():
	}

	// Deadline or cancellation hit; give the handler a grace period to
	// return on its own before synthesizing a result and abandoning it.
	select {
	case out := <-results:
		return s.resolveOutcome(ctx, call, out)
	case <-time.After(s.grace):
	}

	switch {
	case errors.Is(context.Cause(ctx), errReflexPreempted):
		return &models.ToolResult{Status: models.ToolStatusError, Error: string(models.CodeReflexOverride)}
	case base.Err() != nil && !call.Reflex:
		return &models.ToolResult{Status: models.ToolStatusClientDisconnected, Error: "client disconnected mid-call"}
	default:
		s.logger.Warn("handler abandoned after timeout", "tool", call.Tool, "call_id", call.CallID, "timeout", timeout)
		return &models.ToolResult{Status: models.ToolStatusTimeout, Error: fmt.Sprintf("handler exceeded %s deadline", timeout)}
	}
}

func (s *Scheduler) resolveOutcome(ctx context.Context, call *Call, out outcome) *models.ToolResult {
	if out.err != nil {
		if errors.Is(context.Cause(ctx), errReflexPreempted) {
			return &models.ToolResult{Status: models.ToolStatusError, Error: string(models.CodeReflexOverride)}
		}
		if errors.Is(out.err, context.DeadlineExceeded) {
			return &models.ToolResult{Status: models.ToolStatusTimeout, Error: out.err.Error()}
		}
		if errors.Is(out.err, context.Canceled) && !call.Reflex {
			return &models.ToolResult{Status: models.ToolStatusClientDisconnected, Error: "client disconnected mid-call"}
		}
		return models.Errorf("%v", out.err)
	}
	if out.result == nil {
		return models.OK(nil)
	}
	return out.result
}

// finish appends the tool_result event, charges the attempt to the agent's
// quota, and writes the audit record. Every admitted call gets exactly one
// tool_result, whatever its outcome.
func (s *Scheduler) finish(call *Call, result *models.ToolResult, elapsed time.Duration) {
	payload := map[string]any{
		"tool":        call.Tool,
		"status":      string(result.Status),
		"duration_ms": elapsed.Milliseconds(),
	}
	if result.Output != nil {
		payload["output"] = audit.SanitizeArgs(result.Output, 1024)
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	event := &models.Event{
		Type:    models.EventToolResult,
		AgentID: call.AgentID,
		CallID:  call.CallID,
		Payload: payload,
	}
	if _, err := s.world.Append(event); err != nil {
		s.logger.Error("tool_result append failed", "call_id", call.CallID, "error", err)
	}

	if s.quota != nil && !call.Reflex {
		s.quota.ChargeCPU(call.AgentID, elapsed)
		if result.DurableBytes > 0 {
			s.quota.ChargeStorage(call.AgentID, result.DurableBytes)
		}
	}
	if s.audit != nil {
		if err := s.audit.ToolCall(call.AgentID, call.Tool, call.CallID, call.Args, string(result.Status), elapsed); err != nil {
			s.logger.Error("audit tool call failed", "call_id", call.CallID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.EventsAppended.WithLabelValues(string(models.EventToolResult)).Inc()
		s.metrics.ToolCalls.WithLabelValues(call.Tool, string(result.Status), strconv.FormatBool(call.Reflex)).Inc()
		s.metrics.ToolDuration.WithLabelValues(call.Tool).Observe(elapsed.Seconds())
	}
}

func (s *Scheduler) trackInflight(c *inflightCall) {
	s.inflightMu.Lock()
	s.inflight[c] = struct{}{}
	s.inflightMu.Unlock()
}

func (s *Scheduler) untrackInflight(c *inflightCall) {
	s.inflightMu.Lock()
	delete(s.inflight, c)
	s.inflightMu.Unlock()
}

// preemptResource cancels in-flight agent calls holding the resource a
// reflex action just claimed. Reflex-originated work is never preempted.
func (s *Scheduler) preemptResource(resource string) {
	if resource == "" {
		return
	}
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	for c := range s.inflight {
		if c.agent && c.resource == resource {
			c.cancel(errReflexPreempted)
		}
	}
}
