// Package permission decides whether an agent may invoke a tool. Decisions
// combine statically granted scopes with dynamically issued approval tokens;
// every denial carries the missing scope so agents can request it.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/internal/store"
	"github.com/haasonsaas/synapse/pkg/models"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	// Missing is the first required scope the agent does not hold, for
	// denials.
	Missing string
	Reason  string
}

// Allow is the positive decision.
var Allow = Decision{Allowed: true}

func deny(missing, reason string) Decision {
	return Decision{Missing: missing, Reason: reason}
}

// Options configure a Layer.
type Options struct {
	// Secret signs and verifies approval tokens. Required.
	Secret []byte

	// Grantable restricts which scopes issue() will sign. Empty means any
	// scope is grantable.
	Grantable []string

	// DefaultScopes are granted to every agent.
	DefaultScopes []string

	// AgentScopes are extra static grants per agent id.
	AgentScopes map[string][]string

	Store  *store.Store
	Audit  *audit.Logger
	Clock  clock.Clock
	Logger *slog.Logger
}

// Layer is the permission checker and token authority.
type Layer struct {
	mu        sync.RWMutex
	secret    []byte
	grantable map[string]bool
	defaults  map[string]bool
	perAgent  map[string]map[string]bool

	store  *store.Store
	audit  *audit.Logger
	clock  clock.Clock
	logger *slog.Logger
}

// New builds a Layer from options.
func New(opts Options) (*Layer, error) {
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("permission layer requires a signing secret")
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &Layer{
		secret:    opts.Secret,
		grantable: toSet(opts.Grantable),
		defaults:  toSet(opts.DefaultScopes),
		perAgent:  make(map[string]map[string]bool, len(opts.AgentScopes)),
		store:     opts.Store,
		audit:     opts.Audit,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "permission"),
	}
	for agent, scopes := range opts.AgentScopes {
		l.perAgent[agent] = toSet(scopes)
	}
	return l, nil
}

func toSet(scopes []string) map[string]bool {
	set := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// Grant adds a static scope grant for an agent at runtime.
func (l *Layer) Grant(agentID, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perAgent[agentID] == nil {
		l.perAgent[agentID] = make(map[string]bool)
	}
	l.perAgent[agentID][scope] = true
}

// GrantedScopes returns the static scopes an agent holds, sorted.
func (l *Layer) GrantedScopes(agentID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	set := make(map[string]bool, len(l.defaults))
	for s := range l.defaults {
		set[s] = true
	}
	for s := range l.perAgent[agentID] {
		set[s] = true
	}
	scopes := make([]string, 0, len(set))
	for s := range set {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}

// Check decides whether agentID may call the tool. rawToken is the optional
// approval token presented with the call.
func (l *Layer) Check(ctx context.Context, agentID string, tool *models.ToolDescriptor, rawToken string) Decision {
	if len(tool.RequiredScopes) == 0 {
		return Allow
	}

	l.mu.RLock()
	held := make(map[string]bool, len(l.defaults))
	for s := range l.defaults {
		held[s] = true
	}
	for s := range l.perAgent[agentID] {
		held[s] = true
	}
	l.mu.RUnlock()

	if rawToken != "" {
		claims, err := l.verifyToken(ctx, agentID, rawToken)
		if err != nil {
			l.logger.Warn("approval token rejected", "agent_id", agentID, "tool", tool.Name, "error", err)
		} else {
			held[claims.Scope] = true
		}
	}

	for _, required := range tool.RequiredScopes {
		if !held[required] {
			return deny(required, fmt.Sprintf("missing scope %q for tool %q", required, tool.Name))
		}
	}
	return Allow
}
