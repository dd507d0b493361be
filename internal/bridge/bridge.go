// Package bridge is the WebSocket JSON-RPC surface agents connect to. Each
// connection is a session bound to one declared agent identity; requests are
// translated into scheduler operations and world-model queries, and
// subscribed events are pushed back as notify messages in seq order.
package bridge

import (
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/internal/observability"
	"github.com/haasonsaas/synapse/internal/scheduler"
	"github.com/haasonsaas/synapse/internal/store"
	"github.com/haasonsaas/synapse/internal/tools"
	"github.com/haasonsaas/synapse/internal/worldmodel"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingInterval    = 20 * time.Second

	// sendBuffer bounds the per-connection outbound queue. Responses always
	// enqueue; a full queue drops notifications with an in-band gap notice.
	sendBuffer = 256

	maxHistoryLimit     = 500
	defaultHistoryLimit = 50
)

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Options configure a Bridge.
type Options struct {
	Scheduler *scheduler.Scheduler
	World     *worldmodel.Log
	Registry  *tools.Registry
	Store     *store.Store

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// SubscriberBuffer is the per-subscription high-water mark handed to the
	// world model. Zero uses the world model default.
	SubscriberBuffer int
}

// Bridge upgrades HTTP requests to agent sessions. It is an http.Handler so
// the caller owns the listener and can mount it alongside health endpoints.
type Bridge struct {
	scheduler *scheduler.Scheduler
	world     *worldmodel.Log
	registry  *tools.Registry
	store     *store.Store

	clock   clock.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	buffer  int

	upgrader websocket.Upgrader
}

// New builds a Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Scheduler == nil || opts.World == nil || opts.Registry == nil {
		return nil, errMissingDeps
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bridge{
		scheduler: opts.Scheduler,
		world:     opts.World,
		registry:  opts.Registry,
		store:     opts.Store,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "bridge"),
		metrics:   opts.Metrics,
		buffer:    opts.SubscriberBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP upgrades the request and runs the session until the connection
// drops. Blocking here is fine: net/http gives each connection a goroutine.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	session := newSession(b, conn, uuid.NewString())
	b.logger.Debug("session opened", "session_id", session.id, "remote", r.RemoteAddr)
	session.run(r.Context())
	b.logger.Debug("session closed", "session_id", session.id, "agent_id", session.agentID)
}
