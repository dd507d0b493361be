package bridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/audit"
	"github.com/haasonsaas/synapse/internal/observability"
	"github.com/haasonsaas/synapse/internal/permission"
	"github.com/haasonsaas/synapse/internal/quota"
	"github.com/haasonsaas/synapse/internal/scheduler"
	"github.com/haasonsaas/synapse/internal/store"
	"github.com/haasonsaas/synapse/internal/tools"
	"github.com/haasonsaas/synapse/internal/worldmodel"
	"github.com/haasonsaas/synapse/pkg/models"
)

type fixture struct {
	server   *httptest.Server
	world    *worldmodel.Log
	registry *tools.Registry
	store    *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	world, err := worldmodel.Open(filepath.Join(t.TempDir(), "events.log"), worldmodel.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { world.Close() })

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := tools.NewRegistry(logger)
	require.NoError(t, registry.Register(&models.ToolDescriptor{
		Name: "echo",
		InputSchema: &models.InputSchema{
			Properties: map[string]*models.Property{"text": {Type: "string"}},
			Required:   []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			return models.OK(map[string]any{"text": args["text"]}), nil
		},
	}))
	require.NoError(t, registry.Register(&models.ToolDescriptor{
		Name:           "vault.read",
		RequiredScopes: []string{"vault"},
		Handler: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			return models.OK(nil), nil
		},
	}))
	require.NoError(t, registry.Register(&models.ToolDescriptor{
		Name: "slow",
		Handler: func(ctx context.Context, args map[string]any) (*models.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	perms, err := permission.New(permission.Options{Secret: []byte("test-secret"), Logger: logger})
	require.NoError(t, err)
	auditLog := audit.NewWithWriter(io.Discard, audit.Options{Logger: logger})

	sched, err := scheduler.New(scheduler.Options{
		Registry:    registry,
		Permissions: perms,
		Quota:       quota.New(quota.Limits{}, nil, logger),
		World:       world,
		Audit:       auditLog,
		Logger:      logger,
		Grace:       50 * time.Millisecond,
	})
	require.NoError(t, err)

	b, err := New(Options{
		Scheduler: sched,
		World:     world,
		Registry:  registry,
		Store:     st,
		Logger:    logger,
	})
	require.NoError(t, err)

	server := httptest.NewServer(b)
	t.Cleanup(server.Close)
	return &fixture{server: server, world: world, registry: registry, store: st}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func request(t *testing.T, conn *websocket.Conn, id int, method string, params any) {
	t.Helper()
	frame := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		frame["params"] = params
	}
	require.NoError(t, conn.WriteJSON(frame))
}

type response struct {
	ID     json.Number    `json:"id"`
	Result map[string]any `json:"result"`
	Error  *rpcError      `json:"error"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// awaitResponse reads frames until the response with the given id arrives,
// skipping interleaved notifications.
func awaitResponse(t *testing.T, conn *websocket.Conn, id int) *response {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var resp response
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.Method == "notify" {
			continue
		}
		if resp.ID.String() == "" {
			continue
		}
		got, err := resp.ID.Int64()
		require.NoError(t, err)
		if got == int64(id) {
			return &resp
		}
	}
	t.Fatalf("no response for id %d", id)
	return nil
}

func awaitNotify(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var resp response
		require.NoError(t, conn.ReadJSON(&resp))
		if resp.Method == "notify" {
			return resp.Params
		}
	}
}

func hello(t *testing.T, conn *websocket.Conn, agentID string) {
	t.Helper()
	request(t, conn, 1, "hello", map[string]any{"agent_id": agentID})
	resp := awaitResponse(t, conn, 1)
	require.Nil(t, resp.Error)
	require.Equal(t, agentID, resp.Result["agent_id"])
}

func TestHelloRequiredFirst(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	request(t, conn, 1, "list_tools", nil)
	resp := awaitResponse(t, conn, 1)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)

	request(t, conn, 2, "hello", map[string]any{"agent_id": "not ok!"})
	resp = awaitResponse(t, conn, 2)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestHelloRegistersAgent(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	agent, err := f.store.GetAgent(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", agent.AgentID)
}

func TestListAndGetTools(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "list_tools", nil)
	resp := awaitResponse(t, conn, 2)
	require.Nil(t, resp.Error)
	tools := resp.Result["tools"].([]any)
	require.Len(t, tools, 3)

	request(t, conn, 3, "get_tool_info", map[string]any{"name": "echo"})
	resp = awaitResponse(t, conn, 3)
	require.Nil(t, resp.Error)

	request(t, conn, 4, "get_tool_info", map[string]any{"name": "nope"})
	resp = awaitResponse(t, conn, 4)
	require.NotNil(t, resp.Error)
	require.Equal(t, models.JSONRPCCode(models.CodeToolNotFound), resp.Error.Code)
}

func TestCallTool(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "call_tool", map[string]any{
		"tool_name": "echo",
		"args":      map[string]any{"text": "hi"},
	})
	resp := awaitResponse(t, conn, 2)
	require.Nil(t, resp.Error)
	require.Equal(t, "ok", resp.Result["status"])
	output := resp.Result["output"].(map[string]any)
	require.Equal(t, "hi", output["text"])
}

func TestCallToolPermissionDenied(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "call_tool", map[string]any{"tool_name": "vault.read"})
	resp := awaitResponse(t, conn, 2)
	require.NotNil(t, resp.Error)
	require.Equal(t, models.JSONRPCCode(models.CodePermissionDenied), resp.Error.Code)
	require.Equal(t, string(models.CodePermissionDenied), resp.Error.Data["code"])
	require.Equal(t, "vault", resp.Error.Data["missing_scope"])
}

func TestCallToolInvalidArgs(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "call_tool", map[string]any{
		"tool_name": "echo",
		"args":      map[string]any{"text": 7},
	})
	resp := awaitResponse(t, conn, 2)
	require.NotNil(t, resp.Error)
	require.Equal(t, models.JSONRPCCode(models.CodeInvalidArgs), resp.Error.Code)
}

func TestGetHistory(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "call_tool", map[string]any{
		"tool_name": "echo",
		"args":      map[string]any{"text": "hi"},
	})
	awaitResponse(t, conn, 2)

	request(t, conn, 3, "get_history", map[string]any{"types": []string{"tool_result"}})
	resp := awaitResponse(t, conn, 3)
	require.Nil(t, resp.Error)
	events := resp.Result["events"].([]any)
	require.Len(t, events, 1)
	envelope := events[0].(map[string]any)
	require.Equal(t, "tool_result", envelope["type"])
	require.Equal(t, "agent-1", envelope["agent_id"])

	request(t, conn, 4, "get_history", map[string]any{"types": []string{"bogus"}})
	resp = awaitResponse(t, conn, 4)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "subscribe_events", map[string]any{"types": []string{"tool_call", "tool_result"}})
	resp := awaitResponse(t, conn, 2)
	require.Nil(t, resp.Error)
	subID := resp.Result["subscription_id"].(string)
	require.NotEmpty(t, subID)

	request(t, conn, 3, "call_tool", map[string]any{
		"tool_name": "echo",
		"args":      map[string]any{"text": "hi"},
	})

	first := awaitNotify(t, conn)
	require.Equal(t, "tool_call", first["type"])
	require.Equal(t, subID, first["subscription_id"])
	second := awaitNotify(t, conn)
	require.Equal(t, "tool_result", second["type"])
	require.Less(t, first["seq"].(float64), second["seq"].(float64))

	request(t, conn, 4, "unsubscribe_events", map[string]any{"subscription_id": subID})
	resp = awaitResponse(t, conn, 4)
	require.Nil(t, resp.Error)
	require.Equal(t, true, resp.Result["unsubscribed"])

	request(t, conn, 5, "unsubscribe_events", map[string]any{"subscription_id": subID})
	resp = awaitResponse(t, conn, 5)
	require.Equal(t, false, resp.Result["unsubscribed"])
}

func TestDisconnectCancelsInflightCall(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	hello(t, conn, "agent-1")

	request(t, conn, 2, "call_tool", map[string]any{"tool_name": "slow"})

	// Give the dispatch a moment to reach the handler, then drop the client.
	require.Eventually(t, func() bool {
		events, err := f.world.Recent(10, &worldmodel.Filter{Types: []models.EventType{models.EventToolCall}})
		return err == nil && len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool {
		events, err := f.world.Recent(10, &worldmodel.Filter{Types: []models.EventType{models.EventToolResult}})
		if err != nil || len(events) != 1 {
			return false
		}
		return events[0].Payload["status"] == "client_disconnected"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMalformedFrame(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeParseError, resp.Error.Code)

	// Connection survives protocol errors.
	hello(t, conn, "agent-1")
}

type notifyFrame struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func readQueuedNotify(t *testing.T, s *session) notifyFrame {
	t.Helper()
	select {
	case data := <-s.send:
		var frame notifyFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		require.Equal(t, "notify", frame.Method)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame on send queue")
		return notifyFrame{}
	}
}

func TestSubscriptionGapSurvivesFullSendQueue(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	world, err := worldmodel.Open(filepath.Join(t.TempDir(), "events.log"), worldmodel.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { world.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := &session{
		bridge: &Bridge{world: world, logger: logger, metrics: metrics},
		send:   make(chan []byte, 1),
		subs:   make(map[string]*worldmodel.Subscription),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	appendReading := func(n int) {
		_, err := world.Append(&models.Event{
			Type:    models.EventSensorReading,
			Payload: map[string]any{"sensor": "lidar.front", "n": n},
		})
		require.NoError(t, err)
	}

	sub := world.Subscribe(nil, 2)
	defer world.Unsubscribe(sub.ID())

	appendReading(1)
	appendReading(2)
	appendReading(3) // overflows the subscription buffer
	appendReading(4) // extends the buffer gap to 3-4
	<-sub.C()        // room for one more, so the next event carries the gap
	appendReading(5)

	go s.pump(sub)

	// Seq 2 fills the one-slot send queue; seq 5 then arrives with the
	// buffer gap attached while the queue is full.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.SubscriberDrops) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	frame := readQueuedNotify(t, s)
	require.EqualValues(t, 2, frame.Params["seq"])

	// Queue drained: the next delivery must first flush a dropped notice
	// still covering seqs 3-4.
	appendReading(6)
	frame = readQueuedNotify(t, s)
	require.Equal(t, "dropped", frame.Params["type"])
	require.LessOrEqual(t, frame.Params["from_seq"].(float64), float64(3))
	require.GreaterOrEqual(t, frame.Params["to_seq"].(float64), float64(4))
}
