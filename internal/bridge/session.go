package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/synapse/internal/scheduler"
	"github.com/haasonsaas/synapse/internal/worldmodel"
	"github.com/haasonsaas/synapse/pkg/models"
)

var errMissingDeps = errors.New("bridge requires a scheduler, world model, and registry")

// JSON-RPC 2.0 framing. Requests come from the client; responses and notify
// messages go back. One JSON message per WebSocket text frame.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type session struct {
	bridge *Bridge
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	id      string
	agentID string
	hello   bool

	subsMu sync.Mutex
	subs   map[string]*worldmodel.Subscription

	calls sync.WaitGroup
}

func newSession(b *Bridge, conn *websocket.Conn, id string) *session {
	return &session{
		bridge: b,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		id:     id,
		subs:   make(map[string]*worldmodel.Subscription),
	}
}

func (s *session) run(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

// close tears the session down: the context cancellation propagates to any
// in-flight agent calls, whose results are no longer deliverable.
func (s *session) close() {
	s.cancel()
	s.subsMu.Lock()
	for id := range s.subs {
		s.bridge.world.Unsubscribe(id)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	_ = s.conn.Close()
	if s.hello && s.bridge.metrics != nil {
		s.bridge.metrics.ActiveAgents.Dec()
	}
	s.calls.Wait()
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.respondError(nil, codeParseError, "parse error", nil)
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.respondError(req.ID, codeInvalidRequest, "invalid request", nil)
			continue
		}

		// The first request must declare the agent identity; everything else
		// is refused until then.
		if !s.hello && req.Method != "hello" && req.Method != "ping" {
			s.respondError(req.ID, codeInvalidRequest, "hello with agent_id must come first", nil)
			continue
		}
		s.handle(&req)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.cancel()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *session) handle(req *rpcRequest) {
	switch req.Method {
	case "hello":
		s.handleHello(req)
	case "ping":
		s.handlePing(req)
	case "list_tools":
		s.respond(req.ID, map[string]any{"tools": s.bridge.registry.List()})
	case "get_tool_info":
		s.handleGetToolInfo(req)
	case "call_tool":
		s.handleCallTool(req)
	case "get_history":
		s.handleGetHistory(req)
	case "subscribe_events":
		s.handleSubscribe(req)
	case "unsubscribe_events":
		s.handleUnsubscribe(req)
	default:
		s.respondError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

type helloParams struct {
	AgentID string `json:"agent_id"`
}

func (s *session) handleHello(req *rpcRequest) {
	var params helloParams
	if err := json.Unmarshal(req.Params, &params); err != nil || !agentIDPattern.MatchString(params.AgentID) {
		s.respondError(req.ID, codeInvalidParams, "hello requires a valid agent_id", nil)
		return
	}
	if s.hello {
		if params.AgentID != s.agentID {
			s.respondError(req.ID, codeInvalidRequest, "agent_id cannot change mid-session", nil)
			return
		}
		s.respond(req.ID, s.helloPayload())
		return
	}

	s.agentID = params.AgentID
	s.hello = true
	if s.bridge.store != nil {
		if err := s.bridge.store.UpsertAgent(s.ctx, s.agentID, s.bridge.clock.Now()); err != nil {
			s.bridge.logger.Error("agent upsert failed", "agent_id", s.agentID, "error", err)
		}
	}
	if s.bridge.metrics != nil {
		s.bridge.metrics.ActiveAgents.Inc()
	}
	s.bridge.logger.Info("agent connected", "agent_id", s.agentID, "session_id", s.id)
	s.respond(req.ID, s.helloPayload())
}

func (s *session) helloPayload() map[string]any {
	head := s.bridge.world.Snapshot()
	return map[string]any{
		"session_id": s.id,
		"agent_id":   s.agentID,
		"head_seq":   head.Seq,
		"methods": []string{
			"hello", "ping", "list_tools", "get_tool_info", "call_tool",
			"get_history", "subscribe_events", "unsubscribe_events",
		},
	}
}

func (s *session) handlePing(req *rpcRequest) {
	if s.hello && s.bridge.store != nil {
		if err := s.bridge.store.UpsertAgent(s.ctx, s.agentID, s.bridge.clock.Now()); err != nil {
			s.bridge.logger.Debug("heartbeat upsert failed", "agent_id", s.agentID, "error", err)
		}
	}
	s.respond(req.ID, map[string]any{"pong": true, "timestamp_ms": s.bridge.clock.Now().UnixMilli()})
}

type toolInfoParams struct {
	Name string `json:"name"`
}

func (s *session) handleGetToolInfo(req *rpcRequest) {
	var params toolInfoParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.respondError(req.ID, codeInvalidParams, "get_tool_info requires a tool name", nil)
		return
	}
	descriptor, engErr := s.bridge.registry.Get(params.Name)
	if engErr != nil {
		s.respondEngineError(req.ID, engErr)
		return
	}
	s.respond(req.ID, map[string]any{"tool": descriptor.Public()})
}

type callToolParams struct {
	ToolName      string         `json:"tool_name"`
	Args          map[string]any `json:"args"`
	ApprovalToken string         `json:"approval_token,omitempty"`
}

// handleCallTool dispatches on its own goroutine so the read loop keeps
// serving the connection while the handler runs. Responses are matched to
// requests by id, so out-of-order completion is fine.
func (s *session) handleCallTool(req *rpcRequest) {
	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ToolName == "" {
		s.respondError(req.ID, codeInvalidParams, "call_tool requires tool_name", nil)
		return
	}

	call := scheduler.Call{
		AgentID:       s.agentID,
		Tool:          params.ToolName,
		Args:          params.Args,
		ApprovalToken: params.ApprovalToken,
	}
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		result, engErr := s.bridge.scheduler.Dispatch(s.ctx, call)
		if engErr != nil {
			s.respondEngineError(req.ID, engErr)
			return
		}
		s.respond(req.ID, result)
	}()
}

type historyParams struct {
	Limit    int      `json:"limit,omitempty"`
	AgentID  string   `json:"agent_id,omitempty"`
	Types    []string `json:"types,omitempty"`
	SinceNS  int64    `json:"since_ns,omitempty"`
	UntilNS  int64    `json:"until_ns,omitempty"`
	MinSeq   int64    `json:"min_seq,omitempty"`
	Selfonly bool     `json:"self_only,omitempty"`
}

func (s *session) handleGetHistory(req *rpcRequest) {
	var params historyParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respondError(req.ID, codeInvalidParams, "invalid get_history params", nil)
			return
		}
	}
	limit := params.Limit
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	filter, err := buildFilter(params.AgentID, params.Types, params.SinceNS, params.UntilNS, params.MinSeq)
	if err != nil {
		s.respondError(req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if params.Selfonly {
		filter.AgentID = s.agentID
	}

	events, rerr := s.bridge.world.Recent(limit, filter)
	if rerr != nil {
		s.respondError(req.ID, models.JSONRPCCode(models.CodeInternal), "history unavailable", nil)
		return
	}
	envelopes := make([]map[string]any, 0, len(events))
	for _, event := range events {
		envelopes = append(envelopes, eventEnvelope(event))
	}
	s.respond(req.ID, map[string]any{"events": envelopes})
}

type subscribeParams struct {
	AgentID string   `json:"agent_id,omitempty"`
	Types   []string `json:"types,omitempty"`
	SinceNS int64    `json:"since_ns,omitempty"`
	UntilNS int64    `json:"until_ns,omitempty"`
	MinSeq  int64    `json:"min_seq,omitempty"`
}

func (s *session) handleSubscribe(req *rpcRequest) {
	var params subscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respondError(req.ID, codeInvalidParams, "invalid subscribe_events params", nil)
			return
		}
	}
	filter, err := buildFilter(params.AgentID, params.Types, params.SinceNS, params.UntilNS, params.MinSeq)
	if err != nil {
		s.respondError(req.ID, codeInvalidParams, err.Error(), nil)
		return
	}

	sub := s.bridge.world.Subscribe(filter, s.bridge.buffer)
	s.subsMu.Lock()
	s.subs[sub.ID()] = sub
	s.subsMu.Unlock()

	go s.pump(sub)
	s.respond(req.ID, map[string]any{"subscription_id": sub.ID()})
}

type unsubscribeParams struct {
	SubscriptionID string `json:"subscription_id"`
}

func (s *session) handleUnsubscribe(req *rpcRequest) {
	var params unsubscribeParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.SubscriptionID == "" {
		s.respondError(req.ID, codeInvalidParams, "unsubscribe_events requires subscription_id", nil)
		return
	}
	s.subsMu.Lock()
	_, owned := s.subs[params.SubscriptionID]
	if owned {
		delete(s.subs, params.SubscriptionID)
	}
	s.subsMu.Unlock()
	if owned {
		s.bridge.world.Unsubscribe(params.SubscriptionID)
	}
	s.respond(req.ID, map[string]any{"unsubscribed": owned})
}

// pump forwards one subscription's deliveries as notify messages. Gaps from
// either the world-model buffer or this session's send queue are announced
// in-band as dropped notices, never silently skipped.
func (s *session) pump(sub *worldmodel.Subscription) {
	var gapFrom, gapTo int64
	for {
		select {
		case <-s.ctx.Done():
			return
		case delivery, ok := <-sub.C():
			if !ok {
				return
			}
			// A gap from the world-model buffer merges into the pending
			// session gap; the merged range is retried until a notify lands,
			// so a full send queue never loses a drop notice.
			if delivery.Dropped != nil {
				if gapFrom == 0 || delivery.Dropped.FromSeq < gapFrom {
					gapFrom = delivery.Dropped.FromSeq
				}
				if delivery.Dropped.ToSeq > gapTo {
					gapTo = delivery.Dropped.ToSeq
				}
			}
			if gapFrom != 0 && s.notifyDropped(sub.ID(), gapFrom, gapTo) {
				gapFrom, gapTo = 0, 0
			}
			params := eventEnvelope(delivery.Event)
			params["subscription_id"] = sub.ID()
			if !s.notify(params) {
				if gapFrom == 0 {
					gapFrom = delivery.Event.Seq
				}
				gapTo = delivery.Event.Seq
				if s.bridge.metrics != nil {
					s.bridge.metrics.SubscriberDrops.Inc()
				}
			}
		}
	}
}

func (s *session) notifyDropped(subID string, from, to int64) bool {
	return s.notify(map[string]any{
		"type":            "dropped",
		"subscription_id": subID,
		"from_seq":        from,
		"to_seq":          to,
	})
}

func eventEnvelope(event *models.Event) map[string]any {
	envelope := map[string]any{
		"type":      string(event.Type),
		"seq":       event.Seq,
		"timestamp": event.Timestamp,
		"payload":   event.Payload,
	}
	if event.AgentID != "" {
		envelope["agent_id"] = event.AgentID
	}
	if event.CallID != "" {
		envelope["call_id"] = event.CallID
	}
	return envelope
}

func buildFilter(agentID string, types []string, sinceNS, untilNS, minSeq int64) (*worldmodel.Filter, error) {
	filter := &worldmodel.Filter{
		AgentID:    agentID,
		SinceNanos: sinceNS,
		UntilNanos: untilNS,
		MinSeq:     minSeq,
	}
	for _, t := range types {
		eventType := models.EventType(t)
		if !models.ValidEventType(eventType) {
			return nil, fmt.Errorf("unknown event type %q", t)
		}
		filter.Types = append(filter.Types, eventType)
	}
	return filter, nil
}

func (s *session) respond(id json.RawMessage, result any) {
	s.enqueue(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *session) respondError(id json.RawMessage, code int, message string, data map[string]any) {
	s.enqueue(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}})
}

func (s *session) respondEngineError(id json.RawMessage, engErr *models.EngineError) {
	data := map[string]any{"code": string(engErr.Code)}
	for k, v := range engErr.Data {
		data[k] = v
	}
	s.respondError(id, models.JSONRPCCode(engErr.Code), engErr.Message, data)
}

// notify enqueues a server push. Returns false when the send queue is full;
// the caller accounts for the gap.
func (s *session) notify(params any) bool {
	data, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: "notify", Params: params})
	if err != nil {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	case s.send <- data:
		return true
	default:
		return false
	}
}

// enqueue queues a response frame. Responses block briefly rather than drop:
// a lost response would wedge the client's request/response matching.
func (s *session) enqueue(resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.bridge.logger.Error("response marshal failed", "session_id", s.id, "error", err)
		return
	}
	select {
	case <-s.ctx.Done():
	case s.send <- data:
	case <-time.After(writeWait):
		s.bridge.logger.Warn("response dropped, send queue full", "session_id", s.id)
	}
}
