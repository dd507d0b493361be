// Package models contains the shared data entities of the synapse engine:
// hash-chained events, tool descriptors, and the engine error taxonomy.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// EventType classifies world-model events.
type EventType string

const (
	EventSensorReading      EventType = "sensor_reading"
	EventReflexTriggered    EventType = "reflex_triggered"
	EventToolCall           EventType = "tool_call"
	EventToolResult         EventType = "tool_result"
	EventMemoryStored       EventType = "memory_stored"
	EventPluginLifecycle    EventType = "plugin_lifecycle"
	EventWorldModelSnapshot EventType = "world_model_snapshot"
)

// ValidEventType reports whether t is one of the known event types.
func ValidEventType(t EventType) bool {
	switch t {
	case EventSensorReading, EventReflexTriggered, EventToolCall, EventToolResult,
		EventMemoryStored, EventPluginLifecycle, EventWorldModelSnapshot:
		return true
	}
	return false
}

// Event is the atomic unit of the world model. Events are append-only: once
// an event carries a Seq and Hash it is never mutated.
//
// Timestamp is UTC nanoseconds since the Unix epoch. PrevHash is the Hash of
// the preceding event in the chain ("" for the first event). Hash covers the
// canonical encoding of every field except Hash itself.
type Event struct {
	Seq       int64          `json:"seq"`
	Timestamp int64          `json:"ts"`
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// ComputeHash returns the SHA-256 hex digest of the event's canonical
// encoding with the hash field omitted.
func (e *Event) ComputeHash() (string, error) {
	data, err := e.CanonicalEncode(false)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal assigns seq and prev_hash and computes the event hash. The event must
// not already be sealed.
func (e *Event) Seal(seq int64, prevHash string) error {
	if e.Hash != "" {
		return fmt.Errorf("event already sealed")
	}
	e.Seq = seq
	e.PrevHash = prevHash
	hash, err := e.ComputeHash()
	if err != nil {
		return err
	}
	e.Hash = hash
	return nil
}

// VerifyAgainst checks that the event's hash matches its contents and that
// its prev_hash links to the supplied predecessor hash.
func (e *Event) VerifyAgainst(prevHash string) error {
	if e.PrevHash != prevHash {
		return fmt.Errorf("event %d: prev_hash %q does not match predecessor hash %q", e.Seq, e.PrevHash, prevHash)
	}
	want, err := e.ComputeHash()
	if err != nil {
		return err
	}
	if e.Hash != want {
		return fmt.Errorf("event %d: stored hash %q does not match computed %q", e.Seq, e.Hash, want)
	}
	return nil
}

// CanonicalEncode renders the event as canonical JSON: UTF-8, object keys
// sorted, no insignificant whitespace. When includeHash is false the hash
// field is omitted; this is the form the hash is computed over.
func (e *Event) CanonicalEncode(includeHash bool) ([]byte, error) {
	fields := map[string]any{
		"seq":       e.Seq,
		"ts":        e.Timestamp,
		"type":      string(e.Type),
		"prev_hash": e.PrevHash,
	}
	if e.AgentID != "" {
		fields["agent_id"] = e.AgentID
	}
	if e.CallID != "" {
		fields["call_id"] = e.CallID
	}
	if e.Payload != nil {
		fields["payload"] = e.Payload
	}
	if includeHash {
		fields["hash"] = e.Hash
	}
	return CanonicalJSON(fields)
}

// Clone returns a deep copy of the event. Payload maps are copied so callers
// holding a clone cannot mutate the original.
func (e *Event) Clone() *Event {
	clone := *e
	clone.Payload = clonePayload(e.Payload)
	return &clone
}

func clonePayload(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return clonePayload(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
