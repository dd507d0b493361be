package models

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealAndVerify(t *testing.T) {
	first := &Event{
		Timestamp: 100,
		Type:      EventSensorReading,
		Payload:   map[string]any{"sensor": "lidar.front", "distance_cm": 42},
	}
	require.NoError(t, first.Seal(1, ""))
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, "", first.PrevHash)
	require.Len(t, first.Hash, 64)
	require.NoError(t, first.VerifyAgainst(""))

	second := &Event{
		Timestamp: 200,
		Type:      EventToolCall,
		AgentID:   "agent-1",
		CallID:    "call-1",
		Payload:   map[string]any{"tool": "motor.stop"},
	}
	require.NoError(t, second.Seal(2, first.Hash))
	require.NoError(t, second.VerifyAgainst(first.Hash))

	// Linking to the wrong predecessor fails.
	require.Error(t, second.VerifyAgainst(""))

	// Any mutation after sealing fails verification.
	second.Payload["tool"] = "motor.move"
	require.Error(t, second.VerifyAgainst(first.Hash))
}

func TestSealRejectsSealedEvent(t *testing.T) {
	event := &Event{Timestamp: 1, Type: EventToolCall}
	require.NoError(t, event.Seal(1, ""))
	require.Error(t, event.Seal(2, event.Hash))
}

func TestCanonicalEncodeIsStable(t *testing.T) {
	event := &Event{
		Seq:       3,
		Timestamp: 500,
		Type:      EventToolResult,
		AgentID:   "agent-1",
		CallID:    "call-9",
		Payload:   map[string]any{"b": 2, "a": 1, "nested": map[string]any{"z": true, "y": "s"}},
		PrevHash:  "abc",
	}
	one, err := event.CanonicalEncode(false)
	require.NoError(t, err)
	two, err := event.CanonicalEncode(false)
	require.NoError(t, err)
	require.Equal(t, one, two)

	// Keys come out sorted at every nesting level.
	require.JSONEq(t, string(one), string(two))
	require.Contains(t, string(one), `"a":1,"b":2`)
	require.Contains(t, string(one), `"y":"s","z":true`)
}

func TestCanonicalEncodeRoundTripsThroughDecode(t *testing.T) {
	event := &Event{
		Timestamp: 700,
		Type:      EventSensorReading,
		Payload: map[string]any{
			"count":   7,
			"reading": 19.5,
			"whole":   float64(3),
			"tags":    []any{"x", "y"},
		},
	}
	require.NoError(t, event.Seal(1, ""))
	line, err := event.CanonicalEncode(true)
	require.NoError(t, err)

	decoded, err := DecodeCanonical(line)
	require.NoError(t, err)
	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)

	// A float that happens to be integral keeps a fractional digit, so the
	// decoded json.Number re-encodes to the same bytes.
	require.Equal(t, json.Number("3.0"), payload["whole"])
	require.Equal(t, json.Number("7"), payload["count"])

	again, err := CanonicalJSON(decoded)
	require.NoError(t, err)
	require.Equal(t, string(line), string(again))
}

func TestCanonicalJSONRejectsNonFiniteFloats(t *testing.T) {
	_, err := CanonicalJSON(map[string]any{"bad": math.Inf(1)})
	require.Error(t, err)
	_, err = CanonicalJSON(map[string]any{"bad": math.NaN()})
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	event := &Event{
		Type: EventToolCall,
		Payload: map[string]any{
			"args": map[string]any{"speed": 0.5},
			"list": []any{1, 2},
		},
	}
	clone := event.Clone()
	clone.Payload["args"].(map[string]any)["speed"] = 0.9
	clone.Payload["list"].([]any)[0] = 99
	require.Equal(t, 0.5, event.Payload["args"].(map[string]any)["speed"])
	require.Equal(t, 1, event.Payload["list"].([]any)[0])
}

func TestValidEventType(t *testing.T) {
	require.True(t, ValidEventType(EventReflexTriggered))
	require.True(t, ValidEventType(EventPluginLifecycle))
	require.False(t, ValidEventType(EventType("made_up")))
}
