// Package replay rebuilds a world model from a recorded log and proves the
// rebuilt chain is byte-for-byte the original. Deterministic sources replace
// the live ones: timestamps and call ids come from the tape, and tool
// handlers return their recorded results.
package replay

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/synapse/internal/worldmodel"
	"github.com/haasonsaas/synapse/pkg/models"
)

// Tape is a verified recorded log.
type Tape struct {
	Events []*models.Event
	Head   worldmodel.Head
}

// Load reads and chain-verifies the log at path.
func Load(path string) (*Tape, error) {
	events, err := worldmodel.ReadAll(path)
	if err != nil {
		return nil, fmt.Errorf("load tape: %w", err)
	}
	tape := &Tape{Events: events}
	if n := len(events); n > 0 {
		tape.Head = worldmodel.Head{Seq: events[n-1].Seq, Hash: events[n-1].Hash}
	}
	return tape, nil
}

// Results returns the recorded tool results keyed by call_id, in the shape
// the scheduler's replay mode consumes.
func (t *Tape) Results() func(callID string) (*models.ToolResult, bool) {
	recorded := make(map[string]*models.ToolResult)
	for _, event := range t.Events {
		if event.Type != models.EventToolResult || event.CallID == "" {
			continue
		}
		result := &models.ToolResult{Status: models.ToolResultStatus(stringField(event.Payload, "status"))}
		if output, ok := event.Payload["output"].(map[string]any); ok {
			result.Output = output
		}
		result.Error = stringField(event.Payload, "error")
		recorded[event.CallID] = result
	}
	return func(callID string) (*models.ToolResult, bool) {
		result, ok := recorded[callID]
		return result, ok
	}
}

// CallIDs returns every call_id in first-appearance order, for scripting a
// deterministic id source.
func (t *Tape) CallIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, event := range t.Events {
		if event.CallID != "" && !seen[event.CallID] {
			seen[event.CallID] = true
			ids = append(ids, event.CallID)
		}
	}
	return ids
}

// Run replays the tape into a fresh log at path. Every re-appended event
// must seal to the recorded hash; the first divergence is an error naming
// the seq. Returns the rebuilt head, which on success equals the tape head.
func Run(tape *Tape, path string, logger *slog.Logger) (worldmodel.Head, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log, err := worldmodel.Open(path, worldmodel.Options{Logger: logger})
	if err != nil {
		return worldmodel.Head{}, err
	}
	defer log.Close()

	if head := log.Snapshot(); head.Seq != 0 {
		return worldmodel.Head{}, fmt.Errorf("replay target %s is not empty (seq %d)", path, head.Seq)
	}

	for _, recorded := range tape.Events {
		rebuilt := &models.Event{
			Timestamp: recorded.Timestamp,
			Type:      recorded.Type,
			AgentID:   recorded.AgentID,
			CallID:    recorded.CallID,
			Payload:   recorded.Clone().Payload,
		}
		if _, err := log.Append(rebuilt); err != nil {
			return worldmodel.Head{}, fmt.Errorf("replay append seq %d: %w", recorded.Seq, err)
		}
		if rebuilt.Hash != recorded.Hash {
			return worldmodel.Head{}, fmt.Errorf("replay diverged at seq %d: rebuilt hash %s, recorded %s", recorded.Seq, rebuilt.Hash, recorded.Hash)
		}
	}

	head := log.Snapshot()
	if head != tape.Head {
		return head, fmt.Errorf("replay head %+v does not match tape head %+v", head, tape.Head)
	}
	logger.Info("replay verified", "events", len(tape.Events), "head_seq", head.Seq, "head_hash", head.Hash)
	return head, nil
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
