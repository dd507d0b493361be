package worldmodel

import "github.com/haasonsaas/synapse/pkg/models"

// Filter selects events by agent, type, time range, and minimum seq. A nil
// filter matches everything.
type Filter struct {
	AgentID string             `json:"agent_id,omitempty"`
	Types   []models.EventType `json:"types,omitempty"`

	// SinceNanos/UntilNanos bound the event timestamp (inclusive since,
	// exclusive until). Zero means unbounded.
	SinceNanos int64 `json:"since_ns,omitempty"`
	UntilNanos int64 `json:"until_ns,omitempty"`

	// MinSeq excludes events with a smaller seq.
	MinSeq int64 `json:"min_seq,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f *Filter) Matches(event *models.Event) bool {
	if f == nil {
		return true
	}
	if f.AgentID != "" && event.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SinceNanos != 0 && event.Timestamp < f.SinceNanos {
		return false
	}
	if f.UntilNanos != 0 && event.Timestamp >= f.UntilNanos {
		return false
	}
	if f.MinSeq != 0 && event.Seq < f.MinSeq {
		return false
	}
	return true
}
