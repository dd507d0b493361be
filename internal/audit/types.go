package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/haasonsaas/synapse/pkg/models"
)

// RecordType classifies audit records.
type RecordType string

const (
	RecordToolCall        RecordType = "tool_call"
	RecordPolicyDenied    RecordType = "policy_denied"
	RecordTokenIssued     RecordType = "token_issued"
	RecordTokenRevoked    RecordType = "token_revoked"
	RecordPluginLifecycle RecordType = "plugin_lifecycle"
	RecordEngine          RecordType = "engine"
)

// Record is one sanitized, hash-chained audit entry. Records share the world
// model's hashing discipline (canonical JSON, SHA-256, prev_hash linkage) but
// live in a separate log intended for compliance export.
type Record struct {
	Seq       int64          `json:"seq"`
	Timestamp int64          `json:"ts"`
	Type      RecordType     `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// CanonicalEncode renders the record as canonical JSON. When includeHash is
// false the hash field is omitted; that form is what the hash covers.
func (r *Record) CanonicalEncode(includeHash bool) ([]byte, error) {
	fields := map[string]any{
		"seq":       r.Seq,
		"ts":        r.Timestamp,
		"type":      string(r.Type),
		"prev_hash": r.PrevHash,
	}
	if r.AgentID != "" {
		fields["agent_id"] = r.AgentID
	}
	if r.Tool != "" {
		fields["tool"] = r.Tool
	}
	if r.CallID != "" {
		fields["call_id"] = r.CallID
	}
	if r.Status != "" {
		fields["status"] = r.Status
	}
	if r.Details != nil {
		fields["details"] = r.Details
	}
	if includeHash {
		fields["hash"] = r.Hash
	}
	return models.CanonicalJSON(fields)
}

func (r *Record) computeHash() (string, error) {
	data, err := r.CanonicalEncode(false)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (r *Record) seal(seq int64, prevHash string) error {
	r.Seq = seq
	r.PrevHash = prevHash
	hash, err := r.computeHash()
	if err != nil {
		return err
	}
	r.Hash = hash
	return nil
}

func (r *Record) verifyAgainst(prevHash string) error {
	if r.PrevHash != prevHash {
		return fmt.Errorf("record %d: prev_hash %q does not match predecessor %q", r.Seq, r.PrevHash, prevHash)
	}
	want, err := r.computeHash()
	if err != nil {
		return err
	}
	if r.Hash != want {
		return fmt.Errorf("record %d: stored hash %q does not match computed %q", r.Seq, r.Hash, want)
	}
	return nil
}

// Stats aggregates audit activity for operator queries.
type Stats struct {
	Total    int64            `json:"total"`
	ByType   map[string]int64 `json:"by_type"`
	ByTool   map[string]int64 `json:"by_tool"`
	ByStatus map[string]int64 `json:"by_status"`
	ByAgent  map[string]int64 `json:"by_agent"`
}
