package audit

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/clock"
)

func testOptions() Options {
	return Options{
		Clock:  clock.NewManual(time.Unix(1000, 0), time.Millisecond),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAppendChainsRecords(t *testing.T) {
	log := NewWithWriter(io.Discard, testOptions())

	require.NoError(t, log.ToolCall("agent-1", "motor.move", "call-1", map[string]any{"speed": 0.5}, "ok", 25*time.Millisecond))
	require.NoError(t, log.PolicyDenied("agent-2", "camera.capture", "call-2", "permission_denied", "missing scope camera"))

	seq, hash := log.Head()
	require.Equal(t, int64(2), seq)
	require.Len(t, hash, 64)

	stats := log.Stats()
	require.Equal(t, int64(2), stats.Total)
	require.Equal(t, int64(1), stats.ByType[string(RecordToolCall)])
	require.Equal(t, int64(1), stats.ByType[string(RecordPolicyDenied)])
	require.Equal(t, int64(1), stats.ByTool["motor.move"])
	require.Equal(t, int64(1), stats.ByStatus["permission_denied"])
	require.Equal(t, int64(1), stats.ByAgent["agent-1"])
}

func TestReopenVerifiesChainAndRestoresStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, log.ToolCall("agent-1", "say", "call-1", nil, "ok", time.Millisecond))
	require.NoError(t, log.TokenIssued("agent-1", "tok-1", "camera", time.Unix(5000, 0)))
	require.NoError(t, log.TokenRevoked("tok-1"))
	seq, hash := log.Head()
	require.NoError(t, log.Close())

	reopened, err := Open(path, testOptions())
	require.NoError(t, err)
	defer reopened.Close()

	rseq, rhash := reopened.Head()
	require.Equal(t, seq, rseq)
	require.Equal(t, hash, rhash)
	stats := reopened.Stats()
	require.Equal(t, int64(3), stats.Total)
	require.Equal(t, int64(1), stats.ByType[string(RecordTokenRevoked)])
}

func TestReopenRejectsTamperedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path, testOptions())
	require.NoError(t, err)
	require.NoError(t, log.PluginLifecycle("motor", "active", ""))
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"active"`, `"failed"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = Open(path, testOptions())
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 1")
}

type failingWriter struct{ err error }

func (f *failingWriter) Write(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(p), nil
}

func TestFailedWriteLatches(t *testing.T) {
	sink := &failingWriter{}
	fatal := make(chan error, 1)
	opts := testOptions()
	opts.OnFatal = func(err error) { fatal <- err }
	log := NewWithWriter(sink, opts)

	require.NoError(t, log.ToolCall("agent-1", "say", "call-1", nil, "ok", 0))

	sink.err = errors.New("disk full")
	err := log.ToolCall("agent-1", "say", "call-2", nil, "ok", 0)
	require.ErrorIs(t, err, ErrLogFailed)

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("fatal callback never fired")
	}

	sink.err = nil
	require.ErrorIs(t, log.ToolCall("agent-1", "say", "call-3", nil, "ok", 0), ErrLogFailed)
	require.Error(t, log.Failed())
}

func TestOnRecordFiresAfterAppend(t *testing.T) {
	var seen []*Record
	opts := testOptions()
	opts.OnRecord = func(r *Record) { seen = append(seen, r) }
	log := NewWithWriter(io.Discard, opts)

	require.NoError(t, log.ToolCall("agent-1", "motor.stop", "call-1", nil, "ok", 0))
	require.Len(t, seen, 1)
	require.Equal(t, RecordToolCall, seen[0].Type)
	require.Equal(t, int64(1), seen[0].Seq)
}

func TestSanitizeDigestsSecretsAndBlobs(t *testing.T) {
	args := map[string]any{
		"path":     "/tmp/frame.jpg",
		"password": "hunter2",
		"frame":    strings.Repeat("x", 2048),
		"nested":   map[string]any{"api_key": "k-123"},
	}
	out := SanitizeArgs(args, 1024)

	require.Equal(t, "/tmp/frame.jpg", out["path"])

	digest, ok := out["password"].(map[string]any)
	require.True(t, ok)
	require.Len(t, digest["sha256"], 64)
	require.Equal(t, len("hunter2"), digest["bytes"])

	blob, ok := out["frame"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, 2048, blob["bytes"])

	nested := out["nested"].(map[string]any)
	_, ok = nested["api_key"].(map[string]any)
	require.True(t, ok)

	// Original args are untouched.
	require.Equal(t, "hunter2", args["password"])
}

func TestAppendSanitizesDetails(t *testing.T) {
	log := NewWithWriter(io.Discard, testOptions())
	record := &Record{
		Type:    RecordToolCall,
		AgentID: "agent-1",
		Tool:    "vault.read",
		Details: map[string]any{"args": map[string]any{"token": "abc123"}},
	}
	require.NoError(t, log.Append(record))
	inner := record.Details["args"].(map[string]any)
	_, digested := inner["token"].(map[string]any)
	require.True(t, digested)
}
