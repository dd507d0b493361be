package worldmodel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/synapse/internal/clock"
	"github.com/haasonsaas/synapse/pkg/models"
)

func testOptions() Options {
	return Options{
		Clock:  clock.NewManual(time.Unix(1000, 0), time.Millisecond),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.log")
	log, err := Open(path, testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log, path
}

func appendSensor(t *testing.T, log *Log, sensor string, value int) *models.Event {
	t.Helper()
	event := &models.Event{
		Type:    models.EventSensorReading,
		Payload: map[string]any{"sensor": sensor, "value": value},
	}
	_, err := log.Append(event)
	require.NoError(t, err)
	return event
}

func TestAppendBuildsChain(t *testing.T) {
	log, _ := openTestLog(t)

	first := appendSensor(t, log, "lidar.front", 42)
	second := appendSensor(t, log, "lidar.front", 41)

	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, "", first.PrevHash)
	require.Equal(t, int64(2), second.Seq)
	require.Equal(t, first.Hash, second.PrevHash)

	head := log.Snapshot()
	require.Equal(t, int64(2), head.Seq)
	require.Equal(t, second.Hash, head.Hash)
}

func TestReopenVerifiesAndContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	log, err := Open(path, testOptions())
	require.NoError(t, err)
	appendSensor(t, log, "imu", 1)
	appendSensor(t, log, "imu", 2)
	head := log.Snapshot()
	require.NoError(t, log.Close())

	reopened, err := Open(path, testOptions())
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, head, reopened.Snapshot())

	next := appendSensor(t, reopened, "imu", 3)
	require.Equal(t, head.Seq+1, next.Seq)
	require.Equal(t, head.Hash, next.PrevHash)
}

func TestReopenRejectsTamperedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	log, err := Open(path, testOptions())
	require.NoError(t, err)
	appendSensor(t, log, "lidar.front", 42)
	appendSensor(t, log, "lidar.front", 17)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"value":42`, `"value":43`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o600))

	_, err = Open(path, testOptions())
	require.Error(t, err)
	require.Contains(t, err.Error(), "line 1")
}

type failingSink struct {
	writeErr error
	syncErr  error
}

func (f *failingSink) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return len(p), nil
}

func (f *failingSink) Sync() error { return f.syncErr }

func TestFailedWriteLatchesLog(t *testing.T) {
	sink := &failingSink{}
	fatal := make(chan error, 1)
	opts := testOptions().WithWriter(sink)
	opts.OnFatal = func(err error) { fatal <- err }
	log, err := Open("", opts)
	require.NoError(t, err)

	appendSensor(t, log, "imu", 1)

	sink.syncErr = errors.New("disk full")
	_, err = log.Append(&models.Event{Type: models.EventSensorReading, Payload: map[string]any{"sensor": "imu"}})
	require.ErrorIs(t, err, ErrLogFailed)

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("fatal callback never fired")
	}

	// Latched: even after the sink recovers, appends stay refused.
	sink.syncErr = nil
	_, err = log.Append(&models.Event{Type: models.EventSensorReading})
	require.ErrorIs(t, err, ErrLogFailed)
	require.Error(t, log.Failed())
}

func TestClockRegressionIsFatal(t *testing.T) {
	manual := clock.NewManual(time.Unix(1000, 0), time.Millisecond)
	opts := testOptions().WithWriter(&failingSink{})
	opts.Clock = manual
	log, err := Open("", opts)
	require.NoError(t, err)

	appendSensor(t, log, "imu", 1)

	manual.PushTimestamps(time.Unix(500, 0))
	_, err = log.Append(&models.Event{Type: models.EventSensorReading})
	require.ErrorIs(t, err, ErrClockRegression)
	require.Error(t, log.Failed())
}

func TestAppendPreservesRecordedTimestamp(t *testing.T) {
	log, _ := openTestLog(t)
	stamp := time.Unix(2000, 0).UnixNano()
	event := &models.Event{Type: models.EventSensorReading, Timestamp: stamp}
	_, err := log.Append(event)
	require.NoError(t, err)
	require.Equal(t, stamp, event.Timestamp)
}

func TestRecentFiltersAndOrders(t *testing.T) {
	log, _ := openTestLog(t)
	appendSensor(t, log, "lidar.front", 1)
	_, err := log.Append(&models.Event{
		Type:    models.EventToolCall,
		AgentID: "agent-1",
		CallID:  "call-1",
		Payload: map[string]any{"tool": "motor.stop"},
	})
	require.NoError(t, err)
	appendSensor(t, log, "lidar.front", 2)

	all, err := log.Recent(10, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int64(1), all[0].Seq)
	require.Equal(t, int64(3), all[2].Seq)

	calls, err := log.Recent(10, &Filter{Types: []models.EventType{models.EventToolCall}})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.Equal(t, "agent-1", calls[0].AgentID)

	limited, err := log.Recent(2, nil)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, int64(2), limited[0].Seq)
}

func TestRecentScansFileBeyondRing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	opts := testOptions()
	opts.RingSize = 4
	log, err := Open(path, opts)
	require.NoError(t, err)
	defer log.Close()

	for i := 1; i <= 10; i++ {
		appendSensor(t, log, "imu", i)
	}

	events, err := log.Recent(8, nil)
	require.NoError(t, err)
	require.Len(t, events, 8)
	for i, event := range events {
		require.Equal(t, int64(i+3), event.Seq)
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	log, _ := openTestLog(t)
	sub := log.Subscribe(nil, 8)
	defer log.Unsubscribe(sub.ID())

	appendSensor(t, log, "imu", 1)
	appendSensor(t, log, "imu", 2)

	for want := int64(1); want <= 2; want++ {
		select {
		case delivery := <-sub.C():
			require.Nil(t, delivery.Dropped)
			require.Equal(t, want, delivery.Event.Seq)
		case <-time.After(time.Second):
			t.Fatalf("no delivery for seq %d", want)
		}
	}
}

func TestSlowSubscriberGetsDroppedRange(t *testing.T) {
	log, _ := openTestLog(t)
	sub := log.Subscribe(nil, 1)
	defer log.Unsubscribe(sub.ID())

	appendSensor(t, log, "imu", 1) // fills the buffer
	appendSensor(t, log, "imu", 2) // dropped
	appendSensor(t, log, "imu", 3) // dropped

	first := <-sub.C()
	require.Equal(t, int64(1), first.Event.Seq)
	require.Nil(t, first.Dropped)

	appendSensor(t, log, "imu", 4)
	next := <-sub.C()
	require.Equal(t, int64(4), next.Event.Seq)
	require.NotNil(t, next.Dropped)
	require.Equal(t, int64(2), next.Dropped.FromSeq)
	require.Equal(t, int64(3), next.Dropped.ToSeq)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	log, _ := openTestLog(t)
	sub := log.Subscribe(nil, 1)
	log.Unsubscribe(sub.ID())
	_, open := <-sub.C()
	require.False(t, open)
	log.Unsubscribe(sub.ID())
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	log, err := Open(path, testOptions())
	require.NoError(t, err)
	appendSensor(t, log, "imu", 1)
	appendSensor(t, log, "imu", 2)
	head := log.Snapshot()
	require.NoError(t, log.Close())

	verified, err := VerifyFile(path)
	require.NoError(t, err)
	require.Equal(t, head, verified)
}

func TestDecodeEventRejectsUnknownType(t *testing.T) {
	_, err := DecodeEvent([]byte(fmt.Sprintf(`{"seq":1,"ts":1,"type":%q,"prev_hash":"","hash":"x"}`, "bogus")))
	require.Error(t, err)
}
