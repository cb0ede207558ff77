package agent

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbit/agent/model"
	"github.com/fleetbit/agent/storage"
)

func testTelemeter(t testing.TB) (*Telemeter, *storage.Queue, *storage.Events) {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	db, err := storage.Open(filepath.Join(t.TempDir(), "agent.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := storage.NewQueue(db, storage.QueueConfig{})
	require.NoError(t, err)
	events := storage.NewEvents(db, time.Hour)

	tm, err := NewTelemeter(TelemeterOptions{
		DeviceID:    "dev1",
		TopicPrefix: "fleet/dev1",
		Queue:       q,
		Events:      events,
		Log:         log,
	})
	require.NoError(t, err)
	return tm, q, events
}

func TestTelemeterPosition(t *testing.T) {
	t.Parallel()
	tm, q, _ := testTelemeter(t)

	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tm.Position(Position{Lat: 59.43, Lon: 24.75, SpeedKph: 42.5, HeadingDeg: 270, RecordedAt: at}))
	assert.EqualValues(t, 1, tm.QueueDepth())

	msgs, err := q.Drain(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fleet/dev1/telemetry", msgs[0].Topic)
	assert.EqualValues(t, 1, msgs[0].QOS)

	var sample map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &sample))
	assert.Equal(t, "dev1", sample["device_id"])
	assert.EqualValues(t, at.UnixMilli(), sample["ts"])
	assert.InDelta(t, 59.43, sample["lat"], 1e-9)
	assert.InDelta(t, 42.5, sample["speed_kph"], 1e-9)
}

func TestTelemeterError(t *testing.T) {
	t.Parallel()
	tm, q, _ := testTelemeter(t)

	tm.Error(nil) // no-op
	assert.EqualValues(t, 0, tm.QueueDepth())

	tm.Error(assert.AnError)
	msgs, err := q.Drain(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fleet/dev1/error", msgs[0].Topic)

	var sample map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &sample))
	assert.Contains(t, sample["error"], assert.AnError.Error())
}

func TestTelemeterCrossings(t *testing.T) {
	t.Parallel()
	tm, _, events := testTelemeter(t)

	require.NoError(t, tm.GeofenceEnter(10, Position{Lat: 1, Lon: 2}))
	require.NoError(t, tm.GeofenceExit(10, Position{Lat: 1.1, Lon: 2.1}))

	evs, err := events.DrainUnsent(10)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, model.EventEnter, evs[0].Kind)
	assert.Equal(t, model.EventExit, evs[1].Kind)
	assert.EqualValues(t, 10, evs[0].GeofenceID)

	var sample map[string]interface{}
	require.NoError(t, json.Unmarshal(evs[0].Payload, &sample))
	assert.Equal(t, "dev1", sample["device_id"])
	assert.InDelta(t, 1.0, sample["lat"], 1e-9)
}

func TestNewTelemeterConfigErrors(t *testing.T) {
	t.Parallel()
	_, err := NewTelemeter(TelemeterOptions{})
	require.Error(t, err)
}
