// Package agent is the producer-facing surface of the fleetbit device agent.
// Telemeter composes JSON samples and hands them to the durable stores; it
// never touches the network, delivery is the sync orchestrator's job.
package agent

import (
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/fleetbit/agent/model"
	"github.com/fleetbit/agent/storage"
)

const (
	TopicTelemetry = "telemetry"
	TopicError     = "error"
	TopicStatus    = "status"
	TopicGeofence  = "geofence"
	TopicCommand   = "cmd"
)

type TelemeterOptions struct {
	DeviceID    string
	TopicPrefix string // e.g. "fleet/<deviceid>"
	Queue       *storage.Queue
	Events      *storage.Events
	Log         zerolog.Logger
}

type Telemeter struct {
	opt            TelemeterOptions
	log            zerolog.Logger
	topicTelemetry string
	topicError     string
}

func NewTelemeter(opt TelemeterOptions) (*Telemeter, error) {
	if opt.Queue == nil || opt.Events == nil {
		return nil, errors.Errorf("code error agent.TelemeterOptions incomplete")
	}
	if opt.DeviceID == "" || opt.TopicPrefix == "" {
		return nil, errors.NotValidf("config error agent DeviceID/TopicPrefix empty")
	}
	return &Telemeter{
		opt:            opt,
		log:            opt.Log.With().Str("comp", "telemeter").Logger(),
		topicTelemetry: opt.TopicPrefix + "/" + TopicTelemetry,
		topicError:     opt.TopicPrefix + "/" + TopicError,
	}, nil
}

// Position is one GPS sample.
type Position struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	SpeedKph   float64   `json:"speed_kph"`
	HeadingDeg int       `json:"heading_deg"`
	RecordedAt time.Time `json:"-"`
}

type positionSample struct {
	DeviceID string  `json:"device_id"`
	Ts       int64   `json:"ts"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	SpeedKph float64 `json:"speed_kph"`
	Heading  int     `json:"heading_deg"`
}

// Position queues one GPS sample, QOS 1. Callable fully offline.
func (t *Telemeter) Position(p Position) error {
	ts := p.RecordedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	bs, err := json.Marshal(&positionSample{
		DeviceID: t.opt.DeviceID,
		Ts:       ts.UnixMilli(),
		Lat:      p.Lat,
		Lon:      p.Lon,
		SpeedKph: p.SpeedKph,
		Heading:  p.HeadingDeg,
	})
	if err != nil {
		return errors.Annotate(err, "telemeter position")
	}
	m, err := t.opt.Queue.Enqueue(t.topicTelemetry, bs, 1)
	if err != nil {
		return errors.Annotate(err, "telemeter position")
	}
	t.log.Debug().Str("messageId", m.MessageID).Msg("position queued")
	return nil
}

type errorSample struct {
	DeviceID string `json:"device_id"`
	Ts       int64  `json:"ts"`
	Error    string `json:"error"`
}

// Error queues a device-side error report. Best effort: failure to queue is
// only logged, error reporting must never cascade.
func (t *Telemeter) Error(e error) {
	if e == nil {
		return
	}
	bs, err := json.Marshal(&errorSample{
		DeviceID: t.opt.DeviceID,
		Ts:       time.Now().UnixMilli(),
		Error:    e.Error(),
	})
	if err == nil {
		_, err = t.opt.Queue.Enqueue(t.topicError, bs, 1)
	}
	if err != nil {
		t.log.Error().Err(err).Msg("telemeter error report dropped")
	}
}

type crossingSample struct {
	DeviceID string  `json:"device_id"`
	Ts       int64   `json:"ts"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// GeofenceEnter records an enter crossing in the event store.
func (t *Telemeter) GeofenceEnter(geofenceID int64, p Position) error {
	return t.crossing(geofenceID, model.EventEnter, p)
}

// GeofenceExit records an exit crossing in the event store.
func (t *Telemeter) GeofenceExit(geofenceID int64, p Position) error {
	return t.crossing(geofenceID, model.EventExit, p)
}

func (t *Telemeter) crossing(geofenceID int64, kind model.EventKind, p Position) error {
	ts := p.RecordedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	bs, err := json.Marshal(&crossingSample{
		DeviceID: t.opt.DeviceID,
		Ts:       ts.UnixMilli(),
		Lat:      p.Lat,
		Lon:      p.Lon,
	})
	if err != nil {
		return errors.Annotatef(err, "telemeter crossing geofence=%d", geofenceID)
	}
	ev, err := t.opt.Events.Record(geofenceID, kind, bs)
	if err != nil {
		return errors.Annotatef(err, "telemeter crossing geofence=%d", geofenceID)
	}
	t.log.Debug().Str("messageId", ev.MessageID).Str("kind", string(kind)).
		Int64("geofence", geofenceID).Msg("crossing recorded")
	return nil
}

// QueueDepth is the O(1) backpressure signal for producers.
func (t *Telemeter) QueueDepth() int64 { return t.opt.Queue.Count() }
