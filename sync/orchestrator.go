// Package sync coordinates the two-phase exchange with the backend: download
// reference data over HTTP, then upload queued telemetry over MQTT. One
// execution at a time, ever.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/fleetbit/agent/model"
	"github.com/fleetbit/agent/mqtt"
	"github.com/fleetbit/agent/storage"
	"github.com/fleetbit/agent/validate"
)

const (
	DefaultBatchSize      = 50
	DefaultMaxItemsPerRun = 1000
	DefaultBatchDelay     = 100 * time.Millisecond
)

var ErrBusy = fmt.Errorf("sync already in progress")

// Publisher is the uplink surface the upload phase needs. *mqtt.Conn
// satisfies it.
type Publisher interface {
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
}

// Fetcher is the reference-data source for the download phase. *backend.Client
// satisfies it; the fetcher owns its own retry policy.
type Fetcher interface {
	Snapshot(ctx context.Context) (*model.RefSnapshot, error)
}

type PhaseStatus uint8

const (
	PhaseSuccess PhaseStatus = iota
	PhaseSkipped
	PhaseFailed
)

func (ps PhaseStatus) String() string {
	switch ps {
	case PhaseSuccess:
		return "success"
	case PhaseSkipped:
		return "skipped"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("invalid:%d", uint8(ps))
}

type PhaseResult struct {
	Status PhaseStatus
	Items  int    // committed records (download) or confirmed publishes (upload)
	Reason string // set on Skipped
	Err    error  // set on Failed
}

type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeNoNetwork
	OutcomePartial
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNoNetwork:
		return "no-network"
	}
	return "partial"
}

type Result struct {
	Download PhaseResult
	Upload   PhaseResult
	Elapsed  time.Duration
}

func (r *Result) Outcome() Outcome {
	switch {
	case r.Download.Status == PhaseSuccess && r.Upload.Status == PhaseSuccess:
		return OutcomeSuccess
	case r.Download.Status == PhaseSkipped && r.Upload.Status == PhaseSkipped:
		return OutcomeNoNetwork
	}
	return OutcomePartial
}

type Options struct {
	Conn       Publisher
	Backend    Fetcher
	Queue      *storage.Queue
	Events     *storage.Events
	Refs       *storage.Refs
	States     *storage.SyncStates
	EventTopic string // geofence events publish here
	BatchSize  int
	MaxItems   int // per-execution publish quota
	BatchDelay time.Duration
	Log        zerolog.Logger
}

type Orchestrator struct {
	opt     Options
	log     zerolog.Logger
	running int32
}

func NewOrchestrator(opt Options) (*Orchestrator, error) {
	if opt.Conn == nil || opt.Backend == nil || opt.Queue == nil || opt.Events == nil ||
		opt.Refs == nil || opt.States == nil {
		return nil, errors.Errorf("code error sync.Options incomplete")
	}
	if opt.EventTopic == "" {
		return nil, errors.NotValidf("config error sync EventTopic empty")
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = DefaultBatchSize
	}
	if opt.MaxItems <= 0 {
		opt.MaxItems = DefaultMaxItemsPerRun
	}
	if opt.BatchDelay == 0 {
		opt.BatchDelay = DefaultBatchDelay
	}
	return &Orchestrator{
		opt: opt,
		log: opt.Log.With().Str("comp", "sync").Logger(),
	}, nil
}

// SyncAll runs one download+upload cycle. Non-reentrant: a second caller gets
// ErrBusy immediately and no work is done on its behalf. The upload phase
// runs regardless of the download outcome, stale reference data must never
// block telemetry delivery.
func (o *Orchestrator) SyncAll(ctx context.Context) (Result, error) {
	if !atomic.CompareAndSwapInt32(&o.running, 0, 1) {
		skip := PhaseResult{Status: PhaseSkipped, Reason: "sync in progress"}
		return Result{Download: skip, Upload: skip}, ErrBusy
	}
	defer atomic.StoreInt32(&o.running, 0)

	start := time.Now()
	r := Result{}
	r.Download = o.downloadPhase(ctx)
	r.Upload = o.uploadPhase(ctx)
	r.Elapsed = time.Since(start)

	o.log.Info().
		Str("outcome", r.Outcome().String()).
		Str("download", r.Download.Status.String()).
		Int("downloaded", r.Download.Items).
		Str("upload", r.Upload.Status.String()).
		Int("uploaded", r.Upload.Items).
		Dur("elapsed", r.Elapsed).
		Msg("sync done")
	return r, nil
}

// Run drives SyncAll on a fixed interval until the context ends. The first
// cycle starts immediately.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := o.SyncAll(ctx); err != nil && err != ErrBusy {
			o.log.Error().Err(err).Msg("sync")
		}
		select {
		case <-t.C:

		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) downloadPhase(ctx context.Context) PhaseResult {
	if !o.opt.Conn.IsConnected() {
		o.record(model.DataDownload, model.SyncSkipped, 0)
		return PhaseResult{Status: PhaseSkipped, Reason: "no network"}
	}

	snap, err := o.opt.Backend.Snapshot(ctx)
	if err != nil {
		o.record(model.DataDownload, model.SyncFailed, 0)
		return PhaseResult{Status: PhaseFailed, Err: errors.Annotate(err, "download fetch")}
	}
	if err = validate.All(o.log, snap); err != nil {
		o.record(model.DataDownload, model.SyncFailed, 0)
		return PhaseResult{Status: PhaseFailed, Err: errors.Annotate(err, "download validate")}
	}
	if err = o.opt.Refs.CommitSnapshot(snap); err != nil {
		o.record(model.DataDownload, model.SyncFailed, 0)
		return PhaseResult{Status: PhaseFailed, Err: errors.Annotate(err, "download commit")}
	}

	o.record(model.DataOperators, model.SyncSuccess, len(snap.Operators))
	o.record(model.DataGeofences, model.SyncSuccess, len(snap.Geofences))
	o.record(model.DataRoutes, model.SyncSuccess, len(snap.Routes))
	total := len(snap.Operators) + len(snap.Geofences) + len(snap.Routes)
	o.record(model.DataDownload, model.SyncSuccess, total)
	return PhaseResult{Status: PhaseSuccess, Items: total}
}

func (o *Orchestrator) uploadPhase(ctx context.Context) PhaseResult {
	if !o.opt.Conn.IsConnected() {
		o.record(model.DataUpload, model.SyncSkipped, 0)
		return PhaseResult{Status: PhaseSkipped, Reason: "not connected"}
	}

	// size/age bounds enforced before draining, not during
	if err := o.opt.Queue.Maintain(); err != nil {
		o.log.Error().Err(err).Msg("queue maintenance")
	}

	var sentTele, sentEvents, attempted int
	var abort error
loop:
	for attempted < o.opt.MaxItems {
		batchQuota := o.opt.BatchSize
		if left := o.opt.MaxItems - attempted; left < batchQuota {
			batchQuota = left
		}

		b, err := o.uploadBatch(ctx, batchQuota)
		sentTele += b.sentTele
		sentEvents += b.sentEvents
		attempted += b.attempted
		if err != nil {
			abort = err
			break loop
		}
		if b.attempted == 0 {
			break loop // both queues empty
		}
		if b.sentTele+b.sentEvents == 0 {
			// zero forward progress: broker reachable but rejecting everything
			o.log.Warn().Int("failed", b.failed).Msg("upload made no progress, stopping")
			break loop
		}

		select {
		case <-time.After(o.opt.BatchDelay):

		case <-ctx.Done():
			abort = ctx.Err()
			break loop
		}
	}

	o.record(model.DataTelemetry, statusFor(sentTele, abort), sentTele)
	o.record(model.DataGeofenceEvents, statusFor(sentEvents, abort), sentEvents)

	sent := sentTele + sentEvents
	if abort != nil {
		o.record(model.DataUpload, model.SyncFailed, sent)
		return PhaseResult{Status: PhaseFailed, Items: sent, Err: errors.Annotate(abort, "upload")}
	}
	if failed := attempted - sent; failed > 0 {
		o.record(model.DataUpload, model.SyncFailed, sent)
		return PhaseResult{Status: PhaseFailed, Items: sent,
			Err: errors.Errorf("upload incomplete sent=%d failed=%d", sent, failed)}
	}

	if n, err := o.opt.Events.PruneSent(); err != nil {
		o.log.Error().Err(err).Msg("events prune")
	} else if n > 0 {
		o.log.Debug().Int64("pruned", n).Msg("events pruned")
	}
	o.record(model.DataUpload, model.SyncSuccess, sent)
	return PhaseResult{Status: PhaseSuccess, Items: sent}
}

type batchStats struct {
	sentTele   int
	sentEvents int
	attempted  int
	failed     int
}

// uploadBatch drains and publishes one batch from the telemetry queue, then
// from the geofence event store, within quota. A connection drop aborts via
// error; per-record failures only increment that record's retry count.
func (o *Orchestrator) uploadBatch(ctx context.Context, quota int) (batchStats, error) {
	b := batchStats{}

	msgs, err := o.opt.Queue.Drain(quota)
	if err != nil {
		return b, errors.Annotate(err, "queue drain")
	}
	for i := range msgs {
		m := &msgs[i]
		b.attempted++
		payload, err := marshalQueued(m)
		if err != nil {
			// malformed stored payload, not retryable
			o.log.Error().Err(err).Str("messageId", m.MessageID).Msg("drop unmarshalable record")
			_ = o.opt.Queue.MarkSent(m.ID)
			b.failed++
			continue
		}
		err = o.opt.Conn.Publish(ctx, m.Topic, payload, m.QOS, false)
		switch mqtt.ClassifyPublish(err) {
		case mqtt.PublishOK:
			if err = o.opt.Queue.MarkSent(m.ID); err != nil {
				return b, errors.Annotate(err, "queue mark sent")
			}
			b.sentTele++

		case mqtt.PublishNotConnected:
			return b, errors.Annotate(err, "connection dropped mid-batch")

		default: // MaxInflight, Timeout, Unknown: record stays queued
			o.log.Warn().Err(err).Str("messageId", m.MessageID).Msg("publish failed")
			if rerr := o.opt.Queue.IncrementRetry(m.ID); rerr != nil {
				return b, errors.Annotate(rerr, "queue increment retry")
			}
			b.failed++
		}
	}

	if left := quota - b.attempted; left > 0 {
		evs, err := o.opt.Events.DrainUnsent(left)
		if err != nil {
			return b, errors.Annotate(err, "events drain")
		}
		for i := range evs {
			ev := &evs[i]
			b.attempted++
			payload, err := marshalEvent(ev)
			if err != nil {
				o.log.Error().Err(err).Str("messageId", ev.MessageID).Msg("drop unmarshalable event")
				_ = o.opt.Events.MarkSent(ev.ID)
				b.failed++
				continue
			}
			err = o.opt.Conn.Publish(ctx, o.opt.EventTopic, payload, 1, false)
			switch mqtt.ClassifyPublish(err) {
			case mqtt.PublishOK:
				if err = o.opt.Events.MarkSent(ev.ID); err != nil {
					return b, errors.Annotate(err, "events mark sent")
				}
				b.sentEvents++

			case mqtt.PublishNotConnected:
				return b, errors.Annotate(err, "connection dropped mid-batch")

			default:
				o.log.Warn().Err(err).Str("messageId", ev.MessageID).Msg("event publish failed")
				if rerr := o.opt.Events.IncrementRetry(ev.ID); rerr != nil {
					return b, errors.Annotate(rerr, "events increment retry")
				}
				b.failed++
			}
		}
	}
	return b, nil
}

func (o *Orchestrator) record(dataType string, status model.SyncStatus, items int) {
	if err := o.opt.States.Record(dataType, status, items); err != nil {
		o.log.Error().Err(err).Str("dataType", dataType).Msg("sync state record")
	}
}

func statusFor(sent int, abort error) model.SyncStatus {
	if abort != nil && sent == 0 {
		return model.SyncFailed
	}
	return model.SyncSuccess
}

// Wire envelopes. The backend deduplicates redelivered messages by messageId.

type queuedEnvelope struct {
	MessageID string          `json:"message_id"`
	CreatedAt int64           `json:"created_at"`
	Retry     int             `json:"retry,omitempty"`
	Data      json.RawMessage `json:"data"`
}

type eventEnvelope struct {
	MessageID  string          `json:"message_id"`
	GeofenceID int64           `json:"geofence_id"`
	Kind       string          `json:"kind"`
	RecordedAt int64           `json:"recorded_at"`
	Retry      int             `json:"retry,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func marshalQueued(m *model.QueuedMessage) ([]byte, error) {
	env := queuedEnvelope{
		MessageID: m.MessageID,
		CreatedAt: m.CreatedAt.UnixMilli(),
		Retry:     m.RetryCount,
		Data:      rawOrNull(m.Payload),
	}
	bs, err := json.Marshal(&env)
	return bs, errors.Annotatef(err, "marshal messageId=%s", m.MessageID)
}

func marshalEvent(ev *model.GeofenceEvent) ([]byte, error) {
	env := eventEnvelope{
		MessageID:  ev.MessageID,
		GeofenceID: ev.GeofenceID,
		Kind:       string(ev.Kind),
		RecordedAt: ev.RecordedAt.UnixMilli(),
		Retry:      ev.RetryCount,
		Data:       rawOrNull(ev.Payload),
	}
	bs, err := json.Marshal(&env)
	return bs, errors.Annotatef(err, "marshal messageId=%s", ev.MessageID)
}

func rawOrNull(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return json.RawMessage(payload)
}
