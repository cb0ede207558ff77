package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/fleetbit/agent/model"
)

const DefaultEventRetention = 7 * 24 * time.Hour

// Events is the secondary outbound store for geofence crossings. Unlike the
// telemetry queue, sent events are kept for a retention window (local
// diagnostics read them), then pruned after a successful drain.
type Events struct {
	db     *DB
	retain time.Duration
}

func NewEvents(db *DB, retain time.Duration) *Events {
	if retain == 0 {
		retain = DefaultEventRetention
	}
	return &Events{db: db, retain: retain}
}

// Record persists one enter/exit crossing, callable at any time.
func (e *Events) Record(geofenceID int64, kind model.EventKind, payload []byte) (model.GeofenceEvent, error) {
	ev := model.GeofenceEvent{
		MessageID:  uuid.NewString(),
		GeofenceID: geofenceID,
		Kind:       kind,
		RecordedAt: e.db.now(),
		Payload:    payload,
	}
	res, err := e.db.sql.Exec(
		`INSERT INTO geofence_events (message_id, geofence_id, kind, recorded_at, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.MessageID, ev.GeofenceID, string(ev.Kind), ev.RecordedAt.UnixNano(), ev.Payload)
	if err != nil {
		return ev, errors.Annotatef(err, "events record geofence=%d", geofenceID)
	}
	if ev.ID, err = res.LastInsertId(); err != nil {
		return ev, errors.Annotate(err, "events record id")
	}
	return ev, nil
}

// DrainUnsent returns up to batchSize oldest not-yet-sent events.
func (e *Events) DrainUnsent(batchSize int) ([]model.GeofenceEvent, error) {
	rows, err := e.db.sql.Query(
		`SELECT id, message_id, geofence_id, kind, recorded_at, payload, retry_count
		   FROM geofence_events WHERE sent_at = 0 ORDER BY recorded_at ASC, id ASC LIMIT ?`, batchSize)
	if err != nil {
		return nil, errors.Annotate(err, "events drain")
	}
	defer rows.Close()
	evs := make([]model.GeofenceEvent, 0, batchSize)
	for rows.Next() {
		var ev model.GeofenceEvent
		var kind string
		var recordedAt int64
		if err = rows.Scan(&ev.ID, &ev.MessageID, &ev.GeofenceID, &kind, &recordedAt, &ev.Payload, &ev.RetryCount); err != nil {
			return nil, errors.Annotate(err, "events drain scan")
		}
		ev.Kind = model.EventKind(kind)
		ev.RecordedAt = time.Unix(0, recordedAt)
		evs = append(evs, ev)
	}
	return evs, errors.Annotate(rows.Err(), "events drain rows")
}

// MarkSent stamps the event as published, it stays until retention prune.
func (e *Events) MarkSent(id int64) error {
	_, err := e.db.sql.Exec(`UPDATE geofence_events SET sent_at = ? WHERE id = ?`, e.db.now().UnixNano(), id)
	return errors.Annotatef(err, "events mark sent id=%d", id)
}

func (e *Events) IncrementRetry(id int64) error {
	_, err := e.db.sql.Exec(`UPDATE geofence_events SET retry_count = retry_count + 1 WHERE id = ?`, id)
	return errors.Annotatef(err, "events increment retry id=%d", id)
}

// PruneSent deletes already-sent events older than the retention window.
func (e *Events) PruneSent() (int64, error) {
	cutoff := e.db.now().Add(-e.retain).UnixNano()
	res, err := e.db.sql.Exec(`DELETE FROM geofence_events WHERE sent_at > 0 AND sent_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Annotate(err, "events prune")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (e *Events) CountUnsent() (int64, error) {
	var n int64
	err := e.db.sql.QueryRow(`SELECT COUNT(*) FROM geofence_events WHERE sent_at = 0`).Scan(&n)
	return n, errors.Annotate(err, "events count unsent")
}
