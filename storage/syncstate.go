package storage

import (
	"database/sql"
	"time"

	"github.com/juju/errors"

	"github.com/fleetbit/agent/model"
)

// SyncStates tracks the last outcome per data type. One record per data
// type, upserted after every phase attempt. Failed attempts grow the
// consecutive failure counter, any other outcome resets it.
type SyncStates struct {
	db *DB
}

func NewSyncStates(db *DB) *SyncStates { return &SyncStates{db: db} }

func (s *SyncStates) Record(dataType string, status model.SyncStatus, itemCount int) error {
	failStep := 0
	if status == model.SyncFailed {
		failStep = 1
	}
	_, err := s.db.sql.Exec(
		`INSERT INTO sync_state (data_type, last_sync_at, last_status, consecutive_failures, item_count)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(data_type) DO UPDATE SET
		   last_sync_at = excluded.last_sync_at,
		   last_status = excluded.last_status,
		   consecutive_failures = CASE WHEN excluded.last_status = 'failed'
		     THEN sync_state.consecutive_failures + 1 ELSE 0 END,
		   item_count = excluded.item_count`,
		dataType, s.db.now().UnixNano(), string(status), failStep, itemCount)
	return errors.Annotatef(err, "sync state record type=%s", dataType)
}

func (s *SyncStates) Get(dataType string) (model.SyncStateRecord, error) {
	var rec model.SyncStateRecord
	var at int64
	var status string
	err := s.db.sql.QueryRow(
		`SELECT data_type, last_sync_at, last_status, consecutive_failures, item_count
		   FROM sync_state WHERE data_type = ?`, dataType).
		Scan(&rec.DataType, &at, &status, &rec.ConsecutiveFailures, &rec.ItemCount)
	if err == sql.ErrNoRows {
		return rec, errors.NotFoundf("sync state type=%s", dataType)
	}
	if err != nil {
		return rec, errors.Annotatef(err, "sync state get type=%s", dataType)
	}
	rec.LastSyncAt = time.Unix(0, at)
	rec.LastStatus = model.SyncStatus(status)
	return rec, nil
}

func (s *SyncStates) All() ([]model.SyncStateRecord, error) {
	rows, err := s.db.sql.Query(
		`SELECT data_type, last_sync_at, last_status, consecutive_failures, item_count
		   FROM sync_state ORDER BY data_type`)
	if err != nil {
		return nil, errors.Annotate(err, "sync state all")
	}
	defer rows.Close()
	var recs []model.SyncStateRecord
	for rows.Next() {
		var rec model.SyncStateRecord
		var at int64
		var status string
		if err = rows.Scan(&rec.DataType, &at, &status, &rec.ConsecutiveFailures, &rec.ItemCount); err != nil {
			return nil, errors.Annotate(err, "sync state scan")
		}
		rec.LastSyncAt = time.Unix(0, at)
		rec.LastStatus = model.SyncStatus(status)
		recs = append(recs, rec)
	}
	return recs, errors.Annotate(rows.Err(), "sync state rows")
}

// Reset deletes the record for one data type. Explicit operator action, the
// orchestrator never calls this.
func (s *SyncStates) Reset(dataType string) error {
	_, err := s.db.sql.Exec(`DELETE FROM sync_state WHERE data_type = ?`, dataType)
	return errors.Annotatef(err, "sync state reset type=%s", dataType)
}
