// Package storage is the device-local persistent store: the outbound
// telemetry queue, the geofence event log, reference data snapshots and
// per-data-type sync state. Everything lives in one SQLite database so the
// download phase can commit a whole snapshot in a single transaction.
package storage

import (
	"database/sql"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry_queue (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id  TEXT NOT NULL UNIQUE,
  topic       TEXT NOT NULL,
  payload     BLOB NOT NULL,
  created_at  INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  qos         INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_queue_created_at ON telemetry_queue(created_at);

CREATE TABLE IF NOT EXISTS geofence_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id  TEXT NOT NULL UNIQUE,
  geofence_id INTEGER NOT NULL,
  kind        TEXT NOT NULL,
  recorded_at INTEGER NOT NULL,
  payload     BLOB NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  sent_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_recorded_at ON geofence_events(recorded_at);
CREATE INDEX IF NOT EXISTS idx_events_sent_at ON geofence_events(sent_at);

CREATE TABLE IF NOT EXISTS operators (
  id   INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  code TEXT NOT NULL,
  role TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS geofences (
  id       INTEGER PRIMARY KEY,
  name     TEXT NOT NULL,
  category TEXT NOT NULL,
  polygon  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS routes (
  id           INTEGER PRIMARY KEY,
  name         TEXT NOT NULL,
  geofence_ids TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
  data_type            TEXT PRIMARY KEY,
  last_sync_at         INTEGER NOT NULL,
  last_status          TEXT NOT NULL,
  consecutive_failures INTEGER NOT NULL DEFAULT 0,
  item_count           INTEGER NOT NULL DEFAULT 0
);
`

// InMemory is a DSN for tests.
const InMemory = "file::memory:?cache=shared"

type DB struct {
	sql *sql.DB
	log zerolog.Logger
	now func() time.Time
}

func Open(dsn string, log zerolog.Logger) (*DB, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "storage open dsn=%s", dsn)
	}
	// Serialized writes keep SQLITE_BUSY out of the hot enqueue path.
	sqldb.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err = sqldb.Exec(pragma); err != nil {
			_ = sqldb.Close()
			return nil, errors.Annotate(err, pragma)
		}
	}
	if _, err = sqldb.Exec(schema); err != nil {
		_ = sqldb.Close()
		return nil, errors.Annotate(err, "storage migrate")
	}
	d := &DB{
		sql: sqldb,
		log: log.With().Str("comp", "storage").Logger(),
		now: time.Now,
	}
	return d, nil
}

func (d *DB) Close() error { return d.sql.Close() }

// SetNowFunc overrides the clock, tests only.
func (d *DB) SetNowFunc(now func() time.Time) { d.now = now }

func (d *DB) inTx(f func(tx *sql.Tx) error) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Annotate(err, "storage begin")
	}
	if err = f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Annotate(tx.Commit(), "storage commit")
}
