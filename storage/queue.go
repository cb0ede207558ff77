package storage

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/fleetbit/agent/model"
)

const (
	DefaultQueueMaxCount = 100000
	DefaultQueueMaxAge   = 72 * time.Hour
)

type QueueConfig struct {
	MaxCount int
	MaxAge   time.Duration
}

// Queue is the durable store of pending outbound messages. Enqueue never
// touches the network and never fails for queue-full: the maintenance policy
// evicts oldest records instead, old samples are worth less than new ones.
//
// Count is cached so producers get an O(1) backpressure signal without a
// table scan.
type Queue struct {
	db    *DB
	cfg   QueueConfig
	count int64 // atomic
}

func NewQueue(db *DB, cfg QueueConfig) (*Queue, error) {
	if cfg.MaxCount == 0 {
		cfg.MaxCount = DefaultQueueMaxCount
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultQueueMaxAge
	}
	q := &Queue{db: db, cfg: cfg}
	var n int64
	err := db.sql.QueryRow(`SELECT COUNT(*) FROM telemetry_queue`).Scan(&n)
	if err != nil {
		return nil, errors.Annotate(err, "queue count")
	}
	atomic.StoreInt64(&q.count, n)
	return q, nil
}

// Enqueue persists one message and returns it with store id and message id
// assigned. Callable at any time, including fully offline. The wire path
// speaks QOS 0 and 1 only, higher values are clamped to AtLeastOnce here so
// a bad producer value cannot poison the upload phase.
func (q *Queue) Enqueue(topic string, payload []byte, qos byte) (model.QueuedMessage, error) {
	if qos > 1 {
		qos = 1
	}
	m := model.QueuedMessage{
		MessageID: uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: q.db.now(),
		QOS:       qos,
	}
	res, err := q.db.sql.Exec(
		`INSERT INTO telemetry_queue (message_id, topic, payload, created_at, qos) VALUES (?, ?, ?, ?, ?)`,
		m.MessageID, m.Topic, m.Payload, m.CreatedAt.UnixNano(), m.QOS)
	if err != nil {
		return m, errors.Annotatef(err, "queue enqueue topic=%s", topic)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return m, errors.Annotate(err, "queue enqueue id")
	}
	if atomic.AddInt64(&q.count, 1) > int64(q.cfg.MaxCount) {
		if merr := q.Maintain(); merr != nil {
			q.db.log.Error().Err(merr).Msg("queue maintenance")
		}
	}
	return m, nil
}

// Maintain enforces the size and age bounds, deleting oldest-first until both
// hold again.
func (q *Queue) Maintain() error {
	cutoff := q.db.now().Add(-q.cfg.MaxAge).UnixNano()
	res, err := q.db.sql.Exec(`DELETE FROM telemetry_queue WHERE created_at < ?`, cutoff)
	if err != nil {
		return errors.Annotate(err, "queue maintain age")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		atomic.AddInt64(&q.count, -n)
		q.db.log.Info().Int64("evicted", n).Msg("queue evicted expired records")
	}

	over := atomic.LoadInt64(&q.count) - int64(q.cfg.MaxCount)
	if over <= 0 {
		return nil
	}
	res, err = q.db.sql.Exec(
		`DELETE FROM telemetry_queue WHERE id IN
		   (SELECT id FROM telemetry_queue ORDER BY created_at ASC, id ASC LIMIT ?)`, over)
	if err != nil {
		return errors.Annotate(err, "queue maintain size")
	}
	if n, _ := res.RowsAffected(); n > 0 {
		atomic.AddInt64(&q.count, -n)
		q.db.log.Info().Int64("evicted", n).Msg("queue evicted oldest records over size bound")
	}
	return nil
}

// Drain returns up to batchSize oldest pending records, creation order.
func (q *Queue) Drain(batchSize int) ([]model.QueuedMessage, error) {
	rows, err := q.db.sql.Query(
		`SELECT id, message_id, topic, payload, created_at, retry_count, qos
		   FROM telemetry_queue ORDER BY created_at ASC, id ASC LIMIT ?`, batchSize)
	if err != nil {
		return nil, errors.Annotate(err, "queue drain")
	}
	defer rows.Close()
	ms := make([]model.QueuedMessage, 0, batchSize)
	for rows.Next() {
		var m model.QueuedMessage
		var createdAt int64
		if err = rows.Scan(&m.ID, &m.MessageID, &m.Topic, &m.Payload, &createdAt, &m.RetryCount, &m.QOS); err != nil {
			return nil, errors.Annotate(err, "queue drain scan")
		}
		m.CreatedAt = time.Unix(0, createdAt)
		ms = append(ms, m)
	}
	return ms, errors.Annotate(rows.Err(), "queue drain rows")
}

// MarkSent deletes a confirmed-published record.
func (q *Queue) MarkSent(id int64) error {
	res, err := q.db.sql.Exec(`DELETE FROM telemetry_queue WHERE id = ?`, id)
	if err != nil {
		return errors.Annotatef(err, "queue mark sent id=%d", id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		atomic.AddInt64(&q.count, -n)
	}
	return nil
}

func (q *Queue) IncrementRetry(id int64) error {
	_, err := q.db.sql.Exec(`UPDATE telemetry_queue SET retry_count = retry_count + 1 WHERE id = ?`, id)
	return errors.Annotatef(err, "queue increment retry id=%d", id)
}

func (q *Queue) Count() int64 { return atomic.LoadInt64(&q.count) }
