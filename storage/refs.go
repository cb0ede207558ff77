package storage

import (
	"database/sql"
	"encoding/json"

	"github.com/juju/errors"

	"github.com/fleetbit/agent/model"
)

// Refs holds the reference data snapshots downloaded from the backend.
// CommitSnapshot is the only writer and is fully transactional: either the
// whole snapshot lands or local data is untouched.
type Refs struct {
	db *DB
}

func NewRefs(db *DB) *Refs { return &Refs{db: db} }

// CommitSnapshot applies a validated snapshot in one transaction.
// Operators and routes fully replace prior contents. Geofences are
// upsert-plus-prune: ids present in the snapshot are inserted or updated,
// local ids absent from it are deleted.
func (r *Refs) CommitSnapshot(snap *model.RefSnapshot) error {
	return r.db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM operators`); err != nil {
			return errors.Annotate(err, "refs clear operators")
		}
		for i := range snap.Operators {
			op := &snap.Operators[i]
			_, err := tx.Exec(`INSERT INTO operators (id, name, code, role) VALUES (?, ?, ?, ?)`,
				op.ID, op.Name, op.Code, op.Role)
			if err != nil {
				return errors.Annotatef(err, "refs insert operator id=%d", op.ID)
			}
		}

		if _, err := tx.Exec(`DELETE FROM routes`); err != nil {
			return errors.Annotate(err, "refs clear routes")
		}
		for i := range snap.Routes {
			rt := &snap.Routes[i]
			ids, err := json.Marshal(rt.GeofenceIDs)
			if err != nil {
				return errors.Annotatef(err, "refs route id=%d", rt.ID)
			}
			_, err = tx.Exec(`INSERT INTO routes (id, name, geofence_ids) VALUES (?, ?, ?)`,
				rt.ID, rt.Name, string(ids))
			if err != nil {
				return errors.Annotatef(err, "refs insert route id=%d", rt.ID)
			}
		}

		keep := make([]interface{}, 0, len(snap.Geofences))
		for i := range snap.Geofences {
			gf := &snap.Geofences[i]
			polygon, err := json.Marshal(gf.Polygon)
			if err != nil {
				return errors.Annotatef(err, "refs geofence id=%d", gf.ID)
			}
			_, err = tx.Exec(
				`INSERT INTO geofences (id, name, category, polygon) VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET name=excluded.name, category=excluded.category, polygon=excluded.polygon`,
				gf.ID, gf.Name, gf.Category, string(polygon))
			if err != nil {
				return errors.Annotatef(err, "refs upsert geofence id=%d", gf.ID)
			}
			keep = append(keep, gf.ID)
		}
		query := `DELETE FROM geofences`
		if len(keep) > 0 {
			query += ` WHERE id NOT IN (?` + repeatPlaceholder(len(keep)-1) + `)`
		}
		if _, err := tx.Exec(query, keep...); err != nil {
			return errors.Annotate(err, "refs prune geofences")
		}
		return nil
	})
}

func (r *Refs) Operators() ([]model.Operator, error) {
	rows, err := r.db.sql.Query(`SELECT id, name, code, role FROM operators ORDER BY id`)
	if err != nil {
		return nil, errors.Annotate(err, "refs operators")
	}
	defer rows.Close()
	var ops []model.Operator
	for rows.Next() {
		var op model.Operator
		if err = rows.Scan(&op.ID, &op.Name, &op.Code, &op.Role); err != nil {
			return nil, errors.Annotate(err, "refs operators scan")
		}
		ops = append(ops, op)
	}
	return ops, errors.Annotate(rows.Err(), "refs operators rows")
}

func (r *Refs) Geofences() ([]model.Geofence, error) {
	rows, err := r.db.sql.Query(`SELECT id, name, category, polygon FROM geofences ORDER BY id`)
	if err != nil {
		return nil, errors.Annotate(err, "refs geofences")
	}
	defer rows.Close()
	var gfs []model.Geofence
	for rows.Next() {
		var gf model.Geofence
		var polygon string
		if err = rows.Scan(&gf.ID, &gf.Name, &gf.Category, &polygon); err != nil {
			return nil, errors.Annotate(err, "refs geofences scan")
		}
		if err = json.Unmarshal([]byte(polygon), &gf.Polygon); err != nil {
			return nil, errors.Annotatef(err, "refs geofence id=%d polygon", gf.ID)
		}
		gfs = append(gfs, gf)
	}
	return gfs, errors.Annotate(rows.Err(), "refs geofences rows")
}

func (r *Refs) Routes() ([]model.Route, error) {
	rows, err := r.db.sql.Query(`SELECT id, name, geofence_ids FROM routes ORDER BY id`)
	if err != nil {
		return nil, errors.Annotate(err, "refs routes")
	}
	defer rows.Close()
	var rts []model.Route
	for rows.Next() {
		var rt model.Route
		var ids string
		if err = rows.Scan(&rt.ID, &rt.Name, &ids); err != nil {
			return nil, errors.Annotate(err, "refs routes scan")
		}
		if err = json.Unmarshal([]byte(ids), &rt.GeofenceIDs); err != nil {
			return nil, errors.Annotatef(err, "refs route id=%d geofence_ids", rt.ID)
		}
		rts = append(rts, rt)
	}
	return rts, errors.Annotate(rows.Err(), "refs routes rows")
}

func repeatPlaceholder(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ",?"
	}
	return s
}
