// Package validate holds the pre-commit guardrail checks for downloaded
// reference data. All checks are pure, no I/O: a failure here must abort the
// download phase before anything is written locally.
package validate

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fleetbit/agent/model"
)

// Error names the failing entity and reason. Callers treat any Error as
// fatal for the whole snapshot.
type Error struct {
	Entity string // "operator", "geofence", "route"
	ID     int64  // 0 when the collection itself is at fault
	Reason string
}

func (e *Error) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("validate %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("validate %s id=%d: %s", e.Entity, e.ID, e.Reason)
}

const MinPolygonPoints = 3

// All checks a full snapshot, first violation wins. Unknown category/role
// labels are warnings only, newer backends may introduce labels before the
// device updates.
func All(log zerolog.Logger, snap *model.RefSnapshot) error {
	if err := Operators(log, snap.Operators); err != nil {
		return err
	}
	if err := Geofences(log, snap.Geofences); err != nil {
		return err
	}
	return Routes(log, snap.Routes)
}

func Operators(log zerolog.Logger, ops []model.Operator) error {
	if len(ops) == 0 {
		return &Error{Entity: "operator", Reason: "at least one operator required"}
	}
	for i := range ops {
		op := &ops[i]
		if op.ID <= 0 {
			return &Error{Entity: "operator", ID: op.ID, Reason: "id must be positive"}
		}
		if strings.TrimSpace(op.Name) == "" {
			return &Error{Entity: "operator", ID: op.ID, Reason: "name is blank"}
		}
		if strings.TrimSpace(op.Code) == "" {
			return &Error{Entity: "operator", ID: op.ID, Reason: "code is blank"}
		}
		if !model.KnownOperatorRoles[op.Role] {
			log.Warn().Int64("id", op.ID).Str("role", op.Role).Msg("operator role unknown")
		}
	}
	return nil
}

func Geofences(log zerolog.Logger, gfs []model.Geofence) error {
	for i := range gfs {
		gf := &gfs[i]
		if gf.ID <= 0 {
			return &Error{Entity: "geofence", ID: gf.ID, Reason: "id must be positive"}
		}
		if strings.TrimSpace(gf.Name) == "" {
			return &Error{Entity: "geofence", ID: gf.ID, Reason: "name is blank"}
		}
		if len(gf.Polygon) < MinPolygonPoints {
			return &Error{Entity: "geofence", ID: gf.ID,
				Reason: fmt.Sprintf("polygon has %d points, need at least %d", len(gf.Polygon), MinPolygonPoints)}
		}
		for _, p := range gf.Polygon {
			if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
				return &Error{Entity: "geofence", ID: gf.ID,
					Reason: fmt.Sprintf("polygon point out of range lat=%v lon=%v", p.Lat, p.Lon)}
			}
		}
		if !model.KnownGeofenceCategories[gf.Category] {
			log.Warn().Int64("id", gf.ID).Str("category", gf.Category).Msg("geofence category unknown")
		}
	}
	return nil
}

func Routes(log zerolog.Logger, rts []model.Route) error {
	for i := range rts {
		rt := &rts[i]
		if rt.ID <= 0 {
			return &Error{Entity: "route", ID: rt.ID, Reason: "id must be positive"}
		}
		if strings.TrimSpace(rt.Name) == "" {
			return &Error{Entity: "route", ID: rt.ID, Reason: "name is blank"}
		}
		for _, gid := range rt.GeofenceIDs {
			if gid <= 0 {
				return &Error{Entity: "route", ID: rt.ID,
					Reason: fmt.Sprintf("geofence reference %d must be positive", gid)}
			}
		}
	}
	return nil
}
