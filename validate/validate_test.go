package validate

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbit/agent/model"
)

func goodSnapshot() *model.RefSnapshot {
	return &model.RefSnapshot{
		Operators: []model.Operator{{ID: 1, Name: "Ada", Code: "OP1", Role: "driver"}},
		Geofences: []model.Geofence{
			{ID: 10, Name: "Depot", Category: "depot",
				Polygon: []model.Point{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}, {Lat: 2, Lon: 2}}},
		},
		Routes: []model.Route{{ID: 100, Name: "Morning", GeofenceIDs: []int64{10}}},
	}
}

func TestAll(t *testing.T) {
	t.Parallel()
	log := zerolog.Nop()

	cases := []struct {
		name      string
		mutate    func(*model.RefSnapshot)
		expectErr string
	}{
		{"good", func(s *model.RefSnapshot) {}, ""},
		{"no-operators", func(s *model.RefSnapshot) { s.Operators = nil },
			"at least one operator required"},
		{"operator-bad-id", func(s *model.RefSnapshot) { s.Operators[0].ID = 0 },
			"id must be positive"},
		{"operator-blank-name", func(s *model.RefSnapshot) { s.Operators[0].Name = "  " },
			"name is blank"},
		{"operator-blank-code", func(s *model.RefSnapshot) { s.Operators[0].Code = "" },
			"code is blank"},
		{"geofence-bad-id", func(s *model.RefSnapshot) { s.Geofences[0].ID = -1 },
			"id must be positive"},
		{"geofence-short-polygon", func(s *model.RefSnapshot) {
			s.Geofences[0].Polygon = s.Geofences[0].Polygon[:2]
		}, "polygon has 2 points"},
		{"geofence-point-range", func(s *model.RefSnapshot) {
			s.Geofences[0].Polygon[1].Lat = 91
		}, "polygon point out of range"},
		{"route-blank-name", func(s *model.RefSnapshot) { s.Routes[0].Name = "" },
			"name is blank"},
		{"route-bad-ref", func(s *model.RefSnapshot) { s.Routes[0].GeofenceIDs = []int64{0} },
			"geofence reference 0 must be positive"},
		// unknown labels are forward-compatible, never fatal
		{"unknown-role", func(s *model.RefSnapshot) { s.Operators[0].Role = "astronaut" }, ""},
		{"unknown-category", func(s *model.RefSnapshot) { s.Geofences[0].Category = "wormhole" }, ""},
		// geofences may legitimately be empty, only operators have a floor
		{"no-geofences", func(s *model.RefSnapshot) { s.Geofences = nil }, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			snap := goodSnapshot()
			c.mutate(snap)
			err := All(log, snap)
			if c.expectErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
		})
	}
}

func TestErrorNamesEntity(t *testing.T) {
	t.Parallel()
	snap := goodSnapshot()
	snap.Geofences[0].Polygon = nil
	err := All(zerolog.Nop(), snap)
	require.Error(t, err)
	verr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, "geofence", verr.Entity)
	assert.EqualValues(t, 10, verr.ID)
}
