package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbit/agent/model"
)

func snapshot1() *model.RefSnapshot {
	return &model.RefSnapshot{
		Operators: []model.Operator{
			{ID: 1, Name: "Ada", Code: "OP1", Role: "driver"},
			{ID: 2, Name: "Ben", Code: "OP2", Role: "dispatcher"},
		},
		Geofences: []model.Geofence{
			{ID: 10, Name: "Depot", Category: "depot", Polygon: []model.Point{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}, {Lat: 2, Lon: 2}}},
			{ID: 11, Name: "North", Category: "customer", Polygon: []model.Point{{Lat: 3, Lon: 3}, {Lat: 3, Lon: 4}, {Lat: 4, Lon: 4}}},
		},
		Routes: []model.Route{
			{ID: 100, Name: "Morning", GeofenceIDs: []int64{10, 11}},
		},
	}
}

func TestRefsCommitReplaceAndPrune(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	r := NewRefs(db)
	require.NoError(t, r.CommitSnapshot(snapshot1()))

	// second snapshot: operator set replaced, geofence 11 gone, 12 added,
	// 10 renamed
	snap2 := &model.RefSnapshot{
		Operators: []model.Operator{{ID: 3, Name: "Cid", Code: "OP3", Role: "driver"}},
		Geofences: []model.Geofence{
			{ID: 10, Name: "Depot East", Category: "depot", Polygon: []model.Point{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}, {Lat: 2, Lon: 2}}},
			{ID: 12, Name: "South", Category: "service", Polygon: []model.Point{{Lat: 5, Lon: 5}, {Lat: 5, Lon: 6}, {Lat: 6, Lon: 6}}},
		},
		Routes: []model.Route{{ID: 101, Name: "Evening", GeofenceIDs: []int64{12}}},
	}
	require.NoError(t, r.CommitSnapshot(snap2))

	ops, err := r.Operators()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "Cid", ops[0].Name)

	gfs, err := r.Geofences()
	require.NoError(t, err)
	require.Len(t, gfs, 2)
	assert.EqualValues(t, 10, gfs[0].ID)
	assert.Equal(t, "Depot East", gfs[0].Name)
	assert.EqualValues(t, 12, gfs[1].ID)
	assert.Len(t, gfs[1].Polygon, 3)

	rts, err := r.Routes()
	require.NoError(t, err)
	require.Len(t, rts, 1)
	assert.Equal(t, []int64{12}, rts[0].GeofenceIDs)
}

func TestRefsCommitAtomic(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	r := NewRefs(db)
	require.NoError(t, r.CommitSnapshot(snapshot1()))

	// duplicate operator id forces an insert error mid-transaction
	bad := snapshot1()
	bad.Operators = append(bad.Operators, model.Operator{ID: 1, Name: "Dup", Code: "OPX", Role: "driver"})
	bad.Operators[0].Name = "Changed"
	require.Error(t, r.CommitSnapshot(bad))

	ops, err := r.Operators()
	require.NoError(t, err)
	require.Len(t, ops, 2, "failed commit must not change operator table")
	assert.Equal(t, "Ada", ops[0].Name)
}
