package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbit/agent/model"
)

func TestSyncStateUpsert(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	s := NewSyncStates(db)

	require.NoError(t, s.Record(model.DataOperators, model.SyncSuccess, 3))
	rec, err := s.Get(model.DataOperators)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSuccess, rec.LastStatus)
	assert.Equal(t, 3, rec.ItemCount)
	assert.Equal(t, 0, rec.ConsecutiveFailures)

	require.NoError(t, s.Record(model.DataOperators, model.SyncFailed, 0))
	require.NoError(t, s.Record(model.DataOperators, model.SyncFailed, 0))
	rec, err = s.Get(model.DataOperators)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.ConsecutiveFailures)

	// skipped resets the failure streak
	require.NoError(t, s.Record(model.DataOperators, model.SyncSkipped, 0))
	rec, err = s.Get(model.DataOperators)
	require.NoError(t, err)
	assert.Equal(t, model.SyncSkipped, rec.LastStatus)
	assert.Equal(t, 0, rec.ConsecutiveFailures)
}

func TestSyncStateAllAndReset(t *testing.T) {
	t.Parallel()
	db := testDB(t)
	s := NewSyncStates(db)

	require.NoError(t, s.Record(model.DataDownload, model.SyncSuccess, 1))
	require.NoError(t, s.Record(model.DataUpload, model.SyncFailed, 0))
	recs, err := s.All()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	require.NoError(t, s.Reset(model.DataUpload))
	_, err = s.Get(model.DataUpload)
	require.Error(t, err)

	recs, err = s.All()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.DataDownload, recs[0].DataType)
}
