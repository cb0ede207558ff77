package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t testing.TB, srv *httptest.Server, attempts int) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:    srv.URL,
		AuthToken:  "sekret",
		Attempts:   attempts,
		Backoff:    time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
		Log:        zerolog.New(zerolog.NewTestWriter(t)),
	})
	require.NoError(t, err)
	return c
}

func TestClientSnapshot(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/operators":
			w.Write([]byte(`[{"id":1,"name":"Ada","code":"OP1","role":"driver"}]`))
		case "/v1/geofences":
			w.Write([]byte(`[{"id":10,"name":"Depot","category":"depot","polygon":[{"lat":1,"lon":1},{"lat":1,"lon":2},{"lat":2,"lon":2}]}]`))
		case "/v1/routes":
			w.Write([]byte(`[{"id":100,"name":"Morning","geofence_ids":[10]}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := testClient(t, srv, 1)
	snap, err := c.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Operators, 1)
	assert.Equal(t, "Ada", snap.Operators[0].Name)
	require.Len(t, snap.Geofences, 1)
	assert.Len(t, snap.Geofences[0].Polygon, 3)
	require.Len(t, snap.Routes, 1)
	assert.Equal(t, []int64{10}, snap.Routes[0].GeofenceIDs)
}

func TestClientRetryTransient(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := testClient(t, srv, 3)
	ops, err := c.Operators(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClientNoRetryOn4xx(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv, 3)
	_, err := c.Operators(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "4xx must not be retried")
}

func TestClientAttemptsExhausted(t *testing.T) {
	t.Parallel()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, 2)
	_, err := c.Operators(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts=2")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestClientContextCancel(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(t, srv, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Operators(ctx)
	require.Error(t, err)
}

func TestClientBadBaseURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(ClientConfig{BaseURL: "ftp://nope", Log: zerolog.Nop()})
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
}

func TestClientSnapshotAbortsOnFirstError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/operators" {
			w.Write([]byte(`[{"id":1,"name":"Ada","code":"OP1","role":"driver"}]`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(t, srv, 1)
	snap, err := c.Snapshot(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap, "partial snapshot must not leak")
}
