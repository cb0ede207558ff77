// Package backend is the HTTP client for reference data downloads. Uploads
// never go through here, they ride MQTT.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/fleetbit/agent/helpers"
	"github.com/fleetbit/agent/model"
)

const (
	DefaultFetchTimeout    = 30 * time.Second
	DefaultFetchAttempts   = 3
	DefaultFetchBackoff    = 500 * time.Millisecond
	DefaultFetchBackoffMax = 10 * time.Second

	maxResponseBytes = 8 << 20
)

type ClientConfig struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration // per attempt
	Attempts   int
	Backoff    time.Duration
	BackoffMax time.Duration
	Log        zerolog.Logger
}

type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	tries int
	bo    helpers.Backoff
	log   zerolog.Logger
}

func NewClient(c ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(c.BaseURL, "/"))
	if err != nil {
		return nil, errors.Annotatef(err, "backend base_url=%s", c.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.NotValidf("backend base_url=%s scheme", c.BaseURL)
	}
	timeout := helpers.IntSecondDefault(int(c.Timeout/time.Second), DefaultFetchTimeout)
	tries := c.Attempts
	if tries <= 0 {
		tries = DefaultFetchAttempts
	}
	cl := &Client{
		base:  base,
		token: c.AuthToken,
		http:  &http.Client{Timeout: timeout},
		tries: tries,
		bo: helpers.Backoff{
			Base: helpers.IntMilliDefault(int(c.Backoff/time.Millisecond), DefaultFetchBackoff),
			Max:  helpers.IntSecondDefault(int(c.BackoffMax/time.Second), DefaultFetchBackoffMax),
		},
		log: c.Log.With().Str("comp", "backend").Logger(),
	}
	return cl, nil
}

func (c *Client) Operators(ctx context.Context) ([]model.Operator, error) {
	var out []model.Operator
	err := c.getJSON(ctx, "/v1/operators", &out)
	return out, err
}

func (c *Client) Geofences(ctx context.Context) ([]model.Geofence, error) {
	var out []model.Geofence
	err := c.getJSON(ctx, "/v1/geofences", &out)
	return out, err
}

func (c *Client) Routes(ctx context.Context) ([]model.Route, error) {
	var out []model.Route
	err := c.getJSON(ctx, "/v1/routes", &out)
	return out, err
}

// Snapshot fetches all three collections. Any fetch error aborts the whole
// snapshot, partial snapshots are never returned.
func (c *Client) Snapshot(ctx context.Context) (*model.RefSnapshot, error) {
	snap := &model.RefSnapshot{}
	var err error
	if snap.Operators, err = c.Operators(ctx); err != nil {
		return nil, err
	}
	if snap.Geofences, err = c.Geofences(ctx); err != nil {
		return nil, err
	}
	if snap.Routes, err = c.Routes(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

// getJSON retries transient failures with backoff. 4xx responses are
// permanent, retrying the same request cannot help.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	c.bo.Reset()
	var last error
	for attempt := 1; attempt <= c.tries; attempt++ {
		if attempt > 1 {
			delay := c.bo.DelayBefore()
			c.log.Debug().Str("path", path).Int("attempt", attempt).Dur("delay", delay).Msg("fetch retry")
			select {
			case <-ctx.Done():
				return errors.Annotatef(ctx.Err(), "fetch path=%s", path)
			case <-time.After(delay):
			}
		}
		err := c.getJSONOnce(ctx, path, out)
		if err == nil {
			return nil
		}
		if errors.IsNotValid(err) || ctx.Err() != nil {
			return err
		}
		c.bo.Failure()
		last = err
	}
	return errors.Annotatef(last, "fetch path=%s attempts=%d", path, c.tries)
}

func (c *Client) getJSONOnce(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+path, nil)
	if err != nil {
		return errors.Trace(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Annotatef(err, "read path=%s", path)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return errors.NotValidf("backend path=%s status=%d body=%s", path, resp.StatusCode, truncate(body, 256))
	default:
		return errors.Errorf("backend path=%s status=%d", path, resp.StatusCode)
	}
	if err = json.Unmarshal(body, out); err != nil {
		return errors.Annotatef(err, "decode path=%s", path)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...(%d bytes)", b[:n], len(b))
}
