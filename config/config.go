package config

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/fleetbit/agent/helpers"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	DeviceID string `hcl:"device_id"`

	Mqtt struct { //nolint:maligned
		Broker               string `hcl:"broker"`
		TopicPrefix          string `hcl:"topic_prefix"`
		Username             string `hcl:"username"`
		Password             string `hcl:"password"` // secret
		KeepaliveSec         int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec    int    `hcl:"network_timeout_sec"`
		ReconnectBaseMs      int    `hcl:"reconnect_base_ms"`
		ReconnectMaxSec      int    `hcl:"reconnect_max_sec"`
		ReconnectCapExponent int    `hcl:"reconnect_cap_exponent"`
		ReconnectJitterMs    int    `hcl:"reconnect_jitter_ms"`
		MaxInflight          int    `hcl:"max_inflight"`
		TlsCaFile            string `hcl:"tls_ca_file"`
	} `hcl:"mqtt"`

	Backend struct {
		BaseURL         string `hcl:"base_url"`
		AuthToken       string `hcl:"auth_token"` // secret
		FetchTimeoutSec int    `hcl:"fetch_timeout_sec"`
		FetchAttempts   int    `hcl:"fetch_attempts"`
		FetchBackoffMs  int    `hcl:"fetch_backoff_ms"`
		FetchBackoffMax int    `hcl:"fetch_backoff_max_sec"`
	} `hcl:"backend"`

	Storage struct {
		Path             string `hcl:"path"`
		QueueMaxCount    int    `hcl:"queue_max_count"`
		QueueMaxAgeHours int    `hcl:"queue_max_age_hours"`
		EventRetainHours int    `hcl:"event_retain_hours"`
	} `hcl:"storage"`

	Sync struct {
		IntervalSec    int `hcl:"interval_sec"`
		BatchSize      int `hcl:"batch_size"`
		MaxItemsPerRun int `hcl:"max_items_per_run"`
		BatchDelayMs   int `hcl:"batch_delay_ms"`
	} `hcl:"sync"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log zerolog.Logger, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debug().Str("source", source.Name).Str("path", norm).Msg("config reading")
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log zerolog.Logger, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log zerolog.Logger, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	return c
}
