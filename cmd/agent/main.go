package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/fleetbit/agent"
	"github.com/fleetbit/agent/backend"
	"github.com/fleetbit/agent/config"
	"github.com/fleetbit/agent/helpers"
	"github.com/fleetbit/agent/mqtt"
	"github.com/fleetbit/agent/storage"
	syncer "github.com/fleetbit/agent/sync"
)

const (
	defaultSyncInterval = 5 * time.Minute
	defaultStoragePath  = "/var/lib/fleetbit/agent.db"
)

func main() {
	flagConfig := flag.String("config", "agent.hcl", "path to config file")
	flagDebug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *flagDebug {
		log = log.Level(zerolog.DebugLevel)
	}

	sdnotify(log, "STATUS=starting")
	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if cfg.DeviceID == "" {
		log.Fatal().Msg("config device_id is required")
	}
	topicPrefix := cfg.Mqtt.TopicPrefix
	if topicPrefix == "" {
		topicPrefix = "fleet/" + cfg.DeviceID
	}
	log = log.With().Str("device", cfg.DeviceID).Logger()

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		storagePath = defaultStoragePath
	}
	db, err := storage.Open(storagePath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("storage open")
	}
	defer db.Close()

	queue, err := storage.NewQueue(db, storage.QueueConfig{
		MaxCount: cfg.Storage.QueueMaxCount,
		MaxAge:   time.Duration(cfg.Storage.QueueMaxAgeHours) * time.Hour,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("storage queue")
	}
	events := storage.NewEvents(db, time.Duration(cfg.Storage.EventRetainHours)*time.Hour)
	refs := storage.NewRefs(db)
	states := storage.NewSyncStates(db)

	conn, err := mqtt.NewConn(mqtt.Options{
		BrokerURL:       cfg.Mqtt.Broker,
		TLS:             mustTLS(log, cfg.Mqtt.TlsCaFile),
		ClientID:        cfg.DeviceID,
		Username:        cfg.Mqtt.Username,
		Password:        cfg.Mqtt.Password,
		KeepaliveSec:    cfg.Mqtt.KeepaliveSec,
		NetworkTimeout:  helpers.IntSecondDefault(cfg.Mqtt.NetworkTimeoutSec, mqtt.DefaultNetworkTimeout),
		ReconnectBase:   helpers.IntMilliDefault(cfg.Mqtt.ReconnectBaseMs, mqtt.DefaultReconnectBase),
		ReconnectMax:    helpers.IntSecondDefault(cfg.Mqtt.ReconnectMaxSec, mqtt.DefaultReconnectMax),
		ReconnectCapExp: cfg.Mqtt.ReconnectCapExponent,
		ReconnectJitter: helpers.IntMilliDefault(cfg.Mqtt.ReconnectJitterMs, mqtt.DefaultReconnectJitter),
		MaxInflight:     cfg.Mqtt.MaxInflight,
		StatusTopic:     topicPrefix + "/" + agent.TopicStatus,
		Log:             log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("mqtt")
	}
	defer conn.Close()

	client, err := backend.NewClient(backend.ClientConfig{
		BaseURL:    cfg.Backend.BaseURL,
		AuthToken:  cfg.Backend.AuthToken,
		Timeout:    helpers.IntSecondDefault(cfg.Backend.FetchTimeoutSec, backend.DefaultFetchTimeout),
		Attempts:   cfg.Backend.FetchAttempts,
		Backoff:    helpers.IntMilliDefault(cfg.Backend.FetchBackoffMs, backend.DefaultFetchBackoff),
		BackoffMax: helpers.IntSecondDefault(cfg.Backend.FetchBackoffMax, backend.DefaultFetchBackoffMax),
		Log:        log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("backend")
	}

	telemeter, err := agent.NewTelemeter(agent.TelemeterOptions{
		DeviceID:    cfg.DeviceID,
		TopicPrefix: topicPrefix,
		Queue:       queue,
		Events:      events,
		Log:         log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("telemeter")
	}

	orch, err := syncer.NewOrchestrator(syncer.Options{
		Conn:       conn,
		Backend:    client,
		Queue:      queue,
		Events:     events,
		Refs:       refs,
		States:     states,
		EventTopic: topicPrefix + "/" + agent.TopicGeofence,
		BatchSize:  cfg.Sync.BatchSize,
		MaxItems:   cfg.Sync.MaxItemsPerRun,
		BatchDelay: helpers.IntMilliDefault(cfg.Sync.BatchDelayMs, syncer.DefaultBatchDelay),
		Log:        log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("sync")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		log.Info().Str("signal", sig.String()).Msg("shutdown")
		sdnotify(log, daemon.SdNotifyStopping)
		cancel()
	}()

	conn.Connect()
	sdnotify(log, daemon.SdNotifyReady)
	log.Info().Str("broker", cfg.Mqtt.Broker).Str("backend", cfg.Backend.BaseURL).Msg("agent running")

	interval := helpers.IntSecondDefault(cfg.Sync.IntervalSec, defaultSyncInterval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		orch.Run(ctx, interval)
	}()

	<-ctx.Done()
	<-done
	// best effort note in the queue for the next session
	telemeter.Error(errors.Errorf("agent stopped"))
	log.Info().Int64("queued", queue.Count()).Msg("bye")
}

func mustTLS(log zerolog.Logger, caFile string) *tls.Config {
	if caFile == "" {
		return nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", caFile).Msg("tls ca")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		log.Fatal().Str("file", caFile).Msg("tls ca: no certificates found")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

func sdnotify(log zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Error().Err(err).Msg("sdnotify")
	}
}
