// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command uplink-agent is the edge-device telemetry uplink agent: it
// ingests locally produced data over a line-delimited JSON listener,
// batches it per stream, and ships it to an MQTT broker, spilling to
// disk when the broker falls behind and optionally archiving evicted
// segments to S3.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/nishisan-dev/n-uplink/internal/actions"
	"github.com/nishisan-dev/n-uplink/internal/archival"
	"github.com/nishisan-dev/n-uplink/internal/archivalsched"
	"github.com/nishisan-dev/n-uplink/internal/config"
	"github.com/nishisan-dev/n-uplink/internal/egress"
	"github.com/nishisan-dev/n-uplink/internal/hoststats"
	"github.com/nishisan-dev/n-uplink/internal/ingest"
	"github.com/nishisan-dev/n-uplink/internal/logging"
	"github.com/nishisan-dev/n-uplink/internal/netqos"
	"github.com/nishisan-dev/n-uplink/internal/pki"
	"github.com/nishisan-dev/n-uplink/internal/spool"
	"github.com/nishisan-dev/n-uplink/internal/uplink"
)

func main() {
	configPath := flag.String("config", "/etc/uplink-agent/agent.yaml", "path to the agent's YAML configuration")
	logFile := flag.String("log-file", "", "optional path to write logs to, in addition to stdout")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "uplink-agent: loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, *logFile)
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("uplink-agent exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metricsTopic string
	streamConfigs := make([]uplink.StreamConfig, 0, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streamConfigs = append(streamConfigs, uplink.StreamConfig{Name: s.Name, Topic: s.Topic, BufSize: s.BufSize})
		if s.Name == "metrics" {
			metricsTopic = s.Topic
		}
	}

	var tlsConfig *tls.Config
	if cfg.MQTT.TLS.CACert != "" || cfg.MQTT.TLS.ClientCert != "" {
		var err error
		tlsConfig, err = pki.NewClientTLSConfig(cfg.MQTT.TLS.CACert, cfg.MQTT.TLS.ClientCert, cfg.MQTT.TLS.ClientKey)
		if err != nil {
			return fmt.Errorf("building mqtt tls config: %w", err)
		}
	}

	dscp := 0
	if cfg.MQTT.DSCP != "" {
		var err error
		dscp, err = netqos.ParseDSCP(cfg.MQTT.DSCP)
		if err != nil {
			return fmt.Errorf("parsing mqtt.dscp: %w", err)
		}
	}

	paho, err := uplink.NewPahoClient(uplink.PahoClientConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		TLSConfig: tlsConfig,
		DSCP:      dscp,
	}, netqos.ApplyDSCP)
	if err != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", err)
	}
	defer paho.Disconnect(250)

	if cfg.MQTT.ActionsTopic != "" {
		dispatcher := actions.NewLoggingDispatcher(logger)
		if err := paho.Subscribe(cfg.MQTT.ActionsTopic, func(topic string, payload []byte) {
			if err := dispatcher.Dispatch(actions.Action{Topic: topic, Payload: payload}); err != nil {
				logger.Error("action dispatch failed", "topic", topic, "error", err)
			}
		}); err != nil {
			return fmt.Errorf("subscribing to mqtt.actions_topic: %w", err)
		}
	}

	var client uplink.Client = paho
	if cfg.Egress.MaxBytesPerSecRaw > 0 {
		client = egress.Wrap(client, cfg.Egress.MaxBytesPerSecRaw)
	}

	uploader, err := newArchivalUploader(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setting up archival: %w", err)
	}
	uploader.Start(ctx)
	defer uploader.Stop()

	// Only hand the spool an eviction callback when archival is actually
	// enabled — otherwise the spool must keep deleting evicted segments
	// itself, since nothing else would.
	var onEvict spool.EvictFunc
	if uploader.Enabled() {
		onEvict = uploader.OnEvict
	}

	var fileSpool *spool.FileSpool
	if cfg.Persistence.Path != "" {
		fileSpool, err = spool.NewFileSpool(spool.Config{
			Dir:             cfg.Persistence.Path,
			MaxSegmentBytes: cfg.Persistence.MaxFileSizeRaw,
			MaxSegments:     cfg.Persistence.MaxFileCount,
			Compress:        cfg.Persistence.Compress,
			ParallelGzip:    cfg.Persistence.ParallelGzip,
			OnEvict:         onEvict,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("opening spool: %w", err)
		}
		defer fileSpool.Close()
	}

	var monitor *hoststats.Monitor
	var healthFn func() (uplink.DeviceHealth, bool)
	if cfg.HostStats.Enabled {
		monitor = hoststats.NewMonitor(logger)
		monitor.Start()
		defer monitor.Stop()
		healthFn = monitor.Stats
	}

	packages := make(chan uplink.Package, 64)

	var storageSpool uplink.StorageSpool
	if fileSpool != nil {
		storageSpool = fileSpool
	}

	serializer, err := uplink.NewSerializer(uplink.SerializerConfig{
		Client:          client,
		In:              packages,
		Spool:           storageSpool,
		MetricsTopic:    metricsTopic,
		MetricsInterval: 0,
		MaxPacketSize:   cfg.MaxPacketSizeRaw,
		Logger:          logger,
		Health:          healthFn,
		OnTransition: func(from, to string) {
			logger.Debug("serializer state transition", "from", from, "to", to)
		},
	})
	if err != nil {
		return fmt.Errorf("building serializer: %w", err)
	}

	handler := uplink.NewStreamHandler(streamConfigs, packages, cfg.FlushPeriod, cfg.Device.ProjectID, cfg.Device.DeviceID, logger)

	payloads := make(chan uplink.Payload, 256)

	var sched *archivalsched.Scheduler
	if cfg.Persistence.Path != "" && uploader.Enabled() {
		sched, err = archivalsched.New(cfg.Persistence.Path, cfg.Archival.SweepInterval, 0, uploader, logger)
		if err != nil {
			return fmt.Errorf("building archival scheduler: %w", err)
		}
		sched.Start()
		defer sched.Stop(context.Background())
	}

	var listener *ingest.Listener
	if cfg.Ingest.ListenAddr != "" {
		listener = ingest.NewListener(cfg.Ingest.ListenAddr, payloads, logger)
	}

	errs := make(chan error, 3)

	go func() { errs <- serializer.Run(ctx) }()
	go func() { handler.Run(ctx, payloads); errs <- nil }()
	if listener != nil {
		go func() { errs <- listener.Run(ctx) }()
	}

	logger.Info("uplink-agent started",
		"device_id", cfg.Device.DeviceID,
		"project_id", cfg.Device.ProjectID,
		"broker", cfg.MQTT.BrokerURL,
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case err := <-errs:
		return err
	}
}

// newArchivalUploader builds an S3-backed Uploader when archival is
// configured, or a disabled no-op Uploader otherwise.
func newArchivalUploader(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*archival.Uploader, error) {
	if cfg.Archival.S3Bucket == "" {
		return archival.NewUploader(nil, "", logger), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Archival.S3Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg)
	return archival.NewUploader(s3Client, cfg.Archival.S3Bucket, logger), nil
}
