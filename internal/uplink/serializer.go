// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrCollectorClosed is fatal: the inbound channel has no more senders.
var ErrCollectorClosed = errors.New("uplink: collector channel closed")

// state is the Serializer's internal state-machine position. It is
// unexported — callers only ever see the effects (publishes, spool
// growth, metrics) — but StateObserver below lets a caller watch
// transitions.
type state int

const (
	stateEventLoopReady state = iota
	stateNormal
	stateSlowEventloop
	stateEventLoopCrash
)

func (s state) String() string {
	switch s {
	case stateEventLoopReady:
		return "EventLoopReady"
	case stateNormal:
		return "Normal"
	case stateSlowEventloop:
		return "SlowEventloop"
	case stateEventLoopCrash:
		return "EventLoopCrash"
	default:
		return "Unknown"
	}
}

// StateObserver is notified on every state transition with the names
// of the previous state (empty on the first call) and the new one;
// cmd/uplink-agent logs them. Optional: a nil observer is a no-op.
type StateObserver func(from, to string)

// SerializerConfig wires a Serializer's collaborators.
type SerializerConfig struct {
	Client          Client
	In              <-chan Package
	Spool           StorageSpool // nil selects direct mode
	MetricsTopic    string
	MetricsInterval time.Duration // default 10s
	MaxPacketSize   int
	Logger          *slog.Logger
	Health          func() (DeviceHealth, bool) // optional, from hoststats.Monitor
	OnTransition    StateObserver
}

// Serializer is the operational state machine described in DESIGN.md: it
// decides, for each outgoing Package, whether to publish directly,
// spool to disk, drain the disk backlog, or enter crash-mode
// disk-only capture.
type Serializer struct {
	client          Client
	in              <-chan Package
	spool           StorageSpool
	metrics         *Metrics
	metricsInterval time.Duration
	maxPacketSize   int
	logger          *slog.Logger
	health          func() (DeviceHealth, bool)
	onTransition    StateObserver
}

// NewSerializer validates cfg and constructs a Serializer. Construction
// fails if MetricsTopic is empty — the metrics topic must come from
// the "metrics" stream config entry, and a Serializer with nowhere to
// publish metrics can't be built.
func NewSerializer(cfg SerializerConfig) (*Serializer, error) {
	if cfg.MetricsTopic == "" {
		return nil, errors.New("uplink: serializer requires a metrics topic (streams.metrics.topic)")
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 10 * time.Second
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Serializer{
		client:          cfg.Client,
		in:              cfg.In,
		spool:           cfg.Spool,
		metrics:         NewMetrics(cfg.MetricsTopic),
		metricsInterval: cfg.MetricsInterval,
		maxPacketSize:   cfg.MaxPacketSize,
		logger:          cfg.Logger,
		health:          cfg.Health,
		onTransition:    cfg.OnTransition,
	}, nil
}

// Metrics exposes the live Metrics instance for read-only inspection
// (e.g. a stats reporter); the Serializer remains the sole mutator.
func (s *Serializer) Metrics() *Metrics { return s.metrics }

// Run drives the state machine until a fatal error or ctx cancellation.
func (s *Serializer) Run(ctx context.Context) error {
	if s.spool == nil {
		return s.direct(ctx)
	}

	st := stateEventLoopReady
	from := ""
	var stalled Publish

	for {
		s.transition(from, st)
		from = st.String()
		var next state
		var err error

		switch st {
		case stateEventLoopReady:
			next, stalled, err = s.catchup(ctx)
		case stateNormal:
			next, stalled, err = s.normal(ctx)
		case stateSlowEventloop:
			next, err = s.disk(ctx, stalled)
		case stateEventLoopCrash:
			return s.crash(ctx, stalled)
		}
		if err != nil {
			return err
		}
		st = next
	}
}

func (s *Serializer) transition(from string, to state) {
	if s.onTransition != nil {
		s.onTransition(from, to.String())
	}
}

// direct is the degenerate single-state loop used when no StorageSpool
// is configured: every Package is published and awaited; any failure
// is fatal.
func (s *Serializer) direct(ctx context.Context) error {
	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case pkg, ok := <-s.in:
			if !ok {
				return ErrCollectorClosed
			}
			pub, err := s.toPublish(pkg)
			if err != nil {
				return err
			}
			if err := s.client.Publish(ctx, pub); err != nil {
				return fmt.Errorf("uplink: direct publish failed: %w", err)
			}
			s.metrics.AddSent(uint64(len(pub.Payload)))
		case <-ticker.C:
			pub, err := s.metricsPublish()
			if err != nil {
				return err
			}
			if err := s.client.Publish(ctx, pub); err != nil {
				return fmt.Errorf("uplink: direct metrics publish failed: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// normal publishes every received Package via TryPublish. A
// ClientTryFull error (outbound queue saturated) transitions to
// SlowEventloop carrying the stalled publish. Any other client error
// is fatal.
func (s *Serializer) normal(ctx context.Context) (state, Publish, error) {
	ticker := time.NewTicker(s.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case pkg, ok := <-s.in:
			if !ok {
				return stateNormal, Publish{}, ErrCollectorClosed
			}
			pub, err := s.toPublish(pkg)
			if err != nil {
				return stateNormal, Publish{}, err
			}
			if err := s.client.TryPublish(ctx, pub); err != nil {
				if errors.Is(err, ErrTryFull) {
					return stateSlowEventloop, pub, nil
				}
				return stateNormal, Publish{}, fmt.Errorf("uplink: try_publish failed: %w", err)
			}
			s.metrics.AddSent(uint64(len(pub.Payload)))
		case <-ticker.C:
			pub, err := s.metricsPublish()
			if err != nil {
				return stateNormal, Publish{}, err
			}
			if err := s.client.TryPublish(ctx, pub); err != nil {
				if errors.Is(err, ErrTryFull) {
					return stateSlowEventloop, pub, nil
				}
				return stateNormal, Publish{}, fmt.Errorf("uplink: metrics try_publish failed: %w", err)
			}
		case <-ctx.Done():
			return stateNormal, Publish{}, ctx.Err()
		}
	}
}

// disk spawns a blocking publish of the stalled packet while draining
// producer pressure to the spool. The stalled publish's completion —
// success or failure — takes precedence and ends the mode, even with
// inbound data still pending (the ordering rule). Any failure of the
// stalled publish, including ErrCrashed, is fatal here: only
// catchupOne's blocking publish is the designated crash-detection
// point.
func (s *Serializer) disk(ctx context.Context, stalled Publish) (state, error) {
	done := make(chan error, 1)
	go func() { done <- s.client.Publish(ctx, stalled) }()

	for {
		select {
		case pkg, ok := <-s.in:
			if !ok {
				return stateSlowEventloop, ErrCollectorClosed
			}
			pub, err := s.toPublish(pkg)
			if err != nil {
				return stateSlowEventloop, err
			}
			evicted, werr := writeToStorage(s.spool, pub)
			if werr != nil {
				s.logSpoolError("disk", werr)
				return stateNormal, nil
			}
			s.metrics.AddDiskSize(uint64(len(pub.Payload)))
			if evicted {
				s.metrics.RecordLostSegment()
			}
		case err := <-done:
			if err == nil {
				s.metrics.AddSent(uint64(len(stalled.Payload)))
				return stateEventLoopReady, nil
			}
			return stateSlowEventloop, fmt.Errorf("uplink: stalled publish failed: %w", err)
		case <-ctx.Done():
			return stateSlowEventloop, ctx.Err()
		}
	}
}

// catchup drains the spool backlog. It reads the next Publish, starts
// a blocking publish for it while concurrently writing newly received
// Packages to disk, and on success updates the disk/sent accounting
// and reads the next record. An empty spool transitions to Normal; a
// crashed event loop transitions to EventLoopCrash carrying the
// Publish in flight.
func (s *Serializer) catchup(ctx context.Context) (state, Publish, error) {
	for {
		pub, ok, err := readFromStorage(s.spool, s.maxPacketSize)
		if err != nil {
			s.logSpoolError("catchup read", err)
			return stateNormal, Publish{}, nil
		}
		if !ok {
			return stateNormal, Publish{}, nil
		}

		next, err := s.catchupOne(ctx, pub)
		if err != nil {
			return stateNormal, Publish{}, err
		}
		if next != stateEventLoopReady {
			return next, pub, nil
		}
		// Publish succeeded; loop to the next spooled record.
	}
}

func (s *Serializer) catchupOne(ctx context.Context, pub Publish) (state, error) {
	done := make(chan error, 1)
	go func() { done <- s.client.Publish(ctx, pub) }()

	size := uint64(len(pub.Payload))

	for {
		select {
		case pkg, ok := <-s.in:
			if !ok {
				return stateEventLoopReady, ErrCollectorClosed
			}
			newPub, err := s.toPublish(pkg)
			if err != nil {
				return stateEventLoopReady, err
			}
			evicted, werr := writeToStorage(s.spool, newPub)
			if werr != nil {
				s.logSpoolError("catchup write", werr)
				return stateNormal, nil
			}
			s.metrics.AddDiskSize(uint64(len(newPub.Payload)))
			if evicted {
				s.metrics.RecordLostSegment()
			}
		case err := <-done:
			if err == nil {
				s.metrics.SubDiskSize(size)
				s.metrics.AddSent(size)
				return stateEventLoopReady, nil
			}
			if errors.Is(err, ErrCrashed) {
				return stateEventLoopCrash, nil
			}
			return stateEventLoopReady, fmt.Errorf("uplink: catchup publish failed: %w", err)
		case <-ctx.Done():
			return stateEventLoopReady, ctx.Err()
		}
	}
}

// crash marks the stalled publish's pkid as opaque and loops
// forever, writing every received Package to disk. The only way out is
// process restart, so this never returns except on ctx cancellation or
// a closed collector. Per the open question, metrics are
// not updated here: they would never be observed anyway, since crash
// mode's only suspension point is the collector receive, with no
// metrics ticker.
func (s *Serializer) crash(ctx context.Context, stalled Publish) error {
	stalled.PacketID = 1
	if _, err := writeToStorage(s.spool, stalled); err != nil {
		s.logger.Error("uplink: failed to spool stalled publish entering crash mode", "error", err)
	}

	for {
		select {
		case pkg, ok := <-s.in:
			if !ok {
				return ErrCollectorClosed
			}
			pub, err := s.toPublish(pkg)
			if err != nil {
				return err
			}
			if _, err := writeToStorage(s.spool, pub); err != nil {
				s.logger.Error("uplink: spool write failed in crash mode", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Serializer) logSpoolError(where string, err error) {
	s.logger.Error("uplink: spool I/O error, forcing Normal", "where", where, "error", err)
}

// toPublish converts a collector Package into the Publish the client
// and spool understand, QoS 1 / retain false. A serialize failure is
// SerializationFailure: fatal, a programming bug.
func (s *Serializer) toPublish(pkg Package) (Publish, error) {
	body, err := pkg.Serialize()
	if err != nil {
		return Publish{}, fmt.Errorf("uplink: package serialization failed: %w", err)
	}
	if anomaly, ok := pkg.Anomalies(); ok {
		s.metrics.RecordError(fmt.Sprintf("%s (x%d)", anomaly.Description, anomaly.Count))
	}
	return Publish{Topic: pkg.Topic(), QoS: 1, Retain: false, Payload: body}, nil
}

func (s *Serializer) metricsPublish() (Publish, error) {
	if s.health != nil {
		if h, ok := s.health(); ok {
			s.metrics.SetHealth(h)
		}
	}
	pkg, err := s.metrics.Emit(uint64(time.Now().UnixMilli()))
	if err != nil {
		return Publish{}, fmt.Errorf("uplink: metrics serialization failed: %w", err)
	}
	body, err := pkg.Serialize()
	if err != nil {
		return Publish{}, fmt.Errorf("uplink: metrics serialization failed: %w", err)
	}
	return Publish{Topic: pkg.Topic(), QoS: 1, Retain: false, Payload: body}, nil
}
