// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxDynamicStreams bounds the number of live streams a StreamHandler
// will hold, protecting memory against a misbehaving producer that
// floods unknown stream names (and, with it, the delay heap).
const maxDynamicStreams = 20

// StreamConfig is one statically configured stream from the streams.*
// section of the agent config.
type StreamConfig struct {
	Name     string
	Topic    string
	BufSize  int
}

// StreamHandler owns every live Stream[Payload] plus one DelayMap
// keyed by stream name, and drives time-based flushing off a single
// select loop.
type StreamHandler struct {
	streams     map[string]*Stream[Payload]
	delays      *DelayMap[string]
	flushPeriod time.Duration
	out         chan<- Package
	projectID   string
	deviceID    string
	logger      *slog.Logger
}

// NewStreamHandler creates a StreamHandler from static stream configs.
// out is the serializer's collector channel; flushPeriod is the
// default per-stream timeout (spec default 10s) applied to both
// static and dynamically created streams.
func NewStreamHandler(configs []StreamConfig, out chan<- Package, flushPeriod time.Duration, projectID, deviceID string, logger *slog.Logger) *StreamHandler {
	h := &StreamHandler{
		streams:     make(map[string]*Stream[Payload]),
		delays:      NewDelayMap[string](),
		flushPeriod: flushPeriod,
		out:         out,
		projectID:   projectID,
		deviceID:    deviceID,
		logger:      logger,
	}
	for _, c := range configs {
		h.streams[c.Name] = NewStream[Payload](c.Name, c.Topic, c.BufSize, out, payloadBatchToPackage)
	}
	return h
}

func payloadBatchToPackage(topic string, items []Payload, anomaly Anomaly, hasAnomaly bool) Package {
	return newBatchPackage(topic, items, anomaly, hasAnomaly)
}

// dynamicTopic synthesizes the topic for a stream created lazily for
// an unknown name.
func dynamicTopic(projectID, deviceID, name string) string {
	return fmt.Sprintf("projects/%s/devices/%s/streams/%s", projectID, deviceID, name)
}

// HandleData routes payload to its target Stream, creating a dynamic
// stream for unknown names (up to the 20-stream cap), then updates the
// DelayMap per the fill-result/key-present rule table.
func (h *StreamHandler) HandleData(ctx context.Context, payload Payload) error {
	stream, ok := h.streams[payload.Stream]
	if !ok {
		if len(h.streams) >= maxDynamicStreams {
			h.logger.Error("dropping payload: dynamic stream cap reached",
				"stream", payload.Stream, "max_streams", maxDynamicStreams)
			return nil
		}
		topic := dynamicTopic(h.projectID, h.deviceID, payload.Stream)
		stream = NewStream[Payload](payload.Stream, topic, defaultDynamicStreamBufSize, h.out, payloadBatchToPackage)
		h.streams[payload.Stream] = stream
		h.logger.Info("created dynamic stream", "stream", payload.Stream, "topic", topic)
	}

	flushed, err := stream.Fill(ctx, payload)
	if err != nil {
		h.logger.Error("stream fill failed", "stream", payload.Stream, "error", err)
		return nil
	}

	present := h.delays.Contains(payload.Stream)
	switch {
	case flushed && present:
		h.delays.Remove(payload.Stream)
	case flushed && !present:
		h.logger.Warn("flushed stream had no pending deadline", "stream", payload.Stream)
	case !flushed && present:
		h.delays.Reset(payload.Stream, h.flushPeriod)
	case !flushed && !present:
		h.delays.Insert(payload.Stream, h.flushPeriod)
	}
	return nil
}

// defaultDynamicStreamBufSize is the batch capacity given to a stream
// created lazily for an unrecognized name — the design specifies the
// dynamic-stream topic template but leaves the capacity unspecified;
// this mirrors the own default batch-oriented buffer sizing
// choice of a moderate, memory-safe constant.
const defaultDynamicStreamBufSize = 100

// IsEmpty forwards to the DelayMap so a caller's select can skip the
// flush branch entirely (via DelayMap.C returning nil) when idle.
func (h *StreamHandler) IsEmpty() bool {
	return h.delays.IsEmpty()
}

// Run drives HandleData off in and time-based flushing off the
// DelayMap until ctx is cancelled or in is closed.
func (h *StreamHandler) Run(ctx context.Context, in <-chan Payload) {
	for {
		select {
		case p, ok := <-in:
			if !ok {
				return
			}
			_ = h.HandleData(ctx, p)
		case <-h.delays.C():
			key, ok := h.delays.PopExpired()
			if !ok {
				continue
			}
			stream, ok := h.streams[key]
			if !ok {
				// Invariant violated: DelayMap keys must always be a
				// subset of stream names.
				panic(fmt.Sprintf("uplink: delay map key %q has no matching stream", key))
			}
			if err := stream.Flush(ctx); err != nil {
				h.logger.Error("timed flush failed", "stream", key, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
