// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package actions is the downstream action side channel: explicitly
// out of scope for this agent's own delivery guarantees, specified
// only far enough that cmd/uplink-agent has something real to wire in
// and compile against.
package actions

import "log/slog"

// Action is an opaque instruction delivered from the broker back to a
// locally attached application. Its shape is unspecified by the design —
// the field here is enough for a logging dispatcher to report what it
// dropped.
type Action struct {
	Topic   string
	Payload []byte
}

// Dispatcher delivers an Action to whatever locally attached
// application consumes it.
type Dispatcher interface {
	Dispatch(a Action) error
}

// LoggingDispatcher logs and drops every action. No queueing or retry
// logic is added here — that belongs to the real side channel, which
// is out of scope.
type LoggingDispatcher struct {
	logger *slog.Logger
}

// NewLoggingDispatcher returns a Dispatcher that only logs.
func NewLoggingDispatcher(logger *slog.Logger) *LoggingDispatcher {
	return &LoggingDispatcher{logger: logger.With("component", "actions")}
}

// Dispatch logs the action and returns nil; it never fails.
func (d *LoggingDispatcher) Dispatch(a Action) error {
	d.logger.Info("action received, no local dispatcher configured",
		"topic", a.Topic, "payload_bytes", len(a.Payload))
	return nil
}
