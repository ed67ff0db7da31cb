// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import "encoding/json"

// Package is the capability the Serializer consumes: a destination
// topic, a byte-serialized payload, and an optional anomaly tuple.
// Anything the StreamHandler or Metrics emitter puts on the collector
// channel implements this.
type Package interface {
	Topic() string
	Serialize() ([]byte, error)
	Anomalies() (Anomaly, bool)
}

// batchPackage is the Package emitted by a Stream when its buffer is
// full or flushed on timeout. It serializes as a JSON array of
// payload bodies (the stream field is metadata and never travels on
// the wire).
type batchPackage struct {
	topic   string
	items   []Payload
	anomaly Anomaly
	hasAnom bool
}

func newBatchPackage(topic string, items []Payload, anomaly Anomaly, hasAnom bool) *batchPackage {
	return &batchPackage{topic: topic, items: items, anomaly: anomaly, hasAnom: hasAnom}
}

func (p *batchPackage) Topic() string { return p.topic }

func (p *batchPackage) Serialize() ([]byte, error) {
	return json.Marshal(p.items)
}

func (p *batchPackage) Anomalies() (Anomaly, bool) {
	return p.anomaly, p.hasAnom
}
