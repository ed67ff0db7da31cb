// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"encoding/json"
	"math"
)

// maxErrorsLen bounds the Errors string so a pathological run of
// distinct failures can't make the metrics payload grow unbounded.
const maxErrorsLen = 1024

// DeviceHealth is an optional snapshot of host resource usage, sampled
// by an external monitor and folded into Metrics right before each
// emit. It is observational only — the serializer state machine never
// reads it back.
type DeviceHealth struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// Metrics is the process-wide counters the Serializer emits on its 10s
// ticker. Every size accumulator uses saturating arithmetic: neither
// overflow nor underflow is permitted to wrap.
type Metrics struct {
	Topic          string `json:"-"`
	Sequence       uint32 `json:"sequence"`
	Timestamp      uint64 `json:"timestamp"`
	TotalSentSize  uint64 `json:"total_sent_size"`
	TotalDiskSize  uint64 `json:"total_disk_size"`
	LostSegments   uint32 `json:"lost_segments"`
	Errors         string `json:"errors"`
	ErrorCount     uint32 `json:"error_count"`

	health   DeviceHealth
	hasHealth bool
}

// NewMetrics creates a zeroed Metrics bound to the metrics topic.
func NewMetrics(topic string) *Metrics {
	return &Metrics{Topic: topic}
}

// AddSent accumulates bytes successfully published. Monotonically
// non-decreasing, cumulative across emits.
func (m *Metrics) AddSent(n uint64) {
	m.TotalSentSize = saturatingAdd(m.TotalSentSize, n)
}

// AddDiskSize accumulates bytes spilled to the spool.
func (m *Metrics) AddDiskSize(n uint64) {
	m.TotalDiskSize = saturatingAdd(m.TotalDiskSize, n)
}

// SubDiskSize removes bytes from the spool accounting (drained back
// out after a successful catchup publish). Saturates at 0 rather than
// underflowing.
func (m *Metrics) SubDiskSize(n uint64) {
	if n > m.TotalDiskSize {
		m.TotalDiskSize = 0
		return
	}
	m.TotalDiskSize -= n
}

// RecordLostSegment increments the eviction counter for this emit
// window.
func (m *Metrics) RecordLostSegment() {
	m.LostSegments = saturatingAddU32(m.LostSegments, 1)
}

// RecordError appends a description to the rolling error string and
// increments the cumulative error count.
func (m *Metrics) RecordError(description string) {
	m.ErrorCount = saturatingAddU32(m.ErrorCount, 1)
	if m.Errors != "" {
		m.Errors += "; "
	}
	m.Errors += description
	if len(m.Errors) > maxErrorsLen {
		m.Errors = m.Errors[len(m.Errors)-maxErrorsLen:]
	}
}

// SetHealth folds a device-health snapshot into the next emit. Not
// part of the design's Metrics — an additive, optional field populated
// by hoststats.Monitor when configured.
func (m *Metrics) SetHealth(h DeviceHealth) {
	m.health = h
	m.hasHealth = true
}

// Emit increments sequence, stamps the wall clock, serializes the
// metrics as a single-element JSON array, and clears Errors and
// LostSegments (TotalSentSize and ErrorCount stay cumulative).
func (m *Metrics) Emit(nowMillis uint64) (Package, error) {
	m.Sequence++
	m.Timestamp = nowMillis

	body, err := m.marshalWithHealth()
	if err != nil {
		return nil, err
	}

	m.Errors = ""
	m.LostSegments = 0

	return newRawPackage(m.Topic, body, Anomaly{}, false), nil
}

func (m *Metrics) marshalWithHealth() ([]byte, error) {
	type wire struct {
		Sequence      uint32   `json:"sequence"`
		Timestamp     uint64   `json:"timestamp"`
		TotalSentSize uint64   `json:"total_sent_size"`
		TotalDiskSize uint64   `json:"total_disk_size"`
		LostSegments  uint32   `json:"lost_segments"`
		Errors        string   `json:"errors"`
		ErrorCount    uint32   `json:"error_count"`
		CPUPercent    *float64 `json:"cpu_percent,omitempty"`
		MemPercent    *float64 `json:"mem_percent,omitempty"`
		DiskPercent   *float64 `json:"disk_percent,omitempty"`
	}
	w := wire{
		Sequence:      m.Sequence,
		Timestamp:     m.Timestamp,
		TotalSentSize: m.TotalSentSize,
		TotalDiskSize: m.TotalDiskSize,
		LostSegments:  m.LostSegments,
		Errors:        m.Errors,
		ErrorCount:    m.ErrorCount,
	}
	if m.hasHealth {
		w.CPUPercent = &m.health.CPUPercent
		w.MemPercent = &m.health.MemPercent
		w.DiskPercent = &m.health.DiskPercent
	}
	return json.Marshal([1]wire{w})
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingAddU32(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

// rawPackage is a Package whose bytes are already serialized — used
// by the Metrics emitter, which needs to marshal itself with its
// optional health fields rather than going through batchPackage's
// generic Payload-array encoding.
type rawPackage struct {
	topic   string
	body    []byte
	anomaly Anomaly
	hasAnom bool
}

func newRawPackage(topic string, body []byte, anomaly Anomaly, hasAnom bool) *rawPackage {
	return &rawPackage{topic: topic, body: body, anomaly: anomaly, hasAnom: hasAnom}
}

func (p *rawPackage) Topic() string                { return p.topic }
func (p *rawPackage) Serialize() ([]byte, error)    { return p.body, nil }
func (p *rawPackage) Anomalies() (Anomaly, bool)    { return p.anomaly, p.hasAnom }
