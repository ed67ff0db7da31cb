// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package hoststats samples host CPU/memory/disk usage on a fixed
// interval and exposes the latest snapshot for the Metrics emitter to
// fold in. It never feeds back into the serializer state machine —
// strictly observational.
package hoststats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/n-uplink/internal/uplink"
)

// sampleInterval mirrors the SystemMonitor cadence.
const sampleInterval = 15 * time.Second

// Monitor periodically samples CPU, memory and disk usage for the
// root filesystem.
type Monitor struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stats   uplink.DeviceHealth
	sampled bool
}

// NewMonitor creates a Monitor. Call Start to begin sampling.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With("component", "hoststats"),
		close:  make(chan struct{}),
	}
}

// Start begins periodic sampling on its own goroutine.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop halts sampling and waits for the goroutine to exit.
func (m *Monitor) Stop() {
	close(m.close)
	m.wg.Wait()
}

// Stats returns the most recently sampled snapshot, and true once at
// least one sample has completed. Safe to call from the serializer's
// metrics tick.
func (m *Monitor) Stats() (uplink.DeviceHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats, m.sampled
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	// Start from the last snapshot so a failed read keeps the previous
	// value. collect is the only writer, so this read needs no lock.
	h := m.stats

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		h.CPUPercent = pct[0]
	} else {
		m.logger.Debug("failed to sample cpu", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		h.MemPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to sample memory", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		h.DiskPercent = d.UsedPercent
	} else {
		m.logger.Debug("failed to sample disk", "error", err)
	}

	m.mu.Lock()
	m.stats = h
	m.sampled = true
	m.mu.Unlock()
}
