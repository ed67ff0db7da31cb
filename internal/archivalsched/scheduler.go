// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archivalsched runs a single periodic sweep, built on the
// same cron-driven scheduler shape used elsewhere in this agent (one
// entry per job), that rescans the spool directory for segments still
// on disk past a grace window and retries uploading any that
// archival.Uploader couldn't ship on eviction.
package archivalsched

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Retrier is the subset of archival.Uploader this sweep depends on.
type Retrier interface {
	Retry(ctx context.Context, path string) bool
}

// Scheduler rescans spoolDir every interval, retrying upload for every
// segment file older than gracePeriod.
type Scheduler struct {
	cron        *cron.Cron
	logger      *slog.Logger
	spoolDir    string
	gracePeriod time.Duration
	uploader    Retrier
}

// New builds a Scheduler with a single cron entry running every
// interval (default 6h). gracePeriod bounds
// how long a segment must have been sitting on disk before the sweep
// bothers retrying it — freshly rotated segments are likely still
// queued in the uploader's own channel.
func New(spoolDir string, interval time.Duration, gracePeriod time.Duration, uploader Retrier, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Minute
	}

	s := &Scheduler{
		logger:      logger.With("component", "archivalsched"),
		spoolDir:    spoolDir,
		gracePeriod: gracePeriod,
		uploader:    uploader,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.AddFunc(spec, s.sweep); err != nil {
		return nil, fmt.Errorf("registering archival sweep: %w", err)
	}
	s.cron = c
	return s, nil
}

// Start begins the cron schedule.
func (s *Scheduler) Start() {
	s.logger.Info("archival sweep scheduled")
	s.cron.Start()
}

// Stop halts the schedule, waiting for any in-progress sweep.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("archival sweep stop timed out")
	}
}

func (s *Scheduler) sweep() {
	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		s.logger.Error("archival sweep: reading spool directory failed", "dir", s.spoolDir, "error", err)
		return
	}

	cutoff := time.Now().Add(-s.gracePeriod)
	attempted, archived := 0, 0
	for _, e := range entries {
		if e.IsDir() || !isSegmentFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.spoolDir, e.Name())
		attempted++
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		ok := s.uploader.Retry(ctx, path)
		cancel()
		if ok {
			archived++
		}
	}
	if attempted > 0 {
		s.logger.Info("archival sweep complete", "attempted", attempted, "archived", archived)
	}
}

func isSegmentFile(name string) bool {
	return strings.HasSuffix(name, ".seg") || strings.HasSuffix(name, ".seg.gz")
}
