// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archival ships spool segments to S3 before they are removed
// from disk. When archival is enabled, the spool hands the Uploader
// full ownership of an evicted segment's file instead of deleting it
// itself: the Uploader deletes the file once the upload succeeds, and
// leaves it in place on failure for the archival-sweep scheduler to
// retry. This is a supplementary durability convenience layered on top
// of, never load-bearing for, the core eviction/lost_segments
// accounting the serializer depends on.
package archival

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// evictedSegment is the record queued from the spool's eviction hook.
type evictedSegment struct {
	path string
	size int64
}

// S3Client is the subset of the AWS SDK's s3.Client this package
// depends on, narrowed for testability.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader subscribes to the spool's eviction signal, best-effort
// copies each evicted segment to S3, and removes the segment from disk
// once the upload succeeds. It never blocks the spool: the eviction
// hook only enqueues a non-blocking channel send.
type Uploader struct {
	client S3Client
	bucket string
	logger *slog.Logger

	queue   chan evictedSegment
	mu      sync.Mutex
	pending map[string]int // path -> retry attempts, for archivalsched

	wg   sync.WaitGroup
	stop chan struct{}
}

// NewUploader returns an Uploader publishing to bucket. A nil client
// or empty bucket disables archival: OnEvict becomes a no-op and
// Start does nothing, matching the "absence = feature disabled"
// convention used elsewhere in the agent's configuration.
func NewUploader(client S3Client, bucket string, logger *slog.Logger) *Uploader {
	return &Uploader{
		client:  client,
		bucket:  bucket,
		logger:  logger.With("component", "archival"),
		queue:   make(chan evictedSegment, 64),
		pending: make(map[string]int),
		stop:    make(chan struct{}),
	}
}

// Enabled reports whether archival is configured.
func (u *Uploader) Enabled() bool {
	return u.client != nil && u.bucket != ""
}

// OnEvict is the spool.EvictFunc hook: a non-blocking enqueue of the
// segment for background upload. Called while the spool holds its own
// lock, so it must never block.
func (u *Uploader) OnEvict(path string, size int64) {
	if !u.Enabled() {
		return
	}
	select {
	case u.queue <- evictedSegment{path: path, size: size}:
	default:
		u.logger.Warn("archival queue full, segment will not be archived on eviction", "segment", path)
	}
}

// Start begins draining the eviction queue on its own goroutine.
func (u *Uploader) Start(ctx context.Context) {
	if !u.Enabled() {
		return
	}
	u.wg.Add(1)
	go u.run(ctx)
}

// Stop halts the upload goroutine.
func (u *Uploader) Stop() {
	close(u.stop)
	u.wg.Wait()
}

func (u *Uploader) run(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case seg := <-u.queue:
			u.attempt(ctx, seg.path)
		case <-u.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// attempt reads path (if it still exists) and uploads it to S3. On
// success it removes the file, since nothing else will. On failure it
// leaves the file on disk and records path as pending for
// archivalsched.Scheduler to retry later.
func (u *Uploader) attempt(ctx context.Context, path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Already uploaded and removed by a prior attempt, or never
		// flushed to disk; nothing left to do.
		return true
	}

	key := filepath.Base(path)
	uploadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err = u.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		u.logger.Warn("archival upload failed, will retry on next sweep", "segment", path, "error", err)
		u.mu.Lock()
		u.pending[path] = u.pending[path] + 1
		u.mu.Unlock()
		return false
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		u.logger.Warn("archival upload succeeded but removing the segment failed", "segment", path, "error", err)
	}

	u.mu.Lock()
	delete(u.pending, path)
	u.mu.Unlock()
	u.logger.Info("archived and removed evicted segment", "segment", path, "key", key)
	return true
}

// Retry re-attempts upload for path, used by archivalsched.Scheduler
// for segments that survived on disk past the grace window.
func (u *Uploader) Retry(ctx context.Context, path string) bool {
	return u.attempt(ctx, path)
}
