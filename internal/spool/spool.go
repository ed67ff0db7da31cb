// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package spool implements a segmented, append-only on-disk durability
// log: the uplink's reference uplink.StorageSpool. Segments rotate at
// a configured size, are optionally gzip-compressed on seal, and the
// oldest segment is evicted once the configured segment count is
// exceeded — the same head/tail accounting discipline as a ring
// buffer, just backed by files instead of a fixed memory region.
package spool

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
)

const segmentExt = ".seg"
const compressedExt = ".seg.gz"

type segmentMeta struct {
	seq        uint64
	path       string
	compressed bool
}

// EvictFunc is called with the path and size of a segment that has
// fallen off the back of MaxSegments, before the spool would otherwise
// delete it. When EvictFunc is set, the spool hands off ownership of
// the file entirely: it does not delete it, and the callback (or
// whatever it hands the path to) is responsible for eventually
// removing it from disk. archival.Uploader uses this hook to attempt a
// last-chance upload and deletes the file itself once that upload
// succeeds.
type EvictFunc func(path string, size int64)

// FileSpool is the reference uplink.StorageSpool.
type FileSpool struct {
	dir             string
	maxSegmentBytes int64
	maxSegments     int
	compress        bool
	parallelGzip    bool
	onEvict         EvictFunc
	logger          *slog.Logger

	mu         sync.Mutex
	segments   []segmentMeta
	nextSeq    uint64
	activeSeq  uint64
	activeFile *os.File
	activeSize int64

	readIdx       int
	curReadIdx    int
	curReadCloser io.ReadCloser
	curReadRaw    *os.File
}

// Config parameterizes NewFileSpool.
type Config struct {
	Dir             string
	MaxSegmentBytes int64
	MaxSegments     int
	Compress        bool
	ParallelGzip    bool
	OnEvict         EvictFunc
	Logger          *slog.Logger
}

// NewFileSpool opens dir (creating it if absent), discovers any
// segments left from a previous run in sequence order, and opens a
// fresh active segment for writing.
func NewFileSpool(cfg Config) (*FileSpool, error) {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = 16 << 20
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("spool: creating directory %s: %w", cfg.Dir, err)
	}

	s := &FileSpool{
		dir:             cfg.Dir,
		maxSegmentBytes: cfg.MaxSegmentBytes,
		maxSegments:     cfg.MaxSegments,
		compress:        cfg.Compress,
		parallelGzip:    cfg.ParallelGzip,
		onEvict:         cfg.OnEvict,
		logger:          cfg.Logger,
		curReadIdx:      -1,
	}

	existing, err := scanSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	s.segments = existing
	if len(s.segments) > 0 {
		s.nextSeq = s.segments[len(s.segments)-1].seq + 1
	}
	s.activeSeq = s.nextSeq
	s.nextSeq++

	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spool: opening active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("spool: stat active segment: %w", err)
	}
	s.activeFile = f
	s.activeSize = info.Size()

	return s, nil
}

func scanSegments(dir string) ([]segmentMeta, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: reading directory %s: %w", dir, err)
	}
	var segs []segmentMeta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		compressed := strings.HasSuffix(name, compressedExt)
		plain := strings.HasSuffix(name, segmentExt) && !compressed
		if !compressed && !plain {
			continue
		}
		base := strings.TrimSuffix(strings.TrimSuffix(name, compressedExt), segmentExt)
		seq, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		segs = append(segs, segmentMeta{seq: seq, path: filepath.Join(dir, name), compressed: compressed})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}

func (s *FileSpool) activePath() string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d%s", s.activeSeq, segmentExt))
}

// Writer returns an io.Writer appending to the current active
// segment.
func (s *FileSpool) Writer() io.Writer { return s }

func (s *FileSpool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.activeFile.Write(p)
	s.activeSize += int64(n)
	return n, err
}

// FlushOnOverflow rotates the active segment once it reaches
// MaxSegmentBytes, optionally compressing it, and evicts the oldest
// sealed segment once MaxSegments is exceeded.
func (s *FileSpool) FlushOnOverflow() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeSize < s.maxSegmentBytes {
		return false, nil
	}

	sealedPath := s.activePath()
	sealedSeq := s.activeSeq
	if err := s.activeFile.Close(); err != nil {
		return false, fmt.Errorf("spool: closing segment for rotation: %w", err)
	}

	finalPath := sealedPath
	compressed := false
	if s.compress {
		gzPath := strings.TrimSuffix(sealedPath, segmentExt) + compressedExt
		if err := compressFile(sealedPath, gzPath, s.parallelGzip); err != nil {
			s.logger.Error("spool: compressing sealed segment failed, keeping raw", "segment", sealedPath, "error", err)
		} else {
			if err := os.Remove(sealedPath); err != nil {
				s.logger.Warn("spool: failed to remove raw segment after compression", "segment", sealedPath, "error", err)
			}
			finalPath = gzPath
			compressed = true
		}
	}
	s.segments = append(s.segments, segmentMeta{seq: sealedSeq, path: finalPath, compressed: compressed})

	s.activeSeq = s.nextSeq
	s.nextSeq++
	f, err := os.OpenFile(s.activePath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("spool: opening new active segment: %w", err)
	}
	s.activeFile = f
	s.activeSize = 0

	evicted := false
	for len(s.segments) > s.maxSegments {
		oldest := s.segments[0]
		s.segments = s.segments[1:]
		if s.readIdx > 0 {
			s.readIdx--
		}
		if s.curReadIdx > 0 {
			s.curReadIdx--
		}
		size := int64(0)
		if info, err := os.Stat(oldest.path); err == nil {
			size = info.Size()
		}
		if s.onEvict != nil {
			// Ownership of the file passes to the callback; it deletes
			// the file itself once it's done with it (see EvictFunc).
			s.onEvict(oldest.path, size)
		} else if err := os.Remove(oldest.path); err != nil {
			s.logger.Warn("spool: failed to remove evicted segment", "segment", oldest.path, "error", err)
		}
		evicted = true
	}

	return evicted, nil
}

// Reader returns the read source for the segment at the current read
// cursor, opening it lazily and caching the handle until the cursor
// advances past it.
func (s *FileSpool) Reader() io.Reader {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.curReadIdx == s.readIdx && s.curReadCloser != nil {
		return s.curReadCloser
	}
	s.closeCurrentLocked()

	if s.readIdx < len(s.segments) {
		seg := s.segments[s.readIdx]
		f, err := os.Open(seg.path)
		if err != nil {
			return errReader{err}
		}
		if seg.compressed {
			gz, err := gzip.NewReader(f)
			if err != nil {
				f.Close()
				return errReader{err}
			}
			s.curReadCloser = gz
			s.curReadRaw = f
		} else {
			s.curReadCloser = f
			s.curReadRaw = f
		}
		s.curReadIdx = s.readIdx
		return s.curReadCloser
	}

	if s.activeFile != nil {
		f, err := os.Open(s.activePath())
		if err != nil {
			return errReader{err}
		}
		s.curReadCloser = f
		s.curReadRaw = f
		s.curReadIdx = s.readIdx
		return s.curReadCloser
	}

	return errReader{io.EOF}
}

// ReloadOnEOF advances the read cursor past a fully drained sealed
// segment. Returning eof=true means the cursor has caught up to the
// still-open active segment with nothing further flushed yet.
func (s *FileSpool) ReloadOnEOF() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readIdx < len(s.segments) {
		s.readIdx++
		s.closeCurrentLocked()
		return false, nil
	}
	return true, nil
}

func (s *FileSpool) closeCurrentLocked() {
	if s.curReadCloser != nil {
		s.curReadCloser.Close()
	}
	if s.curReadRaw != nil && s.curReadRaw != s.curReadCloser {
		s.curReadRaw.Close()
	}
	s.curReadCloser = nil
	s.curReadRaw = nil
	s.curReadIdx = -1
}

// Close closes the active write handle and any open read handle.
func (s *FileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCurrentLocked()
	if s.activeFile != nil {
		return s.activeFile.Close()
	}
	return nil
}

func compressFile(srcPath, dstPath string, parallel bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	bw := bufio.NewWriter(dst)
	var gw io.WriteCloser
	if parallel {
		gw = pgzip.NewWriter(bw)
	} else {
		gw = gzip.NewWriter(bw)
	}

	if _, err := io.Copy(gw, src); err != nil {
		gw.Close()
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

type errReader struct{ err error }

func (r errReader) Read(p []byte) (int, error) { return 0, r.err }
