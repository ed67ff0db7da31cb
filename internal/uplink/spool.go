// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"errors"
	"io"
)

// ErrSpoolMissing is returned when a disk-mode operation is invoked
// with no StorageSpool configured (direct mode) — a programming bug,
// fatal .
var ErrSpoolMissing = errors.New("uplink: disk operation with no spool configured")

// StorageSpool is the on-disk segmented durability log the Serializer
// consumes when the network falls behind. The segmented storage
// library itself is an external collaborator — this interface, and
// spool.FileSpool in internal/spool, are this repo's reference
// implementation of it.
type StorageSpool interface {
	// Writer returns an append-only sink for the current segment.
	Writer() io.Writer
	// FlushOnOverflow reports whether, to respect the configured quota,
	// the oldest segment was just evicted.
	FlushOnOverflow() (evicted bool, err error)
	// ReloadOnEOF reports whether no more data remains to be read. A
	// false return means a new segment became available and the
	// caller should retry its read.
	ReloadOnEOF() (eof bool, err error)
	// Reader returns a read source positioned to decode the next
	// Publish.
	Reader() io.Reader
}

// writeToStorage encodes p and appends it to spool, surfacing whether
// the write evicted the oldest segment (the core increments
// LostSegments on eviction). Spool I/O errors here are SpoolIo class
// failures: the caller logs and forces Normal, never propagates.
func writeToStorage(spool StorageSpool, p Publish) (evicted bool, err error) {
	if spool == nil {
		return false, ErrSpoolMissing
	}
	if err := WritePublish(spool.Writer(), p); err != nil {
		return false, err
	}
	return spool.FlushOnOverflow()
}

// readFromStorage loads the next Publish from spool. ok is false when
// the spool has no more data (ReloadOnEOF returned true) — the caller
// transitions to Normal in that case.
func readFromStorage(spool StorageSpool, maxPacketSize int) (p Publish, ok bool, err error) {
	if spool == nil {
		return Publish{}, false, ErrSpoolMissing
	}
	for {
		p, err := ReadPublish(spool.Reader(), maxPacketSize)
		if err == nil {
			return p, true, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return Publish{}, false, err
		}
		eof, rerr := spool.ReloadOnEOF()
		if rerr != nil {
			return Publish{}, false, rerr
		}
		if eof {
			return Publish{}, false, nil
		}
		// A new segment became available; retry the read against it.
	}
}
