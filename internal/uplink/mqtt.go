// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
)

// Publish is the unit the Serializer hands to the MQTT client and, in
// degraded modes, to the StorageSpool. It is deliberately our own
// shape rather than a literal MQTT wire frame — the design leaves the
// spool's on-disk format opaque, and pkid is documented there as not
// guaranteed to survive a spool round-trip, so there is no contract
// requiring us to byte-match the broker's packet encoding.
type Publish struct {
	Topic    string
	QoS      byte
	Retain   bool
	PacketID uint16
	Payload  []byte
}

// Errors surfaced by a Client, matching the ClientTryFull/ClientCrash/
// ClientOther taxonomy. Any other error a Client returns
// is treated as ClientOther: fatal, the Serializer loop exits.
var (
	ErrTryFull = errors.New("uplink/mqtt: outbound publish queue full")
	ErrCrashed = errors.New("uplink/mqtt: event loop crashed, publish reclaimed")
)

// Client is the outbound MQTT transport the Serializer publishes
// through. The MQTT client library itself is an external collaborator
// — this interface is the only surface the core depends on.
type Client interface {
	// TryPublish attempts a non-blocking publish. Returns ErrTryFull
	// if the client's outbound queue is saturated.
	TryPublish(ctx context.Context, p Publish) error
	// Publish blocks until the broker acknowledges QoS 1 delivery, the
	// client reports the packet reclaimed (ErrCrashed), or ctx is
	// cancelled.
	Publish(ctx context.Context, p Publish) error
}

// WritePublish encodes p with a simple length-prefixed framing and
// writes it to w: this is the spool's on-disk unit. Format per field:
// topic (u16 len + bytes), qos (1 byte), retain (1 byte), pkid (u16),
// payload (u32 len + bytes).
func WritePublish(w io.Writer, p Publish) error {
	bw := bufio.NewWriter(w)

	if err := writeString16(bw, p.Topic); err != nil {
		return err
	}
	if err := bw.WriteByte(p.QoS); err != nil {
		return err
	}
	retain := byte(0)
	if p.Retain {
		retain = 1
	}
	if err := bw.WriteByte(retain); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, p.PacketID); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(p.Payload))); err != nil {
		return err
	}
	if _, err := bw.Write(p.Payload); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadPublish decodes exactly one Publish from r, bounded by
// maxPayloadSize. Returns io.EOF (unwrapped, checkable via errors.Is)
// when r has no more data — the caller interprets that against the
// spool's ReloadOnEOF.
func ReadPublish(r io.Reader, maxPayloadSize int) (Publish, error) {
	var p Publish

	topic, err := readString16(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Publish{}, io.EOF
		}
		return Publish{}, err
	}
	p.Topic = topic

	hdr := make([]byte, 1+1+2+4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Publish{}, errOrUnexpectedEOF(err)
	}
	p.QoS = hdr[0]
	p.Retain = hdr[1] != 0
	p.PacketID = binary.BigEndian.Uint16(hdr[2:4])
	payloadLen := binary.BigEndian.Uint32(hdr[4:8])
	if int(payloadLen) > maxPayloadSize {
		return Publish{}, errors.New("uplink/mqtt: publish payload exceeds max_packet_size")
	}

	p.Payload = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, p.Payload); err != nil {
			return Publish{}, errOrUnexpectedEOF(err)
		}
	}
	return p, nil
}

func errOrUnexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func writeString16(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString16(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", errOrUnexpectedEOF(err)
		}
	}
	return string(buf), nil
}
