// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

// Anomaly is an optional error description attached to a Buffer when
// entries were dropped or malformed while it was being filled.
type Anomaly struct {
	Description string
	Count       int
}

// Buffer is an ordered sequence of T bound to a topic and a stream
// name, with a fixed capacity. Length never exceeds Limit; once it
// reaches Limit, the buffer is full and must be emitted before it
// accepts more.
type Buffer[T any] struct {
	Topic  string
	Stream string
	Limit  int

	items   []T
	anomaly Anomaly
}

// NewBuffer creates an empty buffer for stream/topic with the given
// capacity.
func NewBuffer[T any](stream, topic string, limit int) *Buffer[T] {
	return &Buffer[T]{
		Topic:  topic,
		Stream: stream,
		Limit:  limit,
		items:  make([]T, 0, limit),
	}
}

// Len returns the number of items currently held.
func (b *Buffer[T]) Len() int {
	return len(b.items)
}

// Full reports whether the buffer has reached its capacity.
func (b *Buffer[T]) Full() bool {
	return len(b.items) >= b.Limit
}

// Empty reports whether the buffer holds no items.
func (b *Buffer[T]) Empty() bool {
	return len(b.items) == 0
}

// Append adds item to the buffer. Callers must check Full before
// calling Append — Buffer does not enforce the limit itself, the same
// way the caller (Stream.Fill) owns the swap-on-full decision.
func (b *Buffer[T]) Append(item T) {
	b.items = append(b.items, item)
}

// Items returns the buffer's contents in insertion order.
func (b *Buffer[T]) Items() []T {
	return b.items
}

// RecordAnomaly accumulates an anomaly description and bumps its
// count. The description of the first anomaly observed in a buffer's
// lifetime is kept; later ones only increment Count.
func (b *Buffer[T]) RecordAnomaly(description string) {
	if b.anomaly.Count == 0 {
		b.anomaly.Description = description
	}
	b.anomaly.Count++
}

// Anomalies returns the buffer's anomaly tuple and whether one was
// ever recorded.
func (b *Buffer[T]) Anomalies() (Anomaly, bool) {
	return b.anomaly, b.anomaly.Count > 0
}
