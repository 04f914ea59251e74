package bluetooth

import (
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer that never blocks the
// producer: when the buffer is full the oldest element is discarded to make
// room. Consumers range over C() like a normal channel.
//
// Useful where a bursty producer (discovery events, notification streams)
// feeds a consumer that is allowed to miss intermediate values, such as a
// terminal renderer.
type RingChannel[T any] struct {
	ch      chan T
	written atomic.Int64
	dropped atomic.Int64
}

// NewRingChannel creates a ring with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over it
// until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered one when full. It
// reports whether anything was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return false
	default:
	}
	dropped := false
	select {
	case <-rc.ch:
		rc.dropped.Add(1)
		dropped = true
	default:
	}
	rc.ch <- v
	rc.written.Add(1)
	return dropped
}

// TrySend inserts an item only when buffer room is free, without displacing
// anything and without waiting. It reports whether the item was accepted.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		rc.written.Add(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the ring is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	return
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the ring. Send panics afterwards.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Written returns the total number of elements accepted.
func (rc *RingChannel[T]) Written() int64 { return rc.written.Load() }

// Dropped returns the number of elements discarded to make room.
func (rc *RingChannel[T]) Dropped() int64 { return rc.dropped.Load() }
