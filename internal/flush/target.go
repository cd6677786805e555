// Package flush decides whether any flushable component must be persisted in
// the current scheduling round and in which order the candidates are handed
// to the flush executor.
//
// The package is free of I/O: a round is a pure transform of a candidate
// snapshot, the per-group transaction log statistics and a reference time
// into an ordered candidate list.
package flush

import "time"

// Gain is an approximate before/after pair of byte counts for one resource.
type Gain struct {
	Before uint64
	After  uint64
}

// NewGain creates a Gain
func NewGain(before, after uint64) Gain {
	return Gain{Before: before, After: after}
}

// Gain returns the bytes reclaimed by a flush, never less than zero.
func (g Gain) Gain() uint64 {
	return subClamp(g.Before, g.After)
}

// Candidate is an immutable snapshot of one flushable component.
type Candidate struct {
	// Name is unique within a decision round.
	Name string
	// Group is the owner group (document store) whose transaction log
	// this candidate's data is retained in.
	Group string

	Memory Gain
	Disk   Gain

	// FlushedSerial is the highest serial number already durable.
	FlushedSerial uint64
	// TargetSerial is the serial the group's log may be pruned up to once
	// this candidate is persisted.
	TargetSerial uint64

	// LastFlushTime is zero when the candidate has never been flushed.
	LastFlushTime time.Time

	Urgent bool
}

// NeverFlushed reports whether the candidate carries the "never flushed" sentinel
func (c Candidate) NeverFlushed() bool {
	return c.LastFlushTime.IsZero()
}
