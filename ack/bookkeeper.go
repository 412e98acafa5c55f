// Package ack implements the per-file acknowledgment bookkeeper: the
// sliding window of in-flight sequence numbers a sender consults to decide
// what to (re)transmit next.
package ack

import (
	"sync"

	"dirsync/config"
	"dirsync/wire"
)

// tracker is the in-flight state for one file: which chunks were sent but
// not yet acknowledged, the lowest unacknowledged sequence number
// ("current"), and the highest sequence number ever added ("biggest").
//
// Invariants: current <= biggest+1; every key in sent satisfies
// current <= seq <= biggest; acknowledging advances current past any
// contiguous acknowledged prefix.
type tracker struct {
	sent              map[uint16]wire.DataRecord
	currentSequenceNr uint16
	biggest           uint16
}

func newTracker() *tracker {
	return &tracker{
		sent:              make(map[uint16]wire.DataRecord),
		currentSequenceNr: config.InitSeqNumber,
		biggest:           config.InitSeqNumber,
	}
}

// Bookkeeper owns one tracker per in-flight FileKey. All operations are
// atomic with respect to one another for a given key.
type Bookkeeper struct {
	mu       sync.Mutex
	trackers map[wire.FileKey]*tracker
}

// NewBookkeeper returns an empty Bookkeeper.
func NewBookkeeper() *Bookkeeper {
	return &Bookkeeper{trackers: make(map[wire.FileKey]*tracker)}
}

// Reset clears every existing tracker and creates a fresh one for each key
// in keys. Called atomically from inventory.Tracker.SendSet.
func (b *Bookkeeper) Reset(keys []wire.FileKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trackers = make(map[wire.FileKey]*tracker, len(keys))
	for _, k := range keys {
		b.trackers[k] = newTracker()
	}
}

// RecordSent inserts p into the sent table for key and advances biggest if
// needed. No-op if key has no tracker (it was never in a send set, or the
// send set has since moved on).
func (b *Bookkeeper) RecordSent(key wire.FileKey, seq uint16, p wire.DataRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[key]
	if !ok {
		return
	}
	t.sent[seq] = p
	if seq > t.biggest {
		t.biggest = seq
	}
}

// Acknowledge removes seq from the sent table for key, then advances
// current past any now-contiguous acknowledged prefix. Idempotent if seq
// is absent or key is unknown.
func (b *Bookkeeper) Acknowledge(key wire.FileKey, seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[key]
	if !ok {
		return
	}
	delete(t.sent, seq)
	for {
		if t.currentSequenceNr > t.biggest {
			break
		}
		if _, stillPending := t.sent[t.currentSequenceNr]; stillPending {
			break
		}
		t.currentSequenceNr++
	}
}

// Current returns the sender's cursor for the next chunk to originate for
// key. Returns (0, false) if key has no tracker.
func (b *Bookkeeper) Current(key wire.FileKey) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[key]
	if !ok {
		return 0, false
	}
	return t.currentSequenceNr, true
}

// IsEmpty reports whether key has no in-flight (unacknowledged) chunks.
// A key with no tracker is considered empty.
func (b *Bookkeeper) IsEmpty(key wire.FileKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[key]
	if !ok {
		return true
	}
	return len(t.sent) == 0
}

// Cached returns the previously recorded DataRecord for (key, seq), if
// any, so the sender can retransmit verbatim instead of re-reading the
// file.
func (b *Bookkeeper) Cached(key wire.FileKey, seq uint16) (wire.DataRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trackers[key]
	if !ok {
		return wire.DataRecord{}, false
	}
	p, ok := t.sent[seq]
	return p, ok
}

// Drop discards the tracker for key, e.g. after an I/O error aborts a
// transfer early. The file will be picked up again by a later send set if
// it is still missing remotely.
func (b *Bookkeeper) Drop(key wire.FileKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.trackers, key)
}
