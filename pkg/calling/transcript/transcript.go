// Package transcript accumulates the ordered utterances of one session.
package transcript

import (
	"time"
)

// Entry is one utterance. TimestampMS is elapsed time since the session
// first reached connected.
type Entry struct {
	Role        string `json:"role"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Aggregator is an append-only transcript. It is owned by a single goroutine
// (the session event loop) and is not safe for concurrent use.
type Aggregator struct {
	entries []Entry
	origin  time.Time
	now     func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{now: time.Now}
}

// MarkOrigin sets the instant relative timestamps are measured from. Only the
// first call after Reset takes effect, so a reconnect keeps the original
// origin.
func (a *Aggregator) MarkOrigin(t time.Time) {
	if a.origin.IsZero() {
		a.origin = t
	}
}

// Append adds an utterance in receipt order. A nil timestamp means "now".
// A timestamp lower than the previous entry is raised to it so the list stays
// non-decreasing; entries are never reordered.
func (a *Aggregator) Append(role, text string, timestampMS *int64) Entry {
	var ts int64
	if timestampMS != nil {
		ts = *timestampMS
	} else if !a.origin.IsZero() {
		ts = a.now().Sub(a.origin).Milliseconds()
	}
	if n := len(a.entries); n > 0 && ts < a.entries[n-1].TimestampMS {
		ts = a.entries[n-1].TimestampMS
	}
	entry := Entry{Role: role, Text: text, TimestampMS: ts}
	a.entries = append(a.entries, entry)
	return entry
}

// Entries returns a copy of the transcript.
func (a *Aggregator) Entries() []Entry {
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

func (a *Aggregator) Len() int { return len(a.entries) }

// Reset clears the transcript and the timestamp origin.
func (a *Aggregator) Reset() {
	a.entries = nil
	a.origin = time.Time{}
}
