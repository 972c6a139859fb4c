package reorder

import (
	"sort"
	"sync"
	"time"
)

// Result is one transcription result keyed by the sequence id of its segment.
// An empty Text is a placeholder for a segment that produced nothing; it
// advances the release cursor but is never delivered.
type Result struct {
	SequenceID int64     `json:"sequence_id" msgpack:"sequence_id"`
	Text       string    `json:"text" msgpack:"text"`
	ReceivedAt time.Time `json:"received_at" msgpack:"received_at"` // arrival, not release
}

// Empty reports whether the result carries no transcript
func (r Result) Empty() bool {
	return r.Text == ""
}

// Buffer holds out-of-order results until every lower sequence id has been seen
type Buffer struct {
	mu       sync.Mutex
	next     int64
	pending  map[int64]Result
	released uint64
	skipped  uint64
	dupes    uint64
}

// Stats represents reorder buffer statistics
type Stats struct {
	NextExpected int64  `json:"next_expected"`
	Pending      int    `json:"pending"`
	Released     uint64 `json:"released"`
	Skipped      uint64 `json:"skipped"`
	Duplicates   uint64 `json:"duplicates"`
}

// New creates a buffer expecting sequence id first
func New(first int64) *Buffer {
	return &Buffer{
		next:    first,
		pending: make(map[int64]Result),
	}
}

// Record stores a result. Results below the cursor or already pending are
// ignored and Record reports false.
func (b *Buffer) Record(r Result) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.SequenceID < b.next {
		b.dupes++
		return false
	}
	if _, ok := b.pending[r.SequenceID]; ok {
		b.dupes++
		return false
	}
	b.pending[r.SequenceID] = r
	return true
}

// Skip records an empty placeholder for id so later results are not held back
func (b *Buffer) Skip(id int64) bool {
	return b.Record(Result{SequenceID: id})
}

// Release advances through every contiguous pending id starting at the
// cursor and returns the non-empty results in ascending order.
func (b *Buffer) Release() []Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Result
	for {
		r, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		b.next++

		if r.Empty() {
			b.skipped++
			continue
		}
		b.released++
		out = append(out, r)
	}
	return out
}

// NextExpected returns the lowest sequence id not yet released
func (b *Buffer) NextExpected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Pending returns the sorted sequence ids held back waiting for a gap to fill
func (b *Buffer) Pending() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int64, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		NextExpected: b.next,
		Pending:      len(b.pending),
		Released:     b.released,
		Skipped:      b.skipped,
		Duplicates:   b.dupes,
	}
}
