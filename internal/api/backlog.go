package api

import (
	"sort"
	"sync"
)

// record is one broadcast envelope kept for backfill.
type record struct {
	Seq  int64
	Data []byte
}

// Backlog keeps the most recent envelopes in seq order. Seqs are pushed
// strictly increasing, so lookups are binary searches.
type Backlog struct {
	mu    sync.RWMutex
	items []record
	limit int
}

// NewBacklog keeps at most limit envelopes (500 when limit <= 0).
func NewBacklog(limit int) *Backlog {
	if limit <= 0 {
		limit = 500
	}
	return &Backlog{items: make([]record, 0, limit), limit: limit}
}

// Push stores a copy of data under seq, evicting the oldest envelope when full.
func (b *Backlog) Push(seq int64, data []byte) {
	cp := append([]byte(nil), data...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == b.limit {
		copy(b.items, b.items[1:])
		b.items = b.items[:b.limit-1]
	}
	b.items = append(b.items, record{Seq: seq, Data: cp})
}

// Range returns the envelopes with seq in [from, to].
func (b *Backlog) Range(from, to int64) []record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo := sort.Search(len(b.items), func(i int) bool { return b.items[i].Seq >= from })
	hi := sort.Search(len(b.items), func(i int) bool { return b.items[i].Seq > to })
	if lo >= hi {
		return nil
	}
	return append([]record(nil), b.items[lo:hi]...)
}

// After returns the payloads newer than seq.
func (b *Backlog) After(seq int64) [][]byte {
	recs := b.Range(seq+1, 1<<62)
	out := make([][]byte, len(recs))
	for i, r := range recs {
		out[i] = r.Data
	}
	return out
}

// Len is the number of envelopes held.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}
