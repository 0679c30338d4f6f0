package opto

import "sync"

// RecordBuffer accumulates records between collect ticks.
type RecordBuffer struct {
	mu      sync.Mutex
	records []*Record
}

// Append adds r to the buffer.
func (b *RecordBuffer) Append(r *Record) {
	b.mu.Lock()
	b.records = append(b.records, r)
	b.mu.Unlock()
}

// DrainAndClear returns everything appended so far and empties the buffer.
// An empty buffer returns nil.
func (b *RecordBuffer) DrainAndClear() []*Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return nil
	}
	out := b.records
	b.records = nil
	return out
}
