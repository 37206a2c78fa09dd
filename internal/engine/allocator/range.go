// Package allocator implements the first-fit, transactional extent
// allocator of §4.3: requests accumulate in a Transaction handle without
// mutating the allocator until Commit, and Abort discards them cleanly.
package allocator

import (
	"sort"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// Extent is a sector-aligned, half-open range [Start, Start+Length).
type Extent struct {
	Start  stratis.Sectors
	Length stratis.Sectors
}

func (e Extent) End() stratis.Sectors { return e.Start + e.Length }

// Allocator hands out extents from one device's usable range. The free set
// is kept as a sorted list of non-overlapping, non-adjacent intervals
// (§3 Backstore extent map invariant).
type Allocator struct {
	free []Extent // sorted by Start, merged on free

	nextTxId  uint64
	pending   map[uint64]Transaction
}

// New creates an allocator over a single free interval of the given length
// starting at sector 0 (relative to wherever the caller's usable range
// begins).
func New(totalUsable stratis.Sectors) *Allocator {
	a := &Allocator{pending: make(map[uint64]Transaction)}
	if totalUsable > 0 {
		a.free = []Extent{{Start: 0, Length: totalUsable}}
	}
	return a
}

// Transaction holds extents reserved by RequestAlloc but not yet committed.
type Transaction struct {
	id      uint64
	Extents []Extent
}

// RequestAlloc returns a Transaction holding extents satisfying sizes
// exactly, iff every size can be satisfied from the current free set,
// disjoint from every other pending transaction (§4.3). The i-th extent is
// taken from the first free interval large enough after accounting for
// sizes 0..i-1 (first-fit, ascending order).
func (a *Allocator) RequestAlloc(sizes []stratis.Sectors) (Transaction, bool) {
	scratch := a.freeMinusPending()

	extents := make([]Extent, 0, len(sizes))
	for _, size := range sizes {
		if size == 0 {
			extents = append(extents, Extent{Start: 0, Length: 0})
			continue
		}
		idx := -1
		for i, iv := range scratch {
			if iv.Length >= size {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Transaction{}, false
		}
		taken := Extent{Start: scratch[idx].Start, Length: size}
		extents = append(extents, taken)
		scratch[idx].Start += size
		scratch[idx].Length -= size
		if scratch[idx].Length == 0 {
			scratch = append(scratch[:idx], scratch[idx+1:]...)
		}
	}

	a.nextTxId++
	tx := Transaction{id: a.nextTxId, Extents: extents}
	a.pending[tx.id] = tx
	return tx, true
}

// CommitAlloc atomically removes tx's extents from the free set.
func (a *Allocator) CommitAlloc(tx Transaction) {
	for _, e := range tx.Extents {
		if e.Length > 0 {
			a.remove(e)
		}
	}
	delete(a.pending, tx.id)
}

// AbortAlloc discards tx. The allocator's free set was never mutated by
// RequestAlloc, so this only needs to forget the reservation.
func (a *Allocator) AbortAlloc(tx Transaction) {
	delete(a.pending, tx.id)
}

// Available returns the total free sectors, excluding anything held by a
// pending transaction.
func (a *Allocator) Available() stratis.Sectors {
	var total stratis.Sectors
	for _, iv := range a.freeMinusPending() {
		total += iv.Length
	}
	return total
}

// freeMinusPending returns a scratch copy of the free list with every
// pending transaction's extents already carved out, so a new request never
// overlaps an outstanding one (§4.3 "Multiple pending transactions must not
// overlap").
func (a *Allocator) freeMinusPending() []Extent {
	out := make([]Extent, len(a.free))
	copy(out, a.free)
	for _, tx := range a.pending {
		for _, e := range tx.Extents {
			if e.Length > 0 {
				out = subtract(out, e)
			}
		}
	}
	return out
}

func subtract(intervals []Extent, e Extent) []Extent {
	out := make([]Extent, 0, len(intervals)+1)
	for _, iv := range intervals {
		if e.End() <= iv.Start || e.Start >= iv.End() {
			out = append(out, iv)
			continue
		}
		if e.Start > iv.Start {
			out = append(out, Extent{Start: iv.Start, Length: e.Start - iv.Start})
		}
		if e.End() < iv.End() {
			out = append(out, Extent{Start: e.End(), Length: iv.End() - e.End()})
		}
	}
	return out
}

// remove deletes e from the free set and keeps it sorted by Start.
func (a *Allocator) remove(e Extent) {
	a.free = subtract(a.free, e)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Start < a.free[j].Start })
}

// Free returns e to the free set, merging with any adjacent interval
// (§3: "non-overlapping, non-adjacent (merged on free)").
func (a *Allocator) Free(e Extent) {
	if e.Length == 0 {
		return
	}
	a.free = append(a.free, e)
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Start < a.free[j].Start })

	merged := a.free[:0]
	for _, iv := range a.free {
		if len(merged) > 0 && merged[len(merged)-1].End() >= iv.Start {
			last := &merged[len(merged)-1]
			if end := iv.End(); end > last.End() {
				last.Length = end - last.Start
			}
			continue
		}
		merged = append(merged, iv)
	}
	a.free = merged
}

// FreeIntervals returns a copy of the current free set, for diagnostics and
// tests.
func (a *Allocator) FreeIntervals() []Extent {
	out := make([]Extent, len(a.free))
	copy(out, a.free)
	return out
}
