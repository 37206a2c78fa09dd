package allocator

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

func TestRequestAllocExactness(t *testing.T) {
	a := New(1000)
	sizes := []stratis.Sectors{100, 50, 200}

	tx, ok := a.RequestAlloc(sizes)
	if !ok {
		t.Fatalf("RequestAlloc returned None for a satisfiable request")
	}
	if len(tx.Extents) != len(sizes) {
		t.Fatalf("got %d extents, want %d", len(tx.Extents), len(sizes))
	}

	var prevEnd stratis.Sectors
	for i, e := range tx.Extents {
		if e.Length != sizes[i] {
			t.Fatalf("extent %d length = %d, want %d", i, e.Length, sizes[i])
		}
		if e.Start < prevEnd {
			t.Fatalf("extent %d starts at %d, before previous end %d", i, e.Start, prevEnd)
		}
		prevEnd = e.End()
	}

	want := []Extent{{Start: 0, Length: 100}, {Start: 100, Length: 50}, {Start: 150, Length: 200}}
	if diff := cmp.Diff(want, tx.Extents); diff != "" {
		t.Fatalf("unexpected extents (-want +got):\n%s", diff)
	}
}

func TestRequestAllocUnsatisfiableReturnsNone(t *testing.T) {
	a := New(100)
	_, ok := a.RequestAlloc([]stratis.Sectors{60, 60})
	if ok {
		t.Fatalf("RequestAlloc should fail when total exceeds free space")
	}
	// Allocator state must be unchanged.
	if got := a.Available(); got != 100 {
		t.Fatalf("Available after failed request = %d, want 100", got)
	}
}

func TestTransactionIsolationNoOverlap(t *testing.T) {
	a := New(100)

	tx1, ok := a.RequestAlloc([]stratis.Sectors{60})
	if !ok {
		t.Fatalf("tx1 should succeed")
	}

	// Only 40 sectors remain free once tx1 is pending; a second transaction
	// needing 60 must fail even though tx1 hasn't committed.
	_, ok = a.RequestAlloc([]stratis.Sectors{60})
	if ok {
		t.Fatalf("second overlapping transaction should fail while first is pending")
	}

	tx2, ok := a.RequestAlloc([]stratis.Sectors{40})
	if !ok {
		t.Fatalf("disjoint second transaction should succeed")
	}
	if tx2.Extents[0].Start != 60 {
		t.Fatalf("tx2 should start where tx1 reserved space ends, got %d", tx2.Extents[0].Start)
	}

	a.CommitAlloc(tx1)
	a.CommitAlloc(tx2)
	if got := a.Available(); got != 0 {
		t.Fatalf("Available after both commits = %d, want 0", got)
	}
}

func TestAbortAllocRestoresPreRequestState(t *testing.T) {
	a := New(100)
	before := a.FreeIntervals()

	tx, ok := a.RequestAlloc([]stratis.Sectors{30})
	if !ok {
		t.Fatalf("RequestAlloc should succeed")
	}
	a.AbortAlloc(tx)

	after := a.FreeIntervals()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("allocator state differs after abort (-before +after):\n%s", diff)
	}
}

func TestFreeMergesAdjacentIntervals(t *testing.T) {
	a := New(100)
	tx, ok := a.RequestAlloc([]stratis.Sectors{20, 20})
	if !ok {
		t.Fatalf("RequestAlloc should succeed")
	}
	a.CommitAlloc(tx)
	if got := a.Available(); got != 60 {
		t.Fatalf("Available = %d, want 60", got)
	}

	a.Free(tx.Extents[0])
	a.Free(tx.Extents[1])

	want := []Extent{{Start: 0, Length: 100}}
	if diff := cmp.Diff(want, a.FreeIntervals()); diff != "" {
		t.Fatalf("free set after returning both extents (-want +got):\n%s", diff)
	}
}
