package backstore

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

type fakeCapTable struct {
	reloads    int
	lastSize   stratis.Sectors
	failReload bool
}

func (f *fakeCapTable) Reload(segments []CapSegment) error {
	if f.failReload {
		return errors.New("dm table load failed")
	}
	f.reloads++
	var total stratis.Sectors
	for _, s := range segments {
		total += s.Length
	}
	f.lastSize = total
	return nil
}

func newTestBackstore(t *testing.T, cap CapTable) (*Backstore, uuid.UUID) {
	t.Helper()
	b := New(cap)
	id := uuid.New()
	if err := b.AddDatadevs([]struct {
		Id            uuid.UUID
		Path          string
		UsableSectors stratis.Sectors
	}{{Id: id, Path: "/dev/sda", UsableSectors: 1000}}); err != nil {
		t.Fatalf("AddDatadevs: %v", err)
	}
	return b, id
}

func TestCommitAllocReloadsCapTableAfterMetadataSaves(t *testing.T) {
	cap := &fakeCapTable{}
	b, _ := newTestBackstore(t, cap)

	tx, ok := b.RequestAlloc([]stratis.Sectors{100, 200})
	if !ok {
		t.Fatalf("RequestAlloc should succeed")
	}

	saved := false
	if err := b.CommitAlloc(tx, func() error { saved = true; return nil }); err != nil {
		t.Fatalf("CommitAlloc: %v", err)
	}
	if !saved {
		t.Fatalf("metadata save should run before cap reload")
	}
	if cap.reloads != 1 {
		t.Fatalf("cap table reloads = %d, want 1", cap.reloads)
	}
	if cap.lastSize != 300 {
		t.Fatalf("cap table size = %d, want 300", cap.lastSize)
	}
	if got := b.AvailableInBackstore(); got != 700 {
		t.Fatalf("AvailableInBackstore = %d, want 700", got)
	}
}

func TestCommitAllocRollsBackOnMetadataSaveFailure(t *testing.T) {
	cap := &fakeCapTable{}
	b, _ := newTestBackstore(t, cap)

	tx, ok := b.RequestAlloc([]stratis.Sectors{500})
	if !ok {
		t.Fatalf("RequestAlloc should succeed")
	}

	err := b.CommitAlloc(tx, func() error { return errors.New("disk full") })
	if !stratis.Of(err, stratis.CommitFailed) {
		t.Fatalf("CommitAlloc err = %v, want CommitFailed", err)
	}
	if cap.reloads != 0 {
		t.Fatalf("cap table must not be reloaded when metadata save fails, got %d reloads", cap.reloads)
	}
	if got := b.AvailableInBackstore(); got != 1000 {
		t.Fatalf("AvailableInBackstore after rollback = %d, want 1000 (fully restored)", got)
	}
}

func TestRequestAllocFailsAtomicallyWhenAnySizeUnsatisfiable(t *testing.T) {
	cap := &fakeCapTable{}
	b, _ := newTestBackstore(t, cap)

	_, ok := b.RequestAlloc([]stratis.Sectors{900, 900})
	if ok {
		t.Fatalf("RequestAlloc should fail when the second size cannot be satisfied")
	}
	if got := b.AvailableInBackstore(); got != 1000 {
		t.Fatalf("a failed request must leave the backstore untouched, got %d available", got)
	}
}

func TestGrowPhysicalExtendsAvailability(t *testing.T) {
	cap := &fakeCapTable{}
	b, id := newTestBackstore(t, cap)

	b.GrowPhysical(id, 2000)
	if got := b.AvailableInBackstore(); got != 2000 {
		t.Fatalf("AvailableInBackstore after grow = %d, want 2000", got)
	}
}

func TestCacheTierNeverShrinksAcrossAdds(t *testing.T) {
	cap := &fakeCapTable{}
	b := New(cap)

	if err := b.InitCache([]struct {
		Id            uuid.UUID
		Path          string
		UsableSectors stratis.Sectors
	}{{Id: uuid.New(), Path: "/dev/sdc", UsableSectors: 500}}); err != nil {
		t.Fatalf("InitCache: %v", err)
	}
	if got := b.CacheSize(); got != 500 {
		t.Fatalf("CacheSize = %d, want 500", got)
	}

	if err := b.AddCachedevs([]struct {
		Id            uuid.UUID
		Path          string
		UsableSectors stratis.Sectors
	}{{Id: uuid.New(), Path: "/dev/sdd", UsableSectors: 250}}); err != nil {
		t.Fatalf("AddCachedevs: %v", err)
	}
	if got := b.CacheSize(); got != 750 {
		t.Fatalf("CacheSize after second add = %d, want 750 (monotonic)", got)
	}
}
