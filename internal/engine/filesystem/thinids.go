package filesystem

import "sort"

// ThinDevId is a thin-pool internal device id, 24 bits wide in the kernel's
// dm-thin message protocol; stratisd-sub004 only needs the ordering and
// uniqueness properties, grounded on original_source's ThinDevIdPool.
type ThinDevId uint32

// ThinIdPool hands out unique thin-device ids, monotonically increasing,
// with forgotten ids (from a destroyed filesystem) returned to a free list
// for reuse — the reuse behavior spec.md asks for beyond what
// original_source's ThinDevIdPool itself implements (there, ids are never
// reclaimed).
type ThinIdPool struct {
	next uint32
	free []ThinDevId
}

// NewThinIdPool seeds the pool from the ids already recorded in metadata, so
// a freshly loaded pool never reissues an id still in use.
func NewThinIdPool(existing []ThinDevId) *ThinIdPool {
	var next uint32
	for _, id := range existing {
		if uint32(id)+1 > next {
			next = uint32(id) + 1
		}
	}
	return &ThinIdPool{next: next}
}

// NewId returns an unused id, preferring a forgotten one over growing the
// monotonic counter.
func (p *ThinIdPool) NewId() ThinDevId {
	if len(p.free) > 0 {
		sort.Slice(p.free, func(i, j int) bool { return p.free[i] < p.free[j] })
		id := p.free[0]
		p.free = p.free[1:]
		return id
	}
	id := ThinDevId(p.next)
	p.next++
	return id
}

// Forget returns id to the free list immediately. It does not check whether
// the destruction of the owning filesystem has been committed to the pool's
// metadata; Manager.Destroy calls it before the pool saves metadata.
func (p *ThinIdPool) Forget(id ThinDevId) {
	p.free = append(p.free, id)
}
