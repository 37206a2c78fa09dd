package filesystem

import (
	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// Record is one filesystem's entry in pool metadata (§3 Metadata area: "size
// of the BDA ... filesystem list including name, FilesystemId, origin
// FilesystemId for snapshots, size-limit, merge-scheduled flag").
type Record struct {
	Id             stratis.FilesystemId
	ThinId         ThinDevId
	Name           string
	Origin         *stratis.FilesystemId
	SizeLimit      *stratis.Sectors
	MergeScheduled bool
}

// Store is the in-memory table of filesystem records for one pool, backing
// both current_metadata() and the id/name lookups the Manager needs.
// Grounded on the teacher's LogicalVolumeService: a get-by-name lookup
// before every create, so repeated creates of the same name observe
// read-after-create consistency rather than racing a second insert.
type Store struct {
	byId   map[stratis.FilesystemId]*Record
	byName map[string]stratis.FilesystemId
}

func NewStore() *Store {
	return &Store{
		byId:   make(map[stratis.FilesystemId]*Record),
		byName: make(map[string]stratis.FilesystemId),
	}
}

func (s *Store) GetByName(name string) (*Record, bool) {
	id, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return s.byId[id], true
}

func (s *Store) GetById(id stratis.FilesystemId) (*Record, bool) {
	r, ok := s.byId[id]
	return r, ok
}

// Insert adds a new record. Callers must have already checked GetByName to
// uphold the pool-wide unique-name invariant (§3 Identifiers).
func (s *Store) Insert(r *Record) {
	s.byId[r.Id] = r
	s.byName[r.Name] = r.Id
}

// Remove deletes id's record, clearing every dependent snapshot's Origin
// pointer first (§4.6 snapshot semantics: "on origin destruction the origin
// field of every dependent snapshot becomes None").
func (s *Store) Remove(id stratis.FilesystemId) {
	if r, ok := s.byId[id]; ok {
		delete(s.byName, r.Name)
		delete(s.byId, id)
	}
	for _, r := range s.byId {
		if r.Origin != nil && *r.Origin == id {
			r.Origin = nil
		}
	}
}

// Rename moves a record from its current name to newName. Callers apply the
// §4.6 rename taxonomy before calling this.
func (s *Store) Rename(id stratis.FilesystemId, newName string) {
	r, ok := s.byId[id]
	if !ok {
		return
	}
	delete(s.byName, r.Name)
	r.Name = newName
	s.byName[newName] = id
}

// All returns every record, for current_metadata() serialization.
func (s *Store) All() []*Record {
	out := make([]*Record, 0, len(s.byId))
	for _, r := range s.byId {
		out = append(out, r)
	}
	return out
}

// existingThinIds is a helper for seeding a ThinIdPool from a freshly loaded
// Store (e.g. after assembling a pool from on-disk metadata).
func (s *Store) existingThinIds() []ThinDevId {
	out := make([]ThinDevId, 0, len(s.byId))
	for _, r := range s.byId {
		out = append(out, r.ThinId)
	}
	return out
}

func newFilesystemId() stratis.FilesystemId { return uuid.New() }
