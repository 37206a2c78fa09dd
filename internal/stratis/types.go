// Package engine implements the Stratis storage-pool engine: the on-disk
// metadata format, the liminal device-assembly protocol, the backstore
// allocation model, the thin-pool supervisor, the filesystem lifecycle, and
// the crypt adapter. The IPC surface, CLI/systemd generators, and udev
// monitor thread are external collaborators and are not implemented here.
package stratis

import "github.com/google/uuid"

// PoolId, DevId and FilesystemId are 128-bit opaque identifiers, globally
// unique and stable across reboots.
type PoolId = uuid.UUID

// DevId identifies a single member block device within a pool.
type DevId = uuid.UUID

// FilesystemId identifies a thin filesystem volume within a pool.
type FilesystemId = uuid.UUID

// NewId generates a fresh identifier. Broken out so callers never reach for
// uuid.New directly and so tests can substitute deterministic ids.
func NewId() uuid.UUID {
	return uuid.New()
}

// RenameAction is the tri-valued result of a rename-style operation. Exactly
// one of these is returned; Renamed implies the new name now resolves to id.
type RenameAction struct {
	kind     renameKind
	id       uuid.UUID
	hasValue bool
}

type renameKind int

const (
	renameIdentity renameKind = iota
	renameNoSource
	renameAlreadyExists
	renameRenamed
)

func Identity() RenameAction              { return RenameAction{kind: renameIdentity} }
func NoSource() RenameAction              { return RenameAction{kind: renameNoSource} }
func AlreadyExistsAction() RenameAction   { return RenameAction{kind: renameAlreadyExists} }
func Renamed(id uuid.UUID) RenameAction   { return RenameAction{kind: renameRenamed, id: id, hasValue: true} }

func (r RenameAction) IsIdentity() bool      { return r.kind == renameIdentity }
func (r RenameAction) IsNoSource() bool      { return r.kind == renameNoSource }
func (r RenameAction) IsAlreadyExists() bool { return r.kind == renameAlreadyExists }
func (r RenameAction) Renamed() (uuid.UUID, bool) {
	if r.kind == renameRenamed {
		return r.id, true
	}
	return uuid.Nil, false
}

func (r RenameAction) String() string {
	switch r.kind {
	case renameIdentity:
		return "Identity"
	case renameNoSource:
		return "NoSource"
	case renameAlreadyExists:
		return "AlreadyExists"
	case renameRenamed:
		return "Renamed(" + r.id.String() + ")"
	default:
		return "Unknown"
	}
}

// MutationAction is the tri-valued result of a mutating engine operation
// (§4.8): repeating a successful operation is safe and returns Identity.
type MutationAction struct {
	created  bool
	identity bool
	id       uuid.UUID
}

func Created(id uuid.UUID) MutationAction { return MutationAction{created: true, id: id} }
func IdentityAction(id uuid.UUID) MutationAction {
	return MutationAction{identity: true, id: id}
}

func (m MutationAction) IsCreated() bool  { return m.created }
func (m MutationAction) IsIdentity() bool { return m.identity }
func (m MutationAction) Id() uuid.UUID    { return m.id }

// BlockDevState mirrors the original design doc's per-device state machine.
type BlockDevState int

const (
	BlockDevMissing BlockDevState = iota
	BlockDevBad
	BlockDevSpare
	BlockDevNotInUse
	BlockDevInUse
)

func (s BlockDevState) String() string {
	switch s {
	case BlockDevMissing:
		return "missing"
	case BlockDevBad:
		return "bad"
	case BlockDevSpare:
		return "spare"
	case BlockDevNotInUse:
		return "not-in-use"
	case BlockDevInUse:
		return "in-use"
	default:
		return "unknown"
	}
}

// Redundancy is the pool redundancy classification. Today only NONE exists:
// single-device failure loses data on that device (§1 Non-goals).
type Redundancy int

const RedundancyNone Redundancy = 0

// FormatVersion selects the on-disk metadata layout (§9 Open Questions).
// Both are supported for read; v2 is the default for newly created pools.
type FormatVersion uint32

const (
	FormatV1 FormatVersion = 1
	FormatV2 FormatVersion = 2

	DefaultFormatVersion = FormatV2
)

// DeviceRole classifies a member device's tier within the backstore.
type DeviceRole int

const (
	RoleData DeviceRole = iota
	RoleCache
)

func (r DeviceRole) String() string {
	if r == RoleCache {
		return "cache"
	}
	return "data"
}

// Sectors counts 512-byte sectors, the unit the whole on-disk layout is
// expressed in (§6).
type Sectors uint64

const SectorSize = 512

func (s Sectors) Bytes() uint64 { return uint64(s) * SectorSize }
