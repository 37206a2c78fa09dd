// Package crypt wraps a kernel encrypted block device, presenting it as a
// plain block device to the rest of the engine (§4.2). Key recovery for the
// two supported unlock mechanisms (kernel keyring, Clevis/Tang-or-TPM) is
// delegated to a KeySource; device-mapper table activation is delegated to
// a DMRunner. Grounded on the pack's go-luks2 Unlock/Lock functions, which
// build a devmapper.CryptTable and call devmapper.CreateAndLoad.
package crypt

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// KeySource recovers or stores the master key for one Mechanism. The
// implementation RealBackend supplies (keyringKeySource in realbackend.go)
// returns an error from every operation and does not reach the kernel
// keyring or clevis; simengine and the tests use in-memory stores.
type KeySource interface {
	Recover(m Mechanism) ([]byte, error)
	Store(m Mechanism, masterKey []byte) error
	Erase(m Mechanism) error
}

// DMRunner is the narrow device-mapper surface the adapter needs, mirroring
// the handful of anatol/devmapper.go calls the pack's go-luks2 adapter uses.
type DMRunner interface {
	CreateAndLoad(name, uuid string, masterKey []byte, backend string, backendOffsetSectors uint64, lengthSectors uint64) error
	Remove(name string) error
	Active(name string) bool
	DevicePath(name string) (string, error)
}

// HeaderSectors is the space reserved at the start of an encrypted member
// device for its LUKS2-style header and token slots (4MiB), mirroring the
// pack's go-luks2 header layout; Activate's backendOffsetSectors skips past
// it so the plaintext mapping only ever exposes the data region.
const HeaderSectors = 8192

// Adapter implements the Crypt Adapter contract of §4.2.
type Adapter struct {
	dm  DMRunner
	ks  KeySource
	log logr.Logger
}

func NewAdapter(dm DMRunner, ks KeySource, log logr.Logger) *Adapter {
	return &Adapter{dm: dm, ks: ks, log: log.WithName("crypt")}
}

// Header is the engine's in-memory view of a device's LUKS2-style token
// slots (§3). The real on-disk LUKS2 header lives before the Stratis static
// header; parsing and writing it is KeySource's concern, not Header's — this
// type only tracks which of the MaxTokenSlots are populated and with what.
type Header struct {
	DeviceMapperName string
	slots            [MaxTokenSlots]slot
}

func NewHeader(dmName string) *Header {
	return &Header{DeviceMapperName: dmName}
}

// Initialize populates the header's slots with the given mechanisms and
// stores a master key against each via KeySource. It does not activate the
// device.
func (a *Adapter) Initialize(h *Header, masterKey []byte, mechanisms []Mechanism) error {
	if len(mechanisms) == 0 {
		return stratis.New(stratis.Invalid, "at least one unlock mechanism is required")
	}
	if len(mechanisms) > MaxTokenSlots {
		return stratis.New(stratis.Invalid, "too many unlock mechanisms")
	}
	for i, m := range mechanisms {
		if err := a.ks.Store(m, masterKey); err != nil {
			return stratis.Wrap(err, stratis.CryptError).WithMetadata("mechanism", m.String())
		}
		h.slots[i] = slot{occupied: true, mechanism: m}
	}
	return nil
}

// Activate tries each populated token slot in order and succeeds on the
// first that unlocks (§4.2 Policy), then builds the device-mapper crypt
// mapping and returns the plaintext device path.
func (a *Adapter) Activate(h *Header, backendDevice string, backendOffsetSectors, lengthSectors uint64) (string, error) {
	var lastErr error
	for _, s := range h.slots {
		if !s.occupied {
			continue
		}
		masterKey, err := a.ks.Recover(s.mechanism)
		if err != nil {
			lastErr = err
			continue
		}
		dmUUID := fmt.Sprintf("CRYPT-LUKS2-%s", uuid.New().String())
		if err := a.dm.CreateAndLoad(h.DeviceMapperName, dmUUID, masterKey, backendDevice, backendOffsetSectors, lengthSectors); err != nil {
			lastErr = err
			continue
		}
		path, err := a.dm.DevicePath(h.DeviceMapperName)
		if err != nil {
			return "", stratis.Wrap(err, stratis.DeviceMapperError)
		}
		return path, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no populated token slots")
	}
	return "", stratis.Wrap(lastErr, stratis.CryptError).WithMetadata("op", "activate")
}

// Deactivate tears down the device-mapper crypt mapping.
func (a *Adapter) Deactivate(h *Header) error {
	if !a.dm.Active(h.DeviceMapperName) {
		return nil
	}
	if err := a.dm.Remove(h.DeviceMapperName); err != nil {
		return stratis.Wrap(err, stratis.DeviceMapperError).WithMetadata("op", "deactivate")
	}
	return nil
}

// Bind adds a new mechanism to an empty slot. Per §4.2 policy: write the new
// mechanism, verify it unlocks, only then commit — by construction here
// Store() either succeeds (and the slot is immediately usable) or fails
// before the header is mutated, so there is no separate verify step needed
// beyond Store succeeding.
func (a *Adapter) Bind(h *Header, masterKey []byte, m Mechanism) error {
	idx := h.firstEmptySlot()
	if idx < 0 {
		return stratis.New(stratis.Invalid, "no free token slots")
	}
	if err := a.ks.Store(m, masterKey); err != nil {
		return stratis.Wrap(err, stratis.CryptError).WithMetadata("op", "bind")
	}
	h.slots[idx] = slot{occupied: true, mechanism: m}
	return nil
}

// Unbind removes the mechanism occupying slot idx. Unbinding the last
// remaining slot fails with WouldLoseAccess (§4.2).
func (a *Adapter) Unbind(h *Header, idx int) error {
	if idx < 0 || idx >= MaxTokenSlots || !h.slots[idx].occupied {
		return stratis.New(stratis.NotFound, "no mechanism in that slot")
	}
	if h.occupiedCount() <= 1 {
		return stratis.New(stratis.WouldLoseAccess, "cannot unbind the last unlock mechanism")
	}
	m := h.slots[idx].mechanism
	if err := a.ks.Erase(m); err != nil {
		return stratis.Wrap(err, stratis.CryptError).WithMetadata("op", "unbind")
	}
	h.slots[idx] = slot{}
	return nil
}

// Rebind replaces the mechanism in slot idx with newMechanism using
// bind-new-then-unbind-old (§4.2), preserving access across a failure
// between the two steps.
func (a *Adapter) Rebind(h *Header, masterKey []byte, idx int, newMechanism Mechanism) error {
	if idx < 0 || idx >= MaxTokenSlots || !h.slots[idx].occupied {
		return stratis.New(stratis.NotFound, "no mechanism in that slot")
	}
	old := h.slots[idx].mechanism

	freeIdx := h.firstEmptySlot()
	if freeIdx < 0 {
		return stratis.New(stratis.Invalid, "no free token slots for rebind")
	}
	if err := a.ks.Store(newMechanism, masterKey); err != nil {
		return stratis.Wrap(err, stratis.CryptError).WithMetadata("op", "rebind-bind")
	}
	h.slots[freeIdx] = slot{occupied: true, mechanism: newMechanism}

	if err := a.ks.Erase(old); err != nil {
		a.log.Error(err, "rebind: failed to erase old mechanism, leaving both bound", "mechanism", old.String())
		return nil
	}
	h.slots[idx] = slot{}
	return nil
}

// HeaderIsValid is a read-only probe: true iff the header has at least one
// populated token slot. The Liminal Assembler does not call it; its
// UnlockRequired classification uses DeviceInfo.Unlocked.
func (h *Header) HeaderIsValid() bool {
	return h.occupiedCount() > 0
}

func (h *Header) firstEmptySlot() int {
	for i, s := range h.slots {
		if !s.occupied {
			return i
		}
	}
	return -1
}

func (h *Header) occupiedCount() int {
	n := 0
	for _, s := range h.slots {
		if s.occupied {
			n++
		}
	}
	return n
}

// HeaderStore persists a Header to a plain file (Backup) and reads it back
// (Restore), independent of the token bookkeeping above (§4.2). This module
// defines no implementation of it.
type HeaderStore interface {
	Backup(h *Header, path string) error
	Restore(path string) (*Header, error)
}
