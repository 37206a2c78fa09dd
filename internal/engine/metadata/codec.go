package metadata

import (
	"bytes"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

const (
	// DefaultSlotSize is the minimum and default metadata slot size (§6):
	// 2040 sectors, aligned to a 4 KiB multiple.
	DefaultSlotSize = 2040 * 512
	headerCopyOffset0 = 0
	headerCopyOffset1 = StaticHeaderSize
	bdaSizeSectors    = (2*StaticHeaderSize + 2*DefaultSlotSize) / 512
)

// Codec reads and writes the static header and variable metadata slots on
// one member device (§4.1). It caches the validated identifiers, the
// current slot index, and the slot size so repeated saves don't have to
// re-derive them.
type Codec struct {
	dev      BlockDevice
	log      logr.Logger
	slotSize int64
	mdaStart int64 // byte offset of the first metadata slot

	currentSlot int // 0 or 1: which slot load_state last returned / save_state should avoid
}

// Initialize formats a brand-new device: writes both static header copies
// identically and writes the initial metadata into slot 0, leaving slot 1
// zeroed (§4.1 "brand-new device" case — it will fail CRC and be written on
// the next commit).
func Initialize(dev BlockDevice, log logr.Logger, poolId, devId uuid.UUID, format stratis.FormatVersion, totalSectors uint64, initialPayload []byte, timestamp uint64) (*Codec, error) {
	slotSize := int64(DefaultSlotSize)
	mdaStart := int64(2 * StaticHeaderSize)

	hdr := StaticHeader{
		FormatVersion:  uint32(format),
		PoolId:         poolId,
		DeviceId:       devId,
		TotalSectors:   totalSectors,
		MDAStartSector: uint64(mdaStart) / 512,
		BDASizeSectors: uint32(bdaSizeSectors),
	}
	encoded := hdr.Encode()
	if _, err := dev.WriteAt(encoded, headerCopyOffset0); err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "write static header 0")
	}
	if _, err := dev.WriteAt(encoded, headerCopyOffset1); err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "write static header 1")
	}

	zeroSlot := make([]byte, slotSize)
	if _, err := dev.WriteAt(zeroSlot, mdaStart+slotSize); err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "zero slot 1")
	}

	c := &Codec{dev: dev, log: log, slotSize: slotSize, mdaStart: mdaStart, currentSlot: 1}
	if err := c.SaveState(initialPayload, timestamp); err != nil {
		return nil, err
	}
	if err := dev.Sync(); err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "initialize fsync")
	}
	return c, nil
}

// Open reads and validates the static header of an already-initialized
// device, returning a Codec ready to LoadState/SaveState. It also reads the
// metadata slots, only to note which one holds the newest valid metadata so
// that SaveState writes the other; LoadState returns the payload itself.
func Open(dev BlockDevice, log logr.Logger) (*Codec, StaticHeader, error) {
	hdr, err := readValidStaticHeader(dev)
	if err != nil {
		return nil, StaticHeader{}, err
	}
	mdaStart := int64(hdr.MDAStartSector) * 512
	// Slot size is derived from the BDA size recorded in the header: two
	// header copies plus two equally sized slots.
	bdaBytes := int64(hdr.BDASizeSectors) * 512
	slotSize := (bdaBytes - mdaStart) / 2
	if slotSize <= 0 {
		slotSize = DefaultSlotSize
	}
	c := &Codec{dev: dev, log: log, slotSize: slotSize, mdaStart: mdaStart, currentSlot: 1}
	// LoadState sets currentSlot on success; with no valid slot it stays 1.
	_, _ = c.LoadState()
	return c, hdr, nil
}

// ReadIdentifiers returns the validated (PoolId, DeviceId) pair, or
// *stratis.Error{Kind: NotFound} (spec calls this NotStratis) if neither
// header copy validates with the expected magic.
func ReadIdentifiers(dev BlockDevice) (poolId, devId uuid.UUID, err error) {
	hdr, err := readValidStaticHeader(dev)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return hdr.PoolId, hdr.DeviceId, nil
}

// readValidStaticHeader reads both header copies, repairs a bad mirror
// opportunistically, and returns the valid one. Per §3: readers tolerate
// one-corrupt, two-different, or one-missing by picking the copy with a
// valid CRC.
func readValidStaticHeader(dev BlockDevice) (StaticHeader, error) {
	buf0 := make([]byte, StaticHeaderSize)
	buf1 := make([]byte, StaticHeaderSize)
	_, err0 := dev.ReadAt(buf0, headerCopyOffset0)
	_, err1 := dev.ReadAt(buf1, headerCopyOffset1)

	h0, ok0 := DecodeStaticHeader(buf0)
	h1, ok1 := DecodeStaticHeader(buf1)

	switch {
	case ok0 && ok1:
		if !bytes.Equal(buf0[:staticHeaderPayloadSize+4], buf1[:staticHeaderPayloadSize+4]) {
			// Two different valid copies: repair copy 1 from copy 0 (§3 "pick
			// the copy with a valid CRC... trigger a repair write").
			_, _ = dev.WriteAt(buf0, headerCopyOffset1)
		}
		return h0, nil
	case ok0 && !ok1:
		_, _ = dev.WriteAt(buf0, headerCopyOffset1)
		return h0, nil
	case !ok0 && ok1:
		_, _ = dev.WriteAt(buf1, headerCopyOffset0)
		return h1, nil
	default:
		if err0 != nil || err1 != nil {
			return StaticHeader{}, stratis.Wrap(err0, stratis.IoError).WithMetadata("op", "read static header")
		}
		return StaticHeader{}, stratis.New(stratis.NotFound, "not a stratis device: no valid static header")
	}
}

// LoadState returns the current (newer, valid) metadata slot payload. Fails
// with CorruptMetadata only if both slots fail CRC (§4.1).
func (c *Codec) LoadState() ([]byte, error) {
	slot0, ok0 := c.readSlot(0)
	slot1, ok1 := c.readSlot(1)

	switch {
	case ok0 && ok1:
		if slot0.Timestamp > slot1.Timestamp {
			c.currentSlot = 0
			return slot0.Payload, nil
		}
		if slot1.Timestamp > slot0.Timestamp {
			c.currentSlot = 1
			return slot1.Payload, nil
		}
		// Equal timestamps: prefer the slot physically first (§4.1 tie-break).
		c.currentSlot = 0
		return slot0.Payload, nil
	case ok0:
		c.currentSlot = 0
		return slot0.Payload, nil
	case ok1:
		c.currentSlot = 1
		return slot1.Payload, nil
	default:
		return nil, stratis.New(stratis.CorruptMetadata, "both metadata slots failed CRC validation")
	}
}

// SaveState writes payload into the slot that does not currently hold the
// newest valid metadata, fsyncs, then advances the in-memory current
// pointer. It never writes both slots in one call (§4.1).
func (c *Codec) SaveState(payload []byte, timestamp uint64) error {
	if int64(slotHeaderSize+len(payload)) > c.slotSize {
		return stratis.New(stratis.Invalid, fmt.Sprintf("metadata payload %d bytes exceeds slot size %d", len(payload), c.slotSize))
	}
	target := 1 - c.currentSlot
	buf := EncodeSlot(timestamp, payload, int(c.slotSize))
	off := c.mdaStart + int64(target)*c.slotSize
	if _, err := c.dev.WriteAt(buf, off); err != nil {
		return stratis.Wrap(err, stratis.IoError).WithMetadata("op", "write metadata slot")
	}
	if err := c.dev.Sync(); err != nil {
		return stratis.Wrap(err, stratis.IoError).WithMetadata("op", "fsync metadata slot")
	}
	c.currentSlot = target
	return nil
}

// Disown zeroes both header copies and both metadata slots (§4.1).
func (c *Codec) Disown() error {
	zeroHeader := make([]byte, StaticHeaderSize)
	if _, err := c.dev.WriteAt(zeroHeader, headerCopyOffset0); err != nil {
		return stratis.Wrap(err, stratis.IoError)
	}
	if _, err := c.dev.WriteAt(zeroHeader, headerCopyOffset1); err != nil {
		return stratis.Wrap(err, stratis.IoError)
	}
	zeroSlot := make([]byte, c.slotSize)
	if _, err := c.dev.WriteAt(zeroSlot, c.mdaStart); err != nil {
		return stratis.Wrap(err, stratis.IoError)
	}
	if _, err := c.dev.WriteAt(zeroSlot, c.mdaStart+c.slotSize); err != nil {
		return stratis.Wrap(err, stratis.IoError)
	}
	return c.dev.Sync()
}

func (c *Codec) readSlot(idx int) (Slot, bool) {
	buf := make([]byte, c.slotSize)
	off := c.mdaStart + int64(idx)*c.slotSize
	if _, err := c.dev.ReadAt(buf, off); err != nil {
		return Slot{}, false
	}
	return DecodeSlot(buf)
}
