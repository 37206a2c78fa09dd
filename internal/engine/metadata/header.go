// Package metadata implements the on-disk static header and double-buffered
// variable metadata region described in spec §3/§4.1/§6: two mirrored
// static headers at fixed LBAs, followed by a BDA reserved region and two
// metadata slots. All multi-byte integers are big-endian so that a raw
// device dump is readable the same way the CRC is computed.
package metadata

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
)

// StaticMagic is the fixed magic recorded at the start of every header copy
// (§6).
var StaticMagic = [16]byte{'!', 'S', 't', 'r', 'a', '0', 't', 'i', 's', 0x86, 0xff, 0x02, '^', 'A', 'r', 'h'}

const (
	// StaticHeaderSize is the on-disk size of one header copy, including
	// padding to the next copy's LBA.
	StaticHeaderSize = 4096
	// HeaderCopies is the fixed count of mirrored static headers (§3/§6).
	HeaderCopies = 2
	// staticHeaderPayloadSize is the number of bytes the CRC is computed
	// over: everything before the CRC field itself.
	staticHeaderPayloadSize = 16 + 4 + 16 + 16 + 8 + 8 + 4
)

// StaticHeader is the fixed-size header written at LBA 0 and its mirror.
type StaticHeader struct {
	FormatVersion  uint32
	PoolId         uuid.UUID
	DeviceId       uuid.UUID
	TotalSectors   uint64
	MDAStartSector uint64
	BDASizeSectors uint32
}

// Encode serializes h, including magic and trailing CRC-32-IEEE, into a
// buffer of staticHeaderPayloadSize+4 bytes; it is not padded to
// StaticHeaderSize.
func (h StaticHeader) Encode() []byte {
	buf := make([]byte, staticHeaderPayloadSize+4)
	off := 0
	copy(buf[off:], StaticMagic[:])
	off += 16
	binary.BigEndian.PutUint32(buf[off:], h.FormatVersion)
	off += 4
	copy(buf[off:], h.PoolId[:])
	off += 16
	copy(buf[off:], h.DeviceId[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], h.TotalSectors)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.MDAStartSector)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], h.BDASizeSectors)
	off += 4
	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:], crc)
	return buf
}

// DecodeStaticHeader parses and CRC-validates a header copy. ok is false if
// the magic doesn't match or the trailing CRC doesn't match the payload.
func DecodeStaticHeader(buf []byte) (h StaticHeader, ok bool) {
	if len(buf) < staticHeaderPayloadSize+4 {
		return StaticHeader{}, false
	}
	if string(buf[:16]) != string(StaticMagic[:]) {
		return StaticHeader{}, false
	}
	payload := buf[:staticHeaderPayloadSize]
	wantCRC := binary.BigEndian.Uint32(buf[staticHeaderPayloadSize : staticHeaderPayloadSize+4])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return StaticHeader{}, false
	}
	off := 16
	h.FormatVersion = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.PoolId = uuid.Must(uuid.FromBytes(buf[off : off+16]))
	off += 16
	h.DeviceId = uuid.Must(uuid.FromBytes(buf[off : off+16]))
	off += 16
	h.TotalSectors = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.MDAStartSector = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.BDASizeSectors = binary.BigEndian.Uint32(buf[off:])
	return h, true
}
