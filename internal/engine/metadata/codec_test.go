package metadata

import (
	"bytes"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

// fakeDevice is an in-memory BlockDevice used to test the codec without a
// real block device, following the teacher's preference for small fakes
// over mocking frameworks.
type fakeDevice struct {
	buf []byte
}

func newFakeDevice(size int) *fakeDevice {
	return &fakeDevice{buf: make([]byte, size)}
}

func (f *fakeDevice) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.buf[off:])
	return n, nil
}

func (f *fakeDevice) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.buf[off:], p)
	return n, nil
}

func (f *fakeDevice) Sync() error { return nil }

func testPool() (uuid.UUID, uuid.UUID) {
	return uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		uuid.MustParse("22222222-2222-2222-2222-222222222222")
}

func TestRoundTripMetadata(t *testing.T) {
	dev := newFakeDevice(2*StaticHeaderSize + 2*DefaultSlotSize)
	poolId, devId := testPool()
	payload := []byte(`{"name":"p1"}`)

	c, err := Initialize(dev, logr.Discard(), poolId, devId, stratis.DefaultFormatVersion, 1<<20, payload, 100)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, err := c.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("LoadState = %s, want %s", got, payload)
	}
}

func TestRoundTripSurvivesSingleSlotBitFlip(t *testing.T) {
	dev := newFakeDevice(2*StaticHeaderSize + 2*DefaultSlotSize)
	poolId, devId := testPool()
	m1 := []byte(`{"name":"m1"}`)
	m2 := []byte(`{"name":"m2"}`)

	c, err := Initialize(dev, logr.Discard(), poolId, devId, stratis.DefaultFormatVersion, 1<<20, m1, 100)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.SaveState(m2, 200); err != nil {
		t.Fatalf("SaveState m2: %v", err)
	}

	// Both slots now hold valid, different metadata (m1 older, m2 newer).
	// Flipping a bit in the newer slot's CRC must fall back to the older
	// slot rather than surface CorruptMetadata.
	newSlotOff := c.mdaStart + int64(c.currentSlot)*c.slotSize
	dev.buf[newSlotOff+16] ^= 0xFF

	got, err := c.LoadState()
	if err != nil {
		t.Fatalf("LoadState after bit-flip: %v", err)
	}
	if !bytes.Equal(got, m1) {
		t.Fatalf("LoadState = %s, want fallback to %s", got, m1)
	}
}

func TestDoubleBadDetection(t *testing.T) {
	dev := newFakeDevice(2*StaticHeaderSize + 2*DefaultSlotSize)
	poolId, devId := testPool()
	payload := []byte(`{"name":"p1"}`)

	c, err := Initialize(dev, logr.Discard(), poolId, devId, stratis.DefaultFormatVersion, 1<<20, payload, 100)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Corrupt both slots' CRC fields.
	dev.buf[c.mdaStart+16] ^= 0xFF
	dev.buf[c.mdaStart+c.slotSize+16] ^= 0xFF

	_, err = c.LoadState()
	if !stratis.Of(err, stratis.CorruptMetadata) {
		t.Fatalf("LoadState with both slots bad = %v, want CorruptMetadata", err)
	}
}

func TestSaveStateAlternatesSlots(t *testing.T) {
	dev := newFakeDevice(2*StaticHeaderSize + 2*DefaultSlotSize)
	poolId, devId := testPool()
	m1 := []byte(`{"name":"m1"}`)
	m2 := []byte(`{"name":"m2"}`)
	m3 := []byte(`{"name":"m3"}`)

	c, err := Initialize(dev, logr.Discard(), poolId, devId, stratis.DefaultFormatVersion, 1<<20, m1, 100)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	firstSlot := c.currentSlot

	if err := c.SaveState(m2, 200); err != nil {
		t.Fatalf("SaveState m2: %v", err)
	}
	if c.currentSlot == firstSlot {
		t.Fatalf("SaveState wrote into the same slot twice in a row")
	}

	// Simulate a torn write: corrupt the newer slot (m2) after it was
	// written, leaving the older slot (m1) intact.
	newSlotOff := c.mdaStart + int64(c.currentSlot)*c.slotSize
	dev.buf[newSlotOff+16] ^= 0xFF

	got, err := c.LoadState()
	if err != nil {
		t.Fatalf("LoadState after torn write: %v", err)
	}
	if !bytes.Equal(got, m1) {
		t.Fatalf("LoadState after torn write = %s, want fallback to %s", got, m1)
	}

	if err := c.SaveState(m3, 300); err != nil {
		t.Fatalf("SaveState m3: %v", err)
	}
	got, err = c.LoadState()
	if err != nil {
		t.Fatalf("LoadState after m3: %v", err)
	}
	if !bytes.Equal(got, m3) {
		t.Fatalf("LoadState after m3 = %s, want %s", got, m3)
	}
}

func TestReadIdentifiersNotStratis(t *testing.T) {
	dev := newFakeDevice(2 * StaticHeaderSize)
	_, _, err := ReadIdentifiers(dev)
	if !stratis.Of(err, stratis.NotFound) {
		t.Fatalf("ReadIdentifiers on blank device = %v, want NotFound", err)
	}
}

func TestDisownZeroesHeaders(t *testing.T) {
	dev := newFakeDevice(2*StaticHeaderSize + 2*DefaultSlotSize)
	poolId, devId := testPool()
	c, err := Initialize(dev, logr.Discard(), poolId, devId, stratis.DefaultFormatVersion, 1<<20, []byte(`{}`), 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Disown(); err != nil {
		t.Fatalf("Disown: %v", err)
	}
	if _, _, err := ReadIdentifiers(dev); !stratis.Of(err, stratis.NotFound) {
		t.Fatalf("ReadIdentifiers after Disown = %v, want NotFound", err)
	}
}
