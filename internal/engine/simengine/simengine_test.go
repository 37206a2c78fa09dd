package simengine

import (
	"testing"

	"github.com/stratis-storage/stratisd-sub004/internal/engine/backstore"
	"github.com/stratis-storage/stratisd-sub004/internal/engine/crypt"
)

func TestOpenDeviceIsStableAcrossCalls(t *testing.T) {
	b := NewBackend()

	dev1, err := b.OpenDevice("/dev/sim/a")
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	if _, err := dev1.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	dev2, err := b.OpenDevice("/dev/sim/a")
	if err != nil {
		t.Fatalf("OpenDevice again: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := dev2.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("reopening the same path should return the same backing storage, got %q", buf)
	}
}

func TestThinOpsRejectSnapshotOfUnknownOrigin(t *testing.T) {
	thin := newMemThinOps()
	if err := thin.CreateSnapshot("pool1", 7, 8); err == nil {
		t.Fatalf("snapshotting an origin that was never created should fail")
	}
	if err := thin.CreateThin("pool1", 7, 1<<20); err != nil {
		t.Fatalf("CreateThin: %v", err)
	}
	if err := thin.CreateSnapshot("pool1", 7, 8); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
}

func TestDMRunnerDevicePathFailsUntilActive(t *testing.T) {
	r := newMemDMRunner()
	if _, err := r.DevicePath("crypt-dev"); err == nil {
		t.Fatalf("DevicePath should fail before the mapping is created")
	}
	if err := r.CreateAndLoad("crypt-dev", "uuid-1", []byte("key"), "/dev/sim/a", 0, 100); err != nil {
		t.Fatalf("CreateAndLoad: %v", err)
	}
	path, err := r.DevicePath("crypt-dev")
	if err != nil || path != "/dev/mapper/crypt-dev" {
		t.Fatalf("DevicePath = %q, %v", path, err)
	}
	if err := r.Remove("crypt-dev"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Active("crypt-dev") {
		t.Fatalf("mapping should be inactive after Remove")
	}
}

func TestKeySourceRoundTripsPerMechanism(t *testing.T) {
	ks := newMemKeySource()
	mech := crypt.Mechanism{Keyring: &crypt.KeyringMechanism{KeyDescription: "unlock-test"}}

	if _, err := ks.Recover(mech); err == nil {
		t.Fatalf("Recover before Store should fail")
	}
	if err := ks.Store(mech, []byte("supersecret")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	key, err := ks.Recover(mech)
	if err != nil || string(key) != "supersecret" {
		t.Fatalf("Recover = %q, %v", key, err)
	}
	if err := ks.Erase(mech); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := ks.Recover(mech); err == nil {
		t.Fatalf("Recover after Erase should fail")
	}
}

func TestCapTableRecordsLastReload(t *testing.T) {
	c := &memCapTable{}
	if c.LastSegments != nil {
		t.Fatalf("fresh cap table should have no segments")
	}
	segs := []backstore.CapSegment{{DevPath: "/dev/sim/a", Start: 0, Length: 100}}
	if err := c.Reload(segs); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(c.LastSegments) != 1 || c.LastSegments[0].Length != 100 {
		t.Fatalf("LastSegments = %+v, want the one reloaded segment", c.LastSegments)
	}
}
