package crypt

import (
	"errors"
	"testing"

	"github.com/go-logr/logr"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

type fakeKeySource struct {
	stored map[string][]byte
}

func newFakeKeySource() *fakeKeySource {
	return &fakeKeySource{stored: map[string][]byte{}}
}

func (f *fakeKeySource) Recover(m Mechanism) ([]byte, error) {
	k, ok := f.stored[m.String()]
	if !ok {
		return nil, errors.New("no such key")
	}
	return k, nil
}

func (f *fakeKeySource) Store(m Mechanism, masterKey []byte) error {
	f.stored[m.String()] = masterKey
	return nil
}

func (f *fakeKeySource) Erase(m Mechanism) error {
	delete(f.stored, m.String())
	return nil
}

type fakeDM struct{ active bool }

func (f *fakeDM) CreateAndLoad(name, uuid string, masterKey []byte, backend string, backendOffsetSectors, lengthSectors uint64) error {
	f.active = true
	return nil
}
func (f *fakeDM) Remove(name string) error         { f.active = false; return nil }
func (f *fakeDM) Active(name string) bool          { return f.active }
func (f *fakeDM) DevicePath(name string) (string, error) { return "/dev/mapper/" + name, nil }

func keyringMech(desc string) Mechanism {
	return Mechanism{Keyring: &KeyringMechanism{KeyDescription: desc}}
}

func TestBindThenUnbindLastFails(t *testing.T) {
	ks := newFakeKeySource()
	a := NewAdapter(&fakeDM{}, ks, logr.Discard())
	h := NewHeader("test-crypt")

	if err := a.Initialize(h, []byte("master"), []Mechanism{keyringMech("d1")}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := a.Unbind(h, 0); !stratis.Of(err, stratis.WouldLoseAccess) {
		t.Fatalf("Unbind last slot = %v, want WouldLoseAccess", err)
	}
}

func TestBindSecondThenUnbindFirstSucceeds(t *testing.T) {
	ks := newFakeKeySource()
	a := NewAdapter(&fakeDM{}, ks, logr.Discard())
	h := NewHeader("test-crypt")

	if err := a.Initialize(h, []byte("master"), []Mechanism{keyringMech("d1")}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Bind(h, []byte("master"), keyringMech("d2")); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := a.Unbind(h, 0); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if !h.HeaderIsValid() {
		t.Fatalf("header should still have one valid mechanism")
	}
}

func TestRebindLeavesNewMechanismUnlockable(t *testing.T) {
	ks := newFakeKeySource()
	a := NewAdapter(&fakeDM{}, ks, logr.Discard())
	h := NewHeader("test-crypt")

	if err := a.Initialize(h, []byte("master"), []Mechanism{keyringMech("d1")}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := a.Rebind(h, []byte("master"), 0, keyringMech("d2")); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if _, err := ks.Recover(keyringMech("d2")); err != nil {
		t.Fatalf("new mechanism should unlock after rebind: %v", err)
	}
}

func TestActivateTriesEachSlotInOrder(t *testing.T) {
	ks := newFakeKeySource()
	dm := &fakeDM{}
	a := NewAdapter(dm, ks, logr.Discard())
	h := NewHeader("test-crypt")

	// First mechanism has no stored key (simulating an unavailable Clevis
	// network secret); activation should fall through to the second.
	h.slots[0] = slot{occupied: true, mechanism: keyringMech("missing")}
	if err := ks.Store(keyringMech("present"), []byte("master")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	h.slots[1] = slot{occupied: true, mechanism: keyringMech("present")}

	path, err := a.Activate(h, "/dev/sdb", 0, 1<<20)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if path != "/dev/mapper/test-crypt" {
		t.Fatalf("Activate path = %s", path)
	}
	if !dm.active {
		t.Fatalf("expected dm mapping to be active")
	}
}
