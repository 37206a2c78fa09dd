package bootvolume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

func writeCmdline(t *testing.T, contents string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmdline")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write cmdline fixture: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open cmdline fixture: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestParseCmdlineReader(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		key      string
		want     []string
	}{
		{"single value", "root=/dev/sda1 ro quiet", "root", []string{"/dev/sda1"}},
		{"bare flag has nil values", "root=/dev/sda1 ro quiet", "ro", nil},
		{"repeated key accumulates", "stratis.rootfs.uuid_paths=a stratis.rootfs.uuid_paths=b", "stratis.rootfs.uuid_paths", []string{"a", "b"}},
		{"absent key returns nil slice", "root=/dev/sda1", "stratis.rootfs.pool_uuid", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := writeCmdline(t, tc.contents)
			cmdline, err := parseCmdlineReader(f)
			if err != nil {
				t.Fatalf("parseCmdlineReader: %v", err)
			}
			got := cmdline[tc.key]
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestResolveRootPoolPrefersEnvPoolUUID(t *testing.T) {
	viper.Reset()
	if err := BindEnv(); err != nil {
		t.Fatalf("BindEnv: %v", err)
	}
	id := uuid.New()
	t.Setenv(envRootfsPoolUUID, id.String())

	rp, err := ResolveRootPool(Cmdline{cmdlinePoolUUIDKey: {uuid.New().String()}})
	if err != nil {
		t.Fatalf("ResolveRootPool: %v", err)
	}
	if !rp.HasPoolId || rp.PoolId != id {
		t.Fatalf("expected env pool uuid %s to win, got %+v", id, rp)
	}
}

func TestResolveRootPoolFallsBackToCmdlinePoolUUID(t *testing.T) {
	viper.Reset()
	if err := BindEnv(); err != nil {
		t.Fatalf("BindEnv: %v", err)
	}
	id := uuid.New()

	rp, err := ResolveRootPool(Cmdline{cmdlinePoolUUIDKey: {id.String()}})
	if err != nil {
		t.Fatalf("ResolveRootPool: %v", err)
	}
	if !rp.HasPoolId || rp.PoolId != id {
		t.Fatalf("expected cmdline pool uuid %s, got %+v", id, rp)
	}
}

func TestResolveRootPoolFallsBackToDeviceUUIDPaths(t *testing.T) {
	viper.Reset()
	if err := BindEnv(); err != nil {
		t.Fatalf("BindEnv: %v", err)
	}
	id := uuid.New()

	rp, err := ResolveRootPool(Cmdline{cmdlineUUIDPathsKey: {id.String()}})
	if err != nil {
		t.Fatalf("ResolveRootPool: %v", err)
	}
	if rp.HasPoolId {
		t.Fatalf("did not expect a resolved pool uuid, got %+v", rp)
	}
	if _, ok := rp.UUIDPaths[id]; !ok {
		t.Fatalf("expected device uuid %s to be present, got %+v", id, rp.UUIDPaths)
	}
}
