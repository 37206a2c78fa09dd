// Package bootvolume resolves the root filesystem's owning pool at boot
// time, from either the STRATIS_ROOTFS_UUID(S)/STRATIS_ROOTFS_POOL_UUID
// environment variables or the stratis.rootfs.pool_uuid /
// stratis.rootfs.uuid_paths kernel command-line keys (§6), grounded on
// original_source's src/bin/utils/generators/lib.rs get_kernel_cmdline.
package bootvolume

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

const (
	envRootfsUUID     = "STRATIS_ROOTFS_UUID"
	envRootfsUUIDs    = "STRATIS_ROOTFS_UUIDS"
	envRootfsPoolUUID = "STRATIS_ROOTFS_POOL_UUID"

	cmdlinePoolUUIDKey  = "stratis.rootfs.pool_uuid"
	cmdlineUUIDPathsKey = "stratis.rootfs.uuid_paths"

	defaultCmdlinePath = "/proc/cmdline"
)

// Cmdline is a parsed kernel command line: each key maps to every value it
// appeared with, in order, mirroring get_kernel_cmdline's
// HashMap<String, Option<Vec<String>>>. A key present with no `=value` maps
// to a nil slice, not an absent key.
type Cmdline map[string][]string

// ParseCmdline reads and parses /proc/cmdline.
func ParseCmdline() (Cmdline, error) {
	f, err := os.Open(defaultCmdlinePath)
	if err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "open_cmdline")
	}
	defer f.Close()
	return parseCmdlineReader(f)
}

func parseCmdlineReader(f *os.File) (Cmdline, error) {
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)

	cmdline := make(Cmdline)
	for scanner.Scan() {
		pair := scanner.Text()
		name, value, hasValue := strings.Cut(pair, "=")
		if !hasValue {
			if _, ok := cmdline[name]; !ok {
				cmdline[name] = nil
			}
			continue
		}
		cmdline[name] = append(cmdline[name], value)
	}
	if err := scanner.Err(); err != nil {
		return nil, stratis.Wrap(err, stratis.IoError).WithMetadata("op", "scan_cmdline")
	}
	return cmdline, nil
}

// RootPool is what the boot-time resolution path needs to know: either a
// single pool uuid (pool_uuid form), or a set of device uuid-to-path
// mappings the caller must resolve to a pool by opening each device's
// static header (uuid_paths form).
type RootPool struct {
	PoolId    uuid.UUID
	HasPoolId bool
	UUIDPaths map[uuid.UUID]string
}

// BindEnv wires the three STRATIS_ROOTFS_* environment variables into viper
// so ResolveRootPool can read them uniformly alongside config-file and
// command-line sources (§6, SPEC_FULL.md ambient configuration layer).
func BindEnv() error {
	for _, name := range []string{envRootfsUUID, envRootfsUUIDs, envRootfsPoolUUID} {
		if err := viper.BindEnv(name); err != nil {
			return err
		}
	}
	return nil
}

// ResolveRootPool applies §6's precedence: environment variables are
// consulted first (set by an earlier boot stage or a test harness),
// falling back to the kernel command line. STRATIS_ROOTFS_POOL_UUID and
// stratis.rootfs.pool_uuid both name a pool directly; STRATIS_ROOTFS_UUID(S)
// and stratis.rootfs.uuid_paths instead name individual device uuids that
// must be searched for.
func ResolveRootPool(cmdline Cmdline) (RootPool, error) {
	if v := viper.GetString(envRootfsPoolUUID); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return RootPool{}, stratis.Wrap(err, stratis.Invalid).WithMetadata("op", "parse_pool_uuid")
		}
		return RootPool{PoolId: id, HasPoolId: true}, nil
	}
	if values := cmdline[cmdlinePoolUUIDKey]; len(values) > 0 {
		id, err := uuid.Parse(values[len(values)-1])
		if err != nil {
			return RootPool{}, stratis.Wrap(err, stratis.Invalid).WithMetadata("op", "parse_pool_uuid")
		}
		return RootPool{PoolId: id, HasPoolId: true}, nil
	}

	uuids := deviceUUIDsFromEnv()
	if len(uuids) == 0 {
		uuids = cmdline[cmdlineUUIDPathsKey]
	}
	paths := make(map[uuid.UUID]string, len(uuids))
	for _, raw := range uuids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return RootPool{}, stratis.Wrap(err, stratis.Invalid).WithMetadata("op", "parse_device_uuid").WithMetadata("value", raw)
		}
		paths[id] = fmt.Sprintf("/dev/disk/by-id/stratis-%s", id)
	}
	return RootPool{UUIDPaths: paths}, nil
}

func deviceUUIDsFromEnv() []string {
	if v := viper.GetString(envRootfsUUID); v != "" {
		return []string{v}
	}
	if v := viper.GetString(envRootfsUUIDs); v != "" {
		return strings.Split(v, ",")
	}
	return nil
}
