// Package dmname formats and parses the device-mapper node names described
// in §6 EXTERNAL INTERFACES: the udev symlink helper round-trips a thin
// filesystem's node name back into its (PoolId, FilesystemId) pair.
package dmname

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stratis-storage/stratisd-sub004/internal/stratis"
)

const prefix = "stratis"

// ThinFilesystem formats a filesystem thin device's node name:
// `stratis-<fmt>-<pool-id-hex>-thin-fs-<fs-id-hex>`.
func ThinFilesystem(format stratis.FormatVersion, poolId stratis.PoolId, fsId stratis.FilesystemId) string {
	return fmt.Sprintf("%s-%d-%s-thin-fs-%s", prefix, format, hex(poolId), hex(fsId))
}

// PhysicalOriginSub formats a data-tier sub-device name:
// `stratis-<fmt>-<pool-id-hex>-physical-originsub`.
func PhysicalOriginSub(format stratis.FormatVersion, poolId stratis.PoolId) string {
	return fmt.Sprintf("%s-%d-%s-physical-originsub", prefix, format, hex(poolId))
}

// PhysicalCacheSub formats a cache-tier sub-device name:
// `stratis-<fmt>-<pool-id-hex>-physical-cachesub`.
func PhysicalCacheSub(format stratis.FormatVersion, poolId stratis.PoolId) string {
	return fmt.Sprintf("%s-%d-%s-physical-cachesub", prefix, format, hex(poolId))
}

// PhysicalCryptSub formats an encrypted member device's crypt-mapping name:
// `stratis-<fmt>-<pool-id-hex>-crypt-<dev-id-hex>`.
func PhysicalCryptSub(format stratis.FormatVersion, poolId stratis.PoolId, devId stratis.DevId) string {
	return fmt.Sprintf("%s-%d-%s-crypt-%s", prefix, format, hex(poolId), hex(devId))
}

// ThinPoolPool formats the thin-pool target's own node name:
// `stratis-<fmt>-<pool-id-hex>-thinpool-pool`.
func ThinPoolPool(format stratis.FormatVersion, poolId stratis.PoolId) string {
	return fmt.Sprintf("%s-%d-%s-thinpool-pool", prefix, format, hex(poolId))
}

// ParseThinFilesystem parses a name produced by ThinFilesystem back into its
// (PoolId, FilesystemId) pair, the operation §3 requires for udev symlink
// helpers.
func ParseThinFilesystem(name string) (stratis.PoolId, stratis.FilesystemId, error) {
	parts := strings.Split(name, "-")
	// stratis, fmt, poolhex, thin, fs, fshex
	if len(parts) != 6 || parts[0] != prefix || parts[3] != "thin" || parts[4] != "fs" {
		return stratis.PoolId{}, stratis.FilesystemId{}, fmt.Errorf("%q is not a stratis thin-filesystem node name", name)
	}
	if _, err := strconv.ParseUint(parts[1], 10, 32); err != nil {
		return stratis.PoolId{}, stratis.FilesystemId{}, fmt.Errorf("invalid format version in %q: %w", name, err)
	}
	poolId, err := unhex(parts[2])
	if err != nil {
		return stratis.PoolId{}, stratis.FilesystemId{}, fmt.Errorf("invalid pool id in %q: %w", name, err)
	}
	fsId, err := unhex(parts[5])
	if err != nil {
		return stratis.PoolId{}, stratis.FilesystemId{}, fmt.Errorf("invalid filesystem id in %q: %w", name, err)
	}
	return poolId, fsId, nil
}

func hex(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

func unhex(s string) (uuid.UUID, error) {
	if len(s) != 32 {
		return uuid.UUID{}, fmt.Errorf("%q is not a 32-character hex uuid", s)
	}
	dashed := fmt.Sprintf("%s-%s-%s-%s-%s", s[0:8], s[8:12], s[12:16], s[16:20], s[20:32])
	return uuid.Parse(dashed)
}
