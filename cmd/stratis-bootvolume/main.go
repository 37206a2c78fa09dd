// Command stratis-bootvolume resolves which pool owns the root filesystem at
// boot, reading the STRATIS_ROOTFS_* environment variables and the
// stratis.rootfs.* kernel command-line keys (§6), and prints the result so a
// systemd generator unit (original_source's src/bin/generators, out of scope
// here) can decide which devices to wait for before switching root.
package main

import (
	"fmt"
	"os"

	"github.com/stratis-storage/stratisd-sub004/internal/bootvolume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := bootvolume.BindEnv(); err != nil {
		return err
	}
	cmdline, err := bootvolume.ParseCmdline()
	if err != nil {
		return err
	}
	rootPool, err := bootvolume.ResolveRootPool(cmdline)
	if err != nil {
		return err
	}

	if rootPool.HasPoolId {
		fmt.Printf("pool_uuid=%s\n", rootPool.PoolId)
		return nil
	}
	for id, path := range rootPool.UUIDPaths {
		fmt.Printf("device_uuid=%s path=%s\n", id, path)
	}
	return nil
}
