package metadata

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BlockDevice is the narrow I/O surface the codec needs. *os.File
// satisfies it; tests substitute an in-memory fake.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() error
}

// OpenBlockDevice opens path for direct reads and writes of header and
// metadata regions.
func OpenBlockDevice(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0)
}

// SizeInSectors returns the device's capacity in 512-byte sectors using the
// BLKGETSIZE64 ioctl, the same call the pack's go-luks2 adapter uses to size
// a crypt segment when it is "dynamic".
func SizeInSectors(f *os.File) (uint64, error) {
	var sizeBytes uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&sizeBytes)))
	if errno != 0 {
		info, err := f.Stat()
		if err != nil {
			return 0, fmt.Errorf("failed to get device size: %w", err)
		}
		return uint64(info.Size()) / 512, nil
	}
	return sizeBytes / 512, nil
}
