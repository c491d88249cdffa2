//go:build linux || darwin || freebsd || openbsd || netbsd

package file

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmap(f *os.File, offset int64, length int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), offset, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}
