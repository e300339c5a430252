//go:build linux

package cache

import "syscall"

// FreeBytes returns the bytes available to unprivileged processes on the
// filesystem holding path, or 0 when it cannot be determined.
func FreeBytes(path string) uint64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	return st.Bavail * uint64(st.Bsize)
}
