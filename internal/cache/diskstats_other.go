//go:build !linux

package cache

// FreeBytes is not implemented on non-Linux platforms. A zero result means
// "unknown", not "disk full".
func FreeBytes(_ string) uint64 { return 0 }
