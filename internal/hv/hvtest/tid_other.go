//go:build !linux

package hvtest

// Thread identity is only checked on linux.
func gettid() int { return 0 }
