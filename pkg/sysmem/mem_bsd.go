//go:build freebsd || openbsd || netbsd || dragonfly

package sysmem

import "golang.org/x/sys/unix"

// systemMemory reads hw.physmem, or hw.realmem on FreeBSD. Free memory is
// not reported.
func systemMemory() (total, avail uint64, ok bool) {
	for _, name := range []string{"hw.physmem", "hw.realmem"} {
		if mem, err := unix.SysctlUint64(name); err == nil && mem > 0 {
			return mem, 0, true
		}
	}
	return 0, 0, false
}
