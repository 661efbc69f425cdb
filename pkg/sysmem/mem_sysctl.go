//go:build darwin || freebsd || openbsd || netbsd || dragonfly

package sysmem

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func sysctlKeys() []string {
	if runtime.GOOS == "darwin" {
		return []string{"hw.memsize"}
	}
	return []string{"hw.physmem", "hw.realmem"}
}

func probe() (uint64, string, bool) {
	for _, key := range sysctlKeys() {
		if mem, err := unix.SysctlUint64(key); err == nil && mem > 0 {
			return mem, "sysctl:" + key, true
		}
	}
	return 0, "", false
}
