//go:build linux

package sysmem

import "golang.org/x/sys/unix"

func probe() (uint64, string, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, "", false
	}
	return uint64(info.Totalram) * uint64(info.Unit), "sysinfo", true
}
