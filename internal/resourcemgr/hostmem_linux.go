//go:build linux

package resourcemgr

import "golang.org/x/sys/unix"

// ProbeHostMemoryMB reads the kernel's reported total RAM via sysinfo(2),
// used as a fallback when config.TotalMemory is left at its zero value.
func ProbeHostMemoryMB() (uint64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	totalBytes := uint64(info.Totalram) * uint64(info.Unit)
	return totalBytes / (1024 * 1024), true
}
