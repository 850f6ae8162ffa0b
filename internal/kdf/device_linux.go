//go:build linux

package kdf

import (
	"runtime"

	"golang.org/x/sys/unix"
)

const constrainedRAM = 4 << 30

func totalRAM() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return uint64(info.Totalram) * uint64(info.Unit)
}

// DetectClass guesses whether the host is memory or CPU constrained.
func DetectClass() Class {
	if ram := totalRAM(); ram != 0 && ram <= constrainedRAM {
		return Constrained
	}
	if runtime.NumCPU() <= 2 || runtime.GOARCH == "arm" {
		return Constrained
	}
	return Desktop
}

// memoryBudgetKiB is half of physical RAM, or 0 when unknown.
func memoryBudgetKiB() uint64 {
	return totalRAM() / 2 / 1024
}
