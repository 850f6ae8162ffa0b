//go:build !linux

package kdf

import "runtime"

// DetectClass guesses whether the host is memory or CPU constrained.
func DetectClass() Class {
	switch runtime.GOOS {
	case "android", "ios", "js", "wasip1":
		return Constrained
	}
	if runtime.NumCPU() <= 2 || runtime.GOARCH == "arm" {
		return Constrained
	}
	return Desktop
}

func memoryBudgetKiB() uint64 { return 0 }
