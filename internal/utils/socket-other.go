//go:build !linux && !darwin && !windows

package utils

func setSocketOptions(fd uintptr) {}
