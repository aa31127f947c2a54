//go:build windows

package repository

import (
	"golang.org/x/sys/windows"
)

// FreeDiskSpace returns the bytes available to the caller on the volume
// holding path.
func FreeDiskSpace(path string) (uint64, error) {
	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var freeBytes, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(ptr, &freeBytes, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return freeBytes, nil
}
