//go:build !windows

package repository

import (
	"golang.org/x/sys/unix"
)

// FreeDiskSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func FreeDiskSpace(path string) (uint64, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, err
	}
	return uint64(fs.Bavail) * uint64(fs.Bsize), nil
}
