//go:build unix

package storage

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeBytes returns the bytes available to unprivileged users on the filesystem holding path.
// If path does not exist yet, its nearest existing ancestor is measured.
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	target := nearestExisting(path)
	if err := unix.Statfs(target, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", target, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}
