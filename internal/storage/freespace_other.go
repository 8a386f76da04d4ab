//go:build !unix

package storage

import "errors"

// FreeBytes is not available on this platform.
func FreeBytes(_ string) (uint64, error) {
	return 0, errors.New("free space check requires a unix platform")
}
