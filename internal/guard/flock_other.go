//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package guard

import (
	"errors"
	"os"
)

// Without flock, a sibling marker file created with O_EXCL acts as the lock.
// A crashed holder leaves the marker behind and must be cleaned up by hand.

func tryLock(f *os.File) (bool, error) {
	m, err := os.OpenFile(f.Name()+".held", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, m.Close()
}

func unlock(f *os.File) error {
	return os.Remove(f.Name() + ".held")
}
