package archive

import (
	"errors"
	"io/fs"
	"os"
)

// Host provides the filesystem capabilities extraction depends on.
type Host interface {
	MkdirAll(path string, perm fs.FileMode) error
	Remove(path string) error
}

// OSHost implements Host with the os package. Remove ignores missing
// paths.
type OSHost struct{}

// MkdirAll implements Host.
func (OSHost) MkdirAll(path string, perm fs.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Remove implements Host.
func (OSHost) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
