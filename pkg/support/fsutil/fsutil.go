// Package fsutil resolves the user supplied paths of configuration and .npy files.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists, or an error if the file system failed.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandHome replaces a leading "~" or "~user" by the home directory of the current (or the named)
// user. Other paths, including the empty one, are returned unchanged.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	name, rest, _ := strings.Cut(path[1:], "/")
	var (
		usr *user.User
		err error
	)
	if name == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find the home directory in path %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ExistingFile expands the home directory of path and checks that the file exists.
func ExistingFile(path string) (string, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	exists, err := FileExists(expanded)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errors.Errorf("file %q not found", path)
	}
	return expanded, nil
}
