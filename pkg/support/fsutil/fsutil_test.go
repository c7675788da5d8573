package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandHome(t *testing.T) {
	usr, err := user.Current()
	require.NoError(t, err)
	for path, want := range map[string]string{
		"":              "",
		"/tmp/x.npy":    "/tmp/x.npy",
		"data/~x.npy":   "data/~x.npy",
		"~":             usr.HomeDir,
		"~/config.yaml": filepath.Join(usr.HomeDir, "config.yaml"),
	} {
		got, err := ExpandHome(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	got, err := ExpandHome("~" + usr.Username + "/a/b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "a/b"), got)
	_, err = ExpandHome("~no-such-user-for-tilegrid/x")
	require.Error(t, err)
}

func TestExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "budgets.yaml")
	_, err := ExistingFile(path)
	require.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	got, err := ExistingFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	exists, err := FileExists(dir)
	require.NoError(t, err)
	assert.True(t, exists)
}
