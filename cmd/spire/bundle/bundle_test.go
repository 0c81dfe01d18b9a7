package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptSearchOrder(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(second, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(second, "scripts", "bootstrap-ec2.sh"), []byte("#!/bin/sh\necho ok\n"), 0o644))

	l := &Locator{Dirs: []string{first, second}}
	s, err := l.Script("scripts/bootstrap-ec2.sh")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "scripts", "bootstrap-ec2.sh"), s.Path)
	assert.Equal(t, "#!/bin/sh\necho ok\n", string(s.Data))
	assert.Len(t, s.SHA256, 64)

	require.NoError(t, os.MkdirAll(filepath.Join(first, "scripts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first, "scripts", "bootstrap-ec2.sh"), []byte("#!/bin/sh\n"), 0o644))
	s, err = l.Script("scripts/bootstrap-ec2.sh")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "scripts", "bootstrap-ec2.sh"), s.Path)
}

func TestScriptAbsolutePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.sh")
	require.NoError(t, os.WriteFile(path, []byte("true\n"), 0o644))

	s, err := (&Locator{}).Script(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path)
}

func TestScriptErrors(t *testing.T) {
	dir := t.TempDir()
	l := &Locator{Dirs: []string{dir}}

	_, err := l.Script("missing.sh")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = l.Script("")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.sh"), nil, 0o644))
	_, err = l.Script("empty.sh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is empty")

	require.NoError(t, os.Mkdir(filepath.Join(dir, "adir"), 0o755))
	_, err = l.Find("adir")
	assert.True(t, errors.Is(err, ErrNotFound))
}
