package files

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "tws_bridge.py"), nil, 0o644))

	cases := []struct {
		name    string
		dir     string
		expPath string
	}{
		{name: "in a parent", dir: nested, expPath: filepath.Join(root, "a", "tws_bridge.py")},
		{name: "in the dir itself", dir: filepath.Join(root, "a"), expPath: filepath.Join(root, "a", "tws_bridge.py")},
		{name: "only below the dir", dir: root, expPath: ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			path, err := FindUp("tws_bridge.py", c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.expPath, path)
		})
	}
}

func TestFindUpMissingDir(t *testing.T) {
	_, err := FindUp("tws_bridge.py", filepath.Join(t.TempDir(), "does-not-exist"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
