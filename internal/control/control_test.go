package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAdvancesGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctl", "map.ctl")
	c, err := OpenOrCreate(path)
	require.NoError(t, err)

	assert.Zero(t, c.Generation())
	gen, err := c.Publish("/data/map.db", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, "/data/map.db", c.StorePath())
	assert.Equal(t, uint64(3), c.Tiles())
	require.NoError(t, c.Close())

	// state survives reopen
	c, err = OpenOrCreate(path)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	assert.Equal(t, uint64(1), c.Generation())
	assert.Equal(t, "/data/map.db", c.StorePath())
}

func TestRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "other.ctl")
	buf := make([]byte, ControlSize)
	copy(buf, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err := OpenOrCreate(path)
	assert.ErrorContains(t, err, "invalid magic")
}

func TestPublishRejectsLongPath(t *testing.T) {
	c, err := OpenOrCreate(filepath.Join(t.TempDir(), "map.ctl"))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	_, err = c.Publish(string(long), 0)
	assert.Error(t, err)
	assert.Zero(t, c.Generation())
}
