package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/slam/internal/slam"
)

func TestTransformAssignsNearestWord(t *testing.T) {
	centers := []slam.Descriptor{
		{0, 0, 0, 0},
		{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)},
	}
	v := New(centers)

	fs := slam.FeatureSet{
		Descriptors: []slam.Descriptor{
			{1, 0, 0, 0}, // close to center 0
		},
	}
	bow, featVec := v.Transform(fs)

	require.Len(t, bow, 1)
	assert.Contains(t, bow, uint32(0))
	assert.Equal(t, []int{0}, featVec[0])
}

func TestTransformNormalizesWeights(t *testing.T) {
	centers := []slam.Descriptor{{0, 0, 0, 0}, {1, 0, 0, 0}}
	v := New(centers)
	fs := slam.FeatureSet{Descriptors: []slam.Descriptor{{0, 0, 0, 0}, {0, 0, 0, 0}, {1, 0, 0, 0}}}

	bow, _ := v.Transform(fs)
	var total float64
	for _, w := range bow {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestSaveLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.bin")

	centers := []slam.Descriptor{{1, 2, 3, 4}, {5, 6, 7, 8}}
	require.NoError(t, Save(path, New(centers)))

	loaded, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, len(centers), loaded.NumWords())
}

func TestLoadRejectsPathOutsideDirectory(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(os.TempDir(), "outside-vocab.bin")
	_, err := Load(outside, dir)
	assert.Error(t, err)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a vocabulary file"), 0o600))

	_, err := Load(path, dir)
	assert.Error(t, err)
}
