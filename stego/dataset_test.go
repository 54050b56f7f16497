package stego

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestRandomImageDatasetDeterminism(t *testing.T) {
	const numBatches = 3
	dsA := NewRandomImageDataset("a", 17, 4, 8, 3, numBatches)
	dsB := NewRandomImageDataset("b", 17, 4, 8, 3, numBatches)

	var firstBatch []float32
	for i := 0; i < numBatches; i++ {
		_, inputsA, _, err := dsA.Yield()
		require.NoError(t, err)
		_, inputsB, _, err := dsB.Yield()
		require.NoError(t, err)
		assert.Equal(t, []int{4, 8, 8, 3}, inputsA[0].Shape().Dimensions)
		tensors.MustConstFlatData[float32](inputsA[0], func(flatA []float32) {
			tensors.MustConstFlatData[float32](inputsB[0], func(flatB []float32) {
				assert.Equal(t, flatA, flatB, "batch %d differs between same-seed datasets", i)
			})
			if i == 0 {
				firstBatch = append([]float32(nil), flatA...)
			}
		})
	}
	_, _, _, err := dsA.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset rewinds to the exact same sequence.
	dsA.Reset()
	_, inputs, _, err := dsA.Yield()
	require.NoError(t, err)
	tensors.MustConstFlatData[float32](inputs[0], func(flat []float32) {
		assert.Equal(t, firstBatch, flat)
	})
}

func TestPairedDataset(t *testing.T) {
	const numBatches = 2
	ctx := smallTestContext(map[string]any{
		ParamNumSecrets: 3,
		ParamNumCovers:  2,
	})
	cfg, err := NewConfig(nil, ctx, "")
	require.NoError(t, err)

	covers := NewRandomImageDataset("covers", cfg.Seed,
		cfg.CoverRows(cfg.BatchSize), cfg.ImageSize, cfg.ChannelsCover, numBatches)
	secrets := NewRandomImageDataset("secrets", cfg.Seed+1,
		cfg.SecretRows(cfg.BatchSize), cfg.ImageSize, cfg.ChannelsSecret, numBatches)
	pd := NewPairedDataset("paired", cfg, covers, secrets, cfg.BatchSize)

	for i := 0; i < numBatches; i++ {
		_, inputs, labels, err := pd.Yield()
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		assert.Nil(t, labels)
		assert.Equal(t,
			[]int{cfg.CoverRows(cfg.BatchSize), cfg.ImageSize, cfg.ImageSize, cfg.ChannelsCover},
			inputs[0].Shape().Dimensions)
		assert.Equal(t,
			[]int{cfg.SecretRows(cfg.BatchSize), cfg.ImageSize, cfg.ImageSize, cfg.ChannelsSecret},
			inputs[1].Shape().Dimensions)
	}
	_, _, _, err = pd.Yield()
	assert.Equal(t, io.EOF, err)

	pd.Reset()
	_, _, _, err = pd.Yield()
	assert.NoError(t, err)
}

func TestPairedDatasetShapeMismatch(t *testing.T) {
	ctx := smallTestContext(nil)
	cfg, err := NewConfig(nil, ctx, "")
	require.NoError(t, err)

	covers := NewRandomImageDataset("covers", 1,
		cfg.CoverRows(cfg.BatchSize), cfg.ImageSize, cfg.ChannelsCover, 1)
	// Wrong channel count for the secrets.
	secrets := NewRandomImageDataset("secrets", 2,
		cfg.SecretRows(cfg.BatchSize), cfg.ImageSize, cfg.ChannelsSecret+1, 1)
	pd := NewPairedDataset("mismatched", cfg, covers, secrets, cfg.BatchSize)

	_, _, _, err = pd.Yield()
	require.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "secrets")
}

func TestLoadImageFolder(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"b.png", "a.png", "nested/c.png"} {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		img := image.NewRGBA(image.Rect(0, 0, 12, 10))
		for y := 0; y < 10; y++ {
			for x := 0; x < 12; x++ {
				img.Set(x, y, color.RGBA{R: uint8(40 * i), G: uint8(x * 20), B: uint8(y * 25), A: 255})
			}
		}
		f, err := os.Create(p)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	// Unrelated files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	backend := graphtest.BuildTestBackend()
	base, err := LoadImageFolder(backend, "test", dir, 8, 0)
	require.NoError(t, err)

	ds := base.BatchSize(3, true)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8, 3}, inputs[0].Shape().Dimensions)

	// Pixels are scaled to [0, 1].
	tensors.MustConstFlatData[float32](inputs[0], func(flat []float32) {
		for _, v := range flat {
			require.GreaterOrEqual(t, v, float32(0))
			require.LessOrEqual(t, v, float32(1))
		}
	})

	_, err = LoadImageFolder(backend, "empty", t.TempDir(), 8, 0)
	require.Error(t, err)
}

func TestLoadImageFolderMaxImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		f, err := os.Create(filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}
	backend := graphtest.BuildTestBackend()
	base, err := LoadImageFolder(backend, "capped", dir, 8, 2)
	require.NoError(t, err)
	ds := base.BatchSize(2, true)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, 2, inputs[0].Shape().Dimensions[0])
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
}
