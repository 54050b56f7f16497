package stego

// Dataset plumbing: the trainer consumes pairs of (cover, secret) image
// batches. PairedDataset adapts any two image sources; image sources can be an
// ImageNet-style directory tree (LoadImageFolder) or deterministic synthetic
// images (NewRandomImageDataset) for tests and smoke runs.

import (
	"image"
	"io"
	"io/fs"
	"math/rand"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/compute/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PairedDataset adapts a cover image source and a secret image source into
// the dataset consumed by the trainer: each yield produces
// inputs = [covers, secrets], with covers holding batchSize*numCovers
// individual images and secrets batchSize*numSecrets.
//
// Every yielded batch is shape-checked against the Config; a mismatch is
// fatal (ErrShapeMismatch) and names the offending source.
type PairedDataset struct {
	name            string
	cfg             *Config
	covers, secrets train.Dataset
	batchSize       int
}

// NewPairedDataset pairs the two sources. The cover source must be batched at
// batchSize*cfg.NumCovers rows and the secret source at
// batchSize*cfg.NumSecrets rows.
func NewPairedDataset(name string, cfg *Config, covers, secrets train.Dataset, batchSize int) *PairedDataset {
	return &PairedDataset{
		name:      name,
		cfg:       cfg,
		covers:    covers,
		secrets:   secrets,
		batchSize: batchSize,
	}
}

// Name implements train.Dataset.
func (pd *PairedDataset) Name() string { return pd.name }

// Reset implements train.Dataset, restarting both sources.
func (pd *PairedDataset) Reset() {
	pd.covers.Reset()
	pd.secrets.Reset()
}

// Yield implements train.Dataset. Either source reaching the end of an epoch
// ends the paired epoch.
func (pd *PairedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	_, coverInputs, _, err := pd.covers.Yield()
	if err != nil {
		return nil, nil, nil, err
	}
	_, secretInputs, _, err := pd.secrets.Yield()
	if err != nil {
		for _, t := range coverInputs {
			_ = t.FinalizeAll()
		}
		return nil, nil, nil, err
	}
	covers, secrets := coverInputs[0], secretInputs[0]
	if err = pd.checkBatch(covers, "covers", pd.cfg.CoverRows(pd.batchSize), pd.cfg.ChannelsCover); err != nil {
		return nil, nil, nil, err
	}
	if err = pd.checkBatch(secrets, "secrets", pd.cfg.SecretRows(pd.batchSize), pd.cfg.ChannelsSecret); err != nil {
		return nil, nil, nil, err
	}
	return pd, []*tensors.Tensor{covers, secrets}, nil, nil
}

func (pd *PairedDataset) checkBatch(t *tensors.Tensor, which string, wantRows, wantChannels int) error {
	size := pd.cfg.ImageSize
	want := shapes.Make(pd.cfg.DType, wantRows, size, size, wantChannels)
	if !t.Shape().Equal(want) {
		return errors.Wrapf(ErrShapeMismatch, "dataset %q yielded %s shaped %s, want %s",
			pd.name, which, t.Shape(), want)
	}
	return nil
}

// RandomImageDataset yields deterministic pseudo-random image batches: the
// same seed always produces the same sequence, also after Reset. Used in
// tests and for smoke-training without data on disk.
type RandomImageDataset struct {
	name       string
	seed       int64
	rows       int
	size       int
	channels   int
	numBatches int

	rng    *rand.Rand
	served int
}

// NewRandomImageDataset creates a dataset of numBatches batches of rows
// images, each [size, size, channels] with pixels uniform in [0, 1].
func NewRandomImageDataset(name string, seed int64, rows, size, channels, numBatches int) *RandomImageDataset {
	ds := &RandomImageDataset{
		name:       name,
		seed:       seed,
		rows:       rows,
		size:       size,
		channels:   channels,
		numBatches: numBatches,
	}
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *RandomImageDataset) Name() string { return ds.name }

// Reset implements train.Dataset, rewinding to the exact same sequence.
func (ds *RandomImageDataset) Reset() {
	ds.rng = rand.New(rand.NewSource(ds.seed))
	ds.served = 0
}

// Yield implements train.Dataset.
func (ds *RandomImageDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.served >= ds.numBatches {
		return nil, nil, nil, io.EOF
	}
	ds.served++
	flat := make([]float32, ds.rows*ds.size*ds.size*ds.channels)
	for i := range flat {
		flat[i] = ds.rng.Float32()
	}
	t := tensors.FromFlatDataAndDimensions(flat, ds.rows, ds.size, ds.size, ds.channels)
	return ds, []*tensors.Tensor{t}, nil, nil
}

// LoadImageFolder reads every .jpg/.jpeg/.png under dir (any nesting, so an
// ImageNet-style layout works as-is), resizes-and-center-crops each image to
// imageSize and returns them as an in-memory dataset of [n, imageSize,
// imageSize, 3] float32 images in [0, 1]. File order is sorted, so the
// dataset contents are reproducible.
//
// maxImages caps how many files are read; 0 means no cap.
func LoadImageFolder(backend backends.Backend, name, dir string, imageSize, maxImages int) (*datasets.InMemoryDataset, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scanning image folder %q", dir)
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images (.jpg/.jpeg/.png) found under %q", dir)
	}
	sort.Strings(paths)
	if maxImages > 0 && len(paths) > maxImages {
		paths = paths[:maxImages]
	}

	images := make([]image.Image, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding image %q", path)
		}
		images = append(images, imaging.Fill(img, imageSize, imageSize, imaging.Center, imaging.Lanczos))
	}
	imagesT := timage.ToTensor(dtypes.Float32).Batch(images)
	klog.V(1).Infof("loaded %s images (%dx%d) from %q",
		humanize.Comma(int64(len(images))), imageSize, imageSize, dir)

	ds, err := datasets.InMemoryFromData(backend, name, []any{imagesT}, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "building in-memory dataset from %q", dir)
	}
	return ds, nil
}
