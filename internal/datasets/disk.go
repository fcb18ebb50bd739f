package datasets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	idxTrainImages = "train-images-idx3-ubyte"
	idxTrainLabels = "train-labels-idx1-ubyte"
)

// Published SHA-256 digests of the gzipped MNIST training files.
var mnistDigests = map[string]string{
	idxTrainImages + ".gz": "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	idxTrainLabels + ".gz": "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
}

// DiskConfig configures a Disk provider.
type DiskConfig struct {
	Dir      string // holds mnist/, fashion_mnist/ and cifar10/
	CIFARDir string // replaces <Dir>/cifar10 when set
	Seed     int64  // split and shuffle seed
	Verify   bool   // check digests of known files
	Logger   *slog.Logger
}

// Disk loads datasets from local files and keeps them in memory once read.
//
//	<dir>/mnist/train-images-idx3-ubyte[.gz]
//	<dir>/mnist/train-labels-idx1-ubyte[.gz]
//	<dir>/fashion_mnist/...        same names as mnist
//	<dir>/cifar10/data_batch_{1..5}.bin
type Disk struct {
	cfg    DiskConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Set
}

// NewDisk returns a Disk provider.
func NewDisk(cfg DiskConfig) *Disk {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Disk{cfg: cfg, logger: logger, cache: make(map[string]*Set)}
}

// Shape implements Provider.
func (d *Disk) Shape(_ context.Context, id string) ([]int, error) {
	info, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	if info.ID == SyntheticID {
		return nil, fmt.Errorf("%w: %q is not stored on disk", ErrUnavailable, id)
	}
	return append([]int(nil), info.Shape...), nil
}

// Loaders implements Provider.
func (d *Disk) Loaders(ctx context.Context, id string, batchSize int, trainSplit float64) (Source, Source, error) {
	set, err := d.Load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return Split(set, batchSize, trainSplit, d.cfg.Seed)
}

// Load reads the training portion of a dataset, or returns the cached copy.
func (d *Disk) Load(ctx context.Context, id string) (*Set, error) {
	info, err := Lookup(id)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.cache[info.ID]; ok {
		return set, nil
	}

	dir := filepath.Join(d.cfg.Dir, info.ID)
	if info.ID == CIFAR10 && d.cfg.CIFARDir != "" {
		dir = d.cfg.CIFARDir
	}
	var set *Set
	switch info.ID {
	case MNIST, FashionMNIST:
		set, err = d.loadIDX(ctx, info, dir)
	case CIFAR10:
		set, err = d.loadCIFAR(ctx, info, dir)
	default:
		err = fmt.Errorf("%w: %q is not stored on disk", ErrUnavailable, id)
	}
	if err != nil {
		return nil, err
	}
	if err := set.check(); err != nil {
		return nil, err
	}

	d.logger.Info("dataset loaded", "dataset", info.ID, "samples", set.Len(), "dir", dir)
	d.cache[info.ID] = set
	return set, nil
}

func (d *Disk) loadIDX(ctx context.Context, info Info, dir string) (*Set, error) {
	imgDims, pixels, err := d.readIDX(ctx, info.ID, dir, idxTrainImages)
	if err != nil {
		return nil, err
	}
	lblDims, raw, err := d.readIDX(ctx, info.ID, dir, idxTrainLabels)
	if err != nil {
		return nil, err
	}

	if len(imgDims) != 3 || imgDims[1] != info.Shape[0] || imgDims[2] != info.Shape[1] {
		return nil, fmt.Errorf("%w: %s images have dimensions %v, want [n %d %d]", ErrUnavailable, info.ID, imgDims, info.Shape[0], info.Shape[1])
	}
	if len(lblDims) != 1 || lblDims[0] != imgDims[0] {
		return nil, fmt.Errorf("%w: %s has %v labels for %d images", ErrUnavailable, info.ID, lblDims, imgDims[0])
	}

	labels := make([]int, len(raw))
	for i, l := range raw {
		labels[i] = int(l)
	}
	return &Set{Info: info, Pixels: pixels, Labels: labels}, nil
}

func (d *Disk) readIDX(ctx context.Context, id, dir, name string) ([]int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	path, err := findFile(dir, name+".gz", name)
	if err != nil {
		return nil, nil, err
	}
	if err := d.verify(id, path); err != nil {
		return nil, nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	dims, data, err := ReadIDX(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	return dims, data, nil
}

func (d *Disk) loadCIFAR(ctx context.Context, info Info, dir string) (*Set, error) {
	set := &Set{Info: info}
	for i := 1; i <= 5; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("data_batch_%d.bin", i)
		path, err := findFile(dir, name, filepath.Join("cifar-10-batches-bin", name))
		if err != nil {
			// later batches are optional so that partial copies still train
			if i > 1 && errors.Is(err, fs.ErrNotExist) {
				break
			}
			return nil, err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		pixels, labels, err := ReadCIFAR(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
		}
		set.Pixels = append(set.Pixels, pixels...)
		set.Labels = append(set.Labels, labels...)
	}
	return set, nil
}

func (d *Disk) verify(id, path string) error {
	if !d.cfg.Verify || id != MNIST {
		return nil
	}
	want, ok := mnistDigests[filepath.Base(path)]
	if !ok {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("%w: hash %s: %v", ErrUnavailable, path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("%w: %s has sha256 %s, want %s", ErrUnavailable, path, got, want)
	}
	return nil
}

// findFile returns the first candidate that exists under dir.
func findFile(dir string, candidates ...string) (string, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return "", fmt.Errorf("%w: none of %v found in %s: %w", ErrUnavailable, candidates, dir, fs.ErrNotExist)
}
