package datasets

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flow "github.com/juicywoowowow/flowtrain/src"
)

// indexSet stores the sample index in its label and single pixel.
func indexSet(n int) *Set {
	set := &Set{
		Info:   Info{ID: "index", Shape: []int{1}, Classes: n, Mean: []float64{0}, Std: []float64{1}},
		Pixels: make([]byte, n),
		Labels: make([]int, n),
	}
	for i := range n {
		set.Pixels[i] = byte(i)
		set.Labels[i] = i
	}
	return set
}

func collect(t *testing.T, src Source) []flow.Batch {
	t.Helper()
	var out []flow.Batch
	for b, err := range src.Batches(context.Background()) {
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func labels(batches []flow.Batch) []int {
	var out []int
	for _, b := range batches {
		out = append(out, b.Labels...)
	}
	return out
}

func TestLookup(t *testing.T) {
	info, err := Lookup(" CIFAR10 ")
	require.NoError(t, err)
	assert.Equal(t, []int{32, 32, 3}, info.Shape)
	assert.Equal(t, 3072, info.SampleSize())

	_, err = Lookup("imagenet")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "fashion_mnist")
}

func TestSplit(t *testing.T) {
	train, val, err := Split(indexSet(50), 16, 0.8, 1)
	require.NoError(t, err)

	assert.Equal(t, 40, train.Samples())
	assert.Equal(t, 3, train.Len())
	assert.Equal(t, 10, val.Samples())
	assert.Equal(t, 1, val.Len())

	first := collect(t, train)
	require.Len(t, first, 3)
	assert.Len(t, first[2].Labels, 8)
	for _, b := range first {
		assert.Len(t, b.Inputs, len(b.Labels))
		for i, l := range b.Labels {
			assert.InDelta(t, float64(l)/255, b.Inputs[i], 1e-12)
		}
	}

	seen := map[int]bool{}
	for _, l := range append(labels(first), labels(collect(t, val))...) {
		assert.False(t, seen[l], "sample %d appears twice", l)
		seen[l] = true
	}
	assert.Len(t, seen, 50)

	second := labels(collect(t, train))
	assert.ElementsMatch(t, labels(first), second)
	assert.NotEqual(t, labels(first), second, "training order is reshuffled each pass")

	assert.Equal(t, labels(collect(t, val)), labels(collect(t, val)), "validation order is fixed")
}

func TestSplitIsSeeded(t *testing.T) {
	a, _, err := Split(indexSet(20), 4, 0.5, 9)
	require.NoError(t, err)
	b, _, err := Split(indexSet(20), 4, 0.5, 9)
	require.NoError(t, err)
	assert.Equal(t, labels(collect(t, a)), labels(collect(t, b)))
}

func TestSplitErrors(t *testing.T) {
	tests := []struct {
		name      string
		set       *Set
		batchSize int
		split     float64
		want      error
	}{
		{"zero batch size", indexSet(4), 0, 0.5, ErrSplit},
		{"split zero", indexSet(4), 2, 0, ErrSplit},
		{"split one", indexSet(4), 2, 1, ErrSplit},
		{"no training sample", indexSet(1), 2, 0.5, ErrSplit},
		{"bad label", &Set{Info: indexSet(2).Info, Pixels: []byte{0, 1}, Labels: []int{0, 2}}, 1, 0.5, ErrUnavailable},
		{"pixel count", &Set{Info: indexSet(2).Info, Pixels: []byte{0}, Labels: []int{0, 1}}, 1, 0.5, ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Split(tt.set, tt.batchSize, tt.split, 1)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBatchesStop(t *testing.T) {
	train, _, err := Split(indexSet(10), 2, 0.9, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var errs []error
	for _, err := range train.Batches(ctx) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)

	n := 0
	for range train.Batches(context.Background()) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestNormalization(t *testing.T) {
	set := &Set{
		Info:   Info{ID: "rgb", Shape: []int{1, 1, 2}, Classes: 1, Mean: []float64{0.5, 0}, Std: []float64{0.25, 1}},
		Pixels: []byte{255, 0, 0, 255},
		Labels: []int{0, 0},
	}
	src := &source{set: set, idx: []int{0, 1}, batchSize: 2}
	b := src.batch([]int{0, 1})
	assert.Equal(t, []float64{2, 0, -2, 1}, b.Inputs)
}

func writeIDX(t *testing.T, path string, dims []int, data []byte, compress bool) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	var buf bytes.Buffer
	if compress {
		zw := gzip.NewWriter(&buf)
		require.NoError(t, WriteIDX(zw, dims, data))
		require.NoError(t, zw.Close())
	} else {
		require.NoError(t, WriteIDX(&buf, dims, data))
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func writeMNIST(t *testing.T, dir string, n int, compress bool) {
	t.Helper()
	ext := ""
	if compress {
		ext = ".gz"
	}
	pixels := make([]byte, n*28*28)
	for i := range pixels {
		pixels[i] = byte(i)
	}
	lbls := make([]byte, n)
	for i := range lbls {
		lbls[i] = byte(i % 10)
	}
	writeIDX(t, filepath.Join(dir, idxTrainImages+ext), []int{n, 28, 28}, pixels, compress)
	writeIDX(t, filepath.Join(dir, idxTrainLabels+ext), []int{n}, lbls, compress)
}

func TestReadIDX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIDX(&buf, []int{2, 3}, []byte{1, 2, 3, 4, 5, 6}))

	dims, data, err := ReadIDX(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, dims)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, data)

	_, _, err = ReadIDX(bytes.NewReader(buf.Bytes()[:10]))
	assert.Error(t, err)

	_, _, err = ReadIDX(bytes.NewReader([]byte{0, 0, 0x0d, 1, 0, 0, 0, 0}))
	assert.ErrorContains(t, err, "element type")
}

func TestDiskMNIST(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, filepath.Join(dir, MNIST), 12, true)

	d := NewDisk(DiskConfig{Dir: dir, Seed: 1})
	shape, err := d.Shape(context.Background(), MNIST)
	require.NoError(t, err)
	assert.Equal(t, []int{28, 28, 1}, shape)

	set, err := d.Load(context.Background(), MNIST)
	require.NoError(t, err)
	assert.Equal(t, 12, set.Len())
	assert.Equal(t, 3, set.Labels[3])

	again, err := d.Load(context.Background(), "MNIST")
	require.NoError(t, err)
	assert.Same(t, set, again)

	train, val, err := d.Loaders(context.Background(), MNIST, 4, 0.75)
	require.NoError(t, err)
	assert.Equal(t, 9, train.Samples())
	assert.Equal(t, 3, train.Len())
	assert.Equal(t, 3, val.Samples())
	assert.Len(t, collect(t, train)[0].Inputs, 4*784)
}

func TestDiskVerifiesDigests(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, filepath.Join(dir, MNIST), 2, true)

	_, err := NewDisk(DiskConfig{Dir: dir, Verify: true}).Load(context.Background(), MNIST)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorContains(t, err, "sha256")
}

func TestDiskUncompressedFashion(t *testing.T) {
	dir := t.TempDir()
	writeMNIST(t, filepath.Join(dir, FashionMNIST), 5, false)

	set, err := NewDisk(DiskConfig{Dir: dir, Verify: true}).Load(context.Background(), FashionMNIST)
	require.NoError(t, err)
	assert.Equal(t, 5, set.Len())
	assert.Equal(t, FashionMNIST, set.Info.ID)
}

func TestDiskCIFAR(t *testing.T) {
	dir := filepath.Join(t.TempDir(), CIFAR10)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	rec := make([]byte, cifarRecord)
	rec[0] = 7
	rec[1] = 10              // red, pixel 0
	rec[1+cifarPlane] = 20   // green, pixel 0
	rec[1+2*cifarPlane] = 30 // blue, pixel 0
	rec[2] = 11              // red, pixel 1
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data_batch_1.bin"), append(rec, rec...), 0o644))

	set, err := NewDisk(DiskConfig{Dir: filepath.Dir(dir)}).Load(context.Background(), CIFAR10)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 7}, set.Labels)
	assert.Equal(t, []byte{10, 20, 30, 11}, set.Pixels[:4])
	assert.Len(t, set.Pixels, 2*3072)

	set, err = NewDisk(DiskConfig{Dir: t.TempDir(), CIFARDir: dir}).Load(context.Background(), CIFAR10)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "data_batch_1.bin"), rec[:100], 0o644))
	_, err = NewDisk(DiskConfig{Dir: filepath.Dir(dir)}).Load(context.Background(), CIFAR10)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDiskMissing(t *testing.T) {
	d := NewDisk(DiskConfig{Dir: t.TempDir()})

	_, _, err := d.Loaders(context.Background(), MNIST, 2, 0.5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = d.Shape(context.Background(), SyntheticID)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSynthetic(t *testing.T) {
	s := Synthetic{Samples: 30, Seed: 4}

	a, err := s.Generate(CIFAR10)
	require.NoError(t, err)
	b, err := s.Generate(CIFAR10)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a.Pixels, 30*3072)
	assert.Equal(t, 9, a.Labels[29])

	train, val, err := s.Loaders(context.Background(), SyntheticID, 4, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 15, train.Samples())
	assert.Equal(t, 4, train.Len())
	assert.Equal(t, 15, val.Samples())

	shape, err := s.Shape(context.Background(), SyntheticID)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 1}, shape)
}

func TestMux(t *testing.T) {
	ctx := context.Background()
	m := Mux{
		Default: NewDisk(DiskConfig{Dir: t.TempDir()}),
		Routes:  map[string]Provider{SyntheticID: Synthetic{Samples: 20, Seed: 1}},
	}

	shape, err := m.Shape(ctx, "Synthetic")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 1}, shape)
	train, _, err := m.Loaders(ctx, SyntheticID, 5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 10, train.Samples())

	shape, err = m.Shape(ctx, MNIST)
	require.NoError(t, err)
	assert.Equal(t, []int{28, 28, 1}, shape)
	_, _, err = m.Loaders(ctx, MNIST, 5, 0.5)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = m.Shape(ctx, "imagenet")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = Mux{}.Shape(ctx, MNIST)
	assert.ErrorIs(t, err, ErrUnavailable)
}
