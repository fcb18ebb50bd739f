// Package datasets provides the image datasets a training job can run on and
// splits them into shuffled train and validation batch sources.
package datasets

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand"
	"sort"
	"strings"

	flow "github.com/juicywoowowow/flowtrain/src"
)

var (
	// ErrUnavailable is wrapped when a dataset is unknown or cannot be read.
	ErrUnavailable = errors.New("datasets: dataset unavailable")
	// ErrSplit is wrapped when batch size or train split cannot be satisfied.
	ErrSplit = errors.New("datasets: invalid split")
)

// Dataset ids.
const (
	MNIST        = "mnist"
	FashionMNIST = "fashion_mnist"
	CIFAR10      = "cifar10"
	SyntheticID  = "synthetic"
)

// Info describes a dataset. Shape is HWC. Mean and Std are per channel on
// pixels scaled to [0, 1].
type Info struct {
	ID      string
	Shape   []int
	Classes int
	Mean    []float64
	Std     []float64
}

// SampleSize is the number of values in one sample.
func (i Info) SampleSize() int {
	n := 1
	for _, s := range i.Shape {
		n *= s
	}
	return n
}

var registry = map[string]Info{
	MNIST: {
		ID: MNIST, Shape: []int{28, 28, 1}, Classes: 10,
		Mean: []float64{0.1307}, Std: []float64{0.3081},
	},
	FashionMNIST: {
		ID: FashionMNIST, Shape: []int{28, 28, 1}, Classes: 10,
		Mean: []float64{0.2860}, Std: []float64{0.3530},
	},
	CIFAR10: {
		ID: CIFAR10, Shape: []int{32, 32, 3}, Classes: 10,
		Mean: []float64{0.4914, 0.4822, 0.4465}, Std: []float64{0.2470, 0.2435, 0.2616},
	},
	SyntheticID: {
		ID: SyntheticID, Shape: []int{4, 4, 1}, Classes: 10,
		Mean: []float64{0.5}, Std: []float64{0.25},
	},
}

// Lookup returns the registered dataset. Ids are case-insensitive.
func Lookup(id string) (Info, error) {
	info, ok := registry[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Info{}, fmt.Errorf("%w: unknown dataset %q (known: %s)", ErrUnavailable, id, strings.Join(IDs(), ", "))
	}
	return info, nil
}

// IDs lists the registered dataset ids in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Provider resolves datasets for training jobs.
type Provider interface {
	// Shape returns the HWC shape of one sample.
	Shape(ctx context.Context, id string) ([]int, error)
	// Loaders splits the dataset into train and validation sources.
	Loaders(ctx context.Context, id string, batchSize int, trainSplit float64) (train, val Source, err error)
}

// Source yields mini-batches. Every call to Batches starts a new pass.
type Source interface {
	// Len is the number of batches in one pass.
	Len() int
	// Samples is the number of samples in one pass.
	Samples() int
	Batches(ctx context.Context) iter.Seq2[flow.Batch, error]
}

// Set is a dataset held in memory as raw 8-bit pixels in HWC order.
type Set struct {
	Info   Info
	Pixels []byte
	Labels []int
}

// Len is the number of samples.
func (s *Set) Len() int { return len(s.Labels) }

func (s *Set) check() error {
	size := s.Info.SampleSize()
	if size == 0 || len(s.Pixels) != len(s.Labels)*size {
		return fmt.Errorf("%w: %s has %d pixels for %d samples of %v", ErrUnavailable, s.Info.ID, len(s.Pixels), len(s.Labels), s.Info.Shape)
	}
	for i, l := range s.Labels {
		if l < 0 || l >= s.Info.Classes {
			return fmt.Errorf("%w: %s sample %d has label %d, want [0, %d)", ErrUnavailable, s.Info.ID, i, l, s.Info.Classes)
		}
	}
	return nil
}

// Split permutes the set with seed and divides it into floor(n*trainSplit)
// training samples and the rest for validation. Training batches are
// reshuffled on every pass.
func Split(set *Set, batchSize int, trainSplit float64, seed int64) (train, val Source, err error) {
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("%w: batch size must be > 0, got %d", ErrSplit, batchSize)
	}
	if !(trainSplit > 0 && trainSplit < 1) {
		return nil, nil, fmt.Errorf("%w: train split must be in (0, 1), got %v", ErrSplit, trainSplit)
	}
	if err := set.check(); err != nil {
		return nil, nil, err
	}

	n := set.Len()
	nTrain := int(math.Floor(float64(n) * trainSplit))
	if nTrain == 0 {
		return nil, nil, fmt.Errorf("%w: split %v of %d samples leaves no training data", ErrSplit, trainSplit, n)
	}

	rng := rand.New(rand.NewSource(seed))
	perm := rng.Perm(n)
	train = &source{set: set, idx: perm[:nTrain], batchSize: batchSize, rng: rng}
	val = &source{set: set, idx: perm[nTrain:], batchSize: batchSize}
	return train, val, nil
}

type source struct {
	set       *Set
	idx       []int
	batchSize int
	rng       *rand.Rand // nil keeps a fixed order
}

func (s *source) Len() int {
	return (len(s.idx) + s.batchSize - 1) / s.batchSize
}

func (s *source) Samples() int { return len(s.idx) }

func (s *source) Batches(ctx context.Context) iter.Seq2[flow.Batch, error] {
	order := s.idx
	if s.rng != nil {
		order = append([]int(nil), s.idx...)
		s.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	return func(yield func(flow.Batch, error) bool) {
		for start := 0; start < len(order); start += s.batchSize {
			if err := ctx.Err(); err != nil {
				yield(flow.Batch{}, err)
				return
			}
			end := min(start+s.batchSize, len(order))
			if !yield(s.batch(order[start:end]), nil) {
				return
			}
		}
	}
}

// batch scales pixels to [0, 1] and normalizes each channel.
func (s *source) batch(samples []int) flow.Batch {
	info := s.set.Info
	size := info.SampleSize()
	channels := info.Shape[len(info.Shape)-1]

	b := flow.Batch{
		Inputs: make([]float64, len(samples)*size),
		Labels: make([]int, len(samples)),
	}
	for i, sample := range samples {
		px := s.set.Pixels[sample*size : (sample+1)*size]
		out := b.Inputs[i*size : (i+1)*size]
		for j, p := range px {
			c := j % channels
			out[j] = (float64(p)/255 - info.Mean[c]) / info.Std[c]
		}
		b.Labels[i] = s.set.Labels[sample]
	}
	return b
}

// Mux routes each dataset id to its own provider and everything else to
// Default.
type Mux struct {
	Default Provider
	Routes  map[string]Provider
}

func (m Mux) provider(id string) (Provider, error) {
	info, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	if p, ok := m.Routes[info.ID]; ok {
		return p, nil
	}
	if m.Default == nil {
		return nil, fmt.Errorf("%w: no provider for %q", ErrUnavailable, info.ID)
	}
	return m.Default, nil
}

// Shape implements Provider.
func (m Mux) Shape(ctx context.Context, id string) ([]int, error) {
	p, err := m.provider(id)
	if err != nil {
		return nil, err
	}
	return p.Shape(ctx, id)
}

// Loaders implements Provider.
func (m Mux) Loaders(ctx context.Context, id string, batchSize int, trainSplit float64) (Source, Source, error) {
	p, err := m.provider(id)
	if err != nil {
		return nil, nil, err
	}
	return p.Loaders(ctx, id, batchSize, trainSplit)
}
