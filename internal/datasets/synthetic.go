package datasets

import (
	"context"
	"fmt"
	"math/rand"
)

// Synthetic generates small seeded datasets in the shape of any registered
// dataset. Each class is a random prototype image plus gaussian noise, so
// the classes are separable and a model can learn them in a few epochs.
type Synthetic struct {
	Samples int   // per dataset
	Seed    int64 // generation, split and shuffle seed
	Noise   float64
}

// DefaultSyntheticSamples is used when Synthetic.Samples is zero.
const DefaultSyntheticSamples = 256

// Shape implements Provider.
func (s Synthetic) Shape(_ context.Context, id string) ([]int, error) {
	info, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	return append([]int(nil), info.Shape...), nil
}

// Loaders implements Provider.
func (s Synthetic) Loaders(ctx context.Context, id string, batchSize int, trainSplit float64) (Source, Source, error) {
	set, err := s.Generate(id)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return Split(set, batchSize, trainSplit, s.Seed)
}

// Generate builds the dataset. Sample i has label i mod classes.
func (s Synthetic) Generate(id string) (*Set, error) {
	info, err := Lookup(id)
	if err != nil {
		return nil, err
	}
	n := s.Samples
	if n == 0 {
		n = DefaultSyntheticSamples
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: synthetic sample count must be >= 0, got %d", ErrUnavailable, n)
	}
	noise := s.Noise
	if noise == 0 {
		noise = 24
	}

	rng := rand.New(rand.NewSource(s.Seed))
	size := info.SampleSize()
	prototypes := make([][]byte, info.Classes)
	for c := range prototypes {
		prototypes[c] = make([]byte, size)
		for j := range prototypes[c] {
			prototypes[c][j] = byte(rng.Intn(256))
		}
	}

	set := &Set{Info: info, Pixels: make([]byte, n*size), Labels: make([]int, n)}
	for i := range n {
		label := i % info.Classes
		set.Labels[i] = label
		out := set.Pixels[i*size : (i+1)*size]
		for j, p := range prototypes[label] {
			v := float64(p) + rng.NormFloat64()*noise
			out[j] = byte(min(max(v, 0), 255))
		}
	}
	return set, nil
}
