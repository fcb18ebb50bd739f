package flow

import (
	"errors"
	"math"
	"math/rand"
)

// LayerNormLayer - Layer Normalization over the last axis of every sample
type LayerNormLayer struct {
	epsilon    float64
	gamma      *tensor
	beta       *tensor
	gradGamma  *tensor
	gradBeta   *tensor
	normalized []float64
	invStd     []float64
	features   int
	inputShape []int
	built      bool
}

type LayerNormBuilder struct {
	layer *LayerNormLayer
}

func LayerNorm(epsilon float64) *LayerNormBuilder {
	return &LayerNormBuilder{
		layer: &LayerNormLayer{
			epsilon: epsilon,
		},
	}
}

func (b *LayerNormBuilder) Build() Layer {
	return b.layer
}

func (ln *LayerNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errors.New("flow: LayerNorm requires non-empty input shape")
	}
	if ln.epsilon <= 0 {
		return errorf("LayerNorm epsilon must be > 0, got %f", ln.epsilon)
	}
	ln.inputShape = inputShape
	ln.features = inputShape[len(inputShape)-1]

	ln.gamma = newTensor(ln.features)
	ln.gamma.fill(1.0)
	ln.beta = newTensor(ln.features)

	ln.gradGamma = newTensor(ln.features)
	ln.gradBeta = newTensor(ln.features)

	ln.built = true
	return nil
}

func (ln *LayerNormLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !ln.built {
		return nil, errors.New("flow: LayerNorm not built")
	}

	features := ln.features
	vectors := len(input.data) / features

	ln.normalized = make([]float64, len(input.data))
	ln.invStd = make([]float64, vectors)
	output := newTensor(input.shape...)

	for i := 0; i < vectors; i++ {
		row := input.data[i*features : (i+1)*features]

		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(features)

		variance := 0.0
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float64(features)

		inv := 1 / math.Sqrt(variance+ln.epsilon)
		ln.invStd[i] = inv
		for j, v := range row {
			idx := i*features + j
			xNorm := (v - mean) * inv
			ln.normalized[idx] = xNorm
			output.data[idx] = ln.gamma.data[j]*xNorm + ln.beta.data[j]
		}
	}

	return output, nil
}

func (ln *LayerNormLayer) backward(gradOutput *tensor) (*tensor, error) {
	if ln.normalized == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	features := ln.features
	vectors := len(gradOutput.data) / features
	n := float64(features)

	gradInput := newTensor(gradOutput.shape...)
	dxNorm := make([]float64, features)

	for i := 0; i < vectors; i++ {
		base := i * features
		sumD, sumDX := 0.0, 0.0
		for j := 0; j < features; j++ {
			idx := base + j
			g := gradOutput.data[idx]
			ln.gradGamma.data[j] += g * ln.normalized[idx]
			ln.gradBeta.data[j] += g

			dxNorm[j] = g * ln.gamma.data[j]
			sumD += dxNorm[j]
			sumDX += dxNorm[j] * ln.normalized[idx]
		}
		// dx = invStd/N * (N*dx̂ - Σdx̂ - x̂*Σ(dx̂*x̂))
		for j := 0; j < features; j++ {
			idx := base + j
			gradInput.data[idx] = ln.invStd[i] / n * (n*dxNorm[j] - sumD - ln.normalized[idx]*sumDX)
		}
	}

	return gradInput, nil
}

func (ln *LayerNormLayer) parameters() []*tensor {
	return []*tensor{ln.gamma, ln.beta}
}

func (ln *LayerNormLayer) gradients() []*tensor {
	return []*tensor{ln.gradGamma, ln.gradBeta}
}

func (ln *LayerNormLayer) parameterNames() []string { return []string{"weight", "bias"} }
func (ln *LayerNormLayer) outputShape() []int       { return ln.inputShape }
func (ln *LayerNormLayer) name() string             { return "layer_norm" }
