package flow

import (
	"errors"
	"math"
	"math/rand"
)

// Layer is the base interface for all layers. Gradients accumulate into the
// tensors returned by gradients() until the network clears them.
type Layer interface {
	forward(input *tensor, training bool) (*tensor, error)
	backward(gradOutput *tensor) (*tensor, error)
	parameters() []*tensor
	gradients() []*tensor
	parameterNames() []string
	build(inputShape []int, rng *rand.Rand) error
	outputShape() []int
	name() string
}

// bufferedLayer is implemented by layers that carry non-learnable state
// which still belongs in a state dict (batch-norm running statistics).
type bufferedLayer interface {
	buffers() ([]string, []*tensor)
}

// DenseLayer - fully connected layer
type DenseLayer struct {
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return errorf("DenseLayer expects a flat input, got shape %v - add Flatten() first", inputShape)
	}
	if d.units <= 0 {
		return errorf("DenseLayer units must be > 0, got %d", d.units)
	}
	if d.initializer == nil {
		return errors.New("flow: DenseLayer requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errors.New("flow: DenseLayer requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errors.New("flow: DenseLayer with bias requires bias initializer - use WithBiasInitializer()")
	}

	fanIn := inputShape[0]

	d.weights = newTensor(fanIn, d.units)
	d.initializer.initialize(d.weights, fanIn, d.units, rng)
	d.gradW = newTensor(fanIn, d.units)

	if d.useBias {
		d.bias = newTensor(d.units)
		d.biasInit.initialize(d.bias, fanIn, d.units, rng)
		d.gradB = newTensor(d.units)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !d.built {
		return nil, errors.New("flow: layer not built - call Build() first")
	}
	if len(input.shape) != 2 || input.shape[1] != d.weights.shape[0] {
		return nil, errorf("DenseLayer input dimension mismatch - expected [batch %d], got %v", d.weights.shape[0], input.shape)
	}
	batchSize := input.shape[0]

	d.input = input
	d.preAct = newTensor(batchSize, d.units)
	output := newTensor(batchSize, d.units)

	// Y = X @ W + b
	matmul(input, d.weights, d.preAct)
	if d.useBias {
		addVec(d.preAct, d.bias)
	}

	d.activation.forward(d.preAct, output)
	return output, nil
}

// backward expects gradOutput already reduced over the batch by the loss.
func (d *DenseLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}

	gradPreAct := newTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)

	// dL/dW += X^T @ dL/dY
	matmulTransA(d.input, gradPreAct, d.gradW)

	// dL/db += sum(dL/dY, axis=0)
	if d.useBias {
		sumAxis0(gradPreAct, d.gradB.data)
	}

	// dL/dX = dL/dY @ W^T
	gradInput := newTensor(d.input.shape...)
	matmulTransB(gradPreAct, d.weights, gradInput)

	return gradInput, nil
}

func (d *DenseLayer) parameters() []*tensor {
	if d.useBias {
		return []*tensor{d.weights, d.bias}
	}
	return []*tensor{d.weights}
}

func (d *DenseLayer) gradients() []*tensor {
	if d.useBias {
		return []*tensor{d.gradW, d.gradB}
	}
	return []*tensor{d.gradW}
}

func (d *DenseLayer) parameterNames() []string {
	if d.useBias {
		return []string{"weight", "bias"}
	}
	return []string{"weight"}
}

func (d *DenseLayer) outputShape() []int {
	return []int{d.units}
}

func (d *DenseLayer) name() string { return "dense" }

// ActivationLayer applies an activation as a standalone layer
type ActivationLayer struct {
	activation Activation
	inputShape []int
	input      *tensor
}

type ActivationBuilder struct {
	layer *ActivationLayer
}

// Activate wraps act in its own layer, for graphs that declare activations as
// separate nodes.
func Activate(act Activation) *ActivationBuilder {
	return &ActivationBuilder{layer: &ActivationLayer{activation: act}}
}

func (b *ActivationBuilder) Build() Layer {
	return b.layer
}

func (a *ActivationLayer) build(inputShape []int, rng *rand.Rand) error {
	if a.activation == nil {
		return errors.New("flow: ActivationLayer requires an activation")
	}
	a.inputShape = inputShape
	return nil
}

func (a *ActivationLayer) forward(input *tensor, training bool) (*tensor, error) {
	a.input = input
	output := newTensor(input.shape...)
	a.activation.forward(input, output)
	return output, nil
}

func (a *ActivationLayer) backward(gradOutput *tensor) (*tensor, error) {
	if a.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	gradInput := newTensor(gradOutput.shape...)
	a.activation.backward(a.input, gradOutput, gradInput)
	return gradInput, nil
}

func (a *ActivationLayer) parameters() []*tensor    { return nil }
func (a *ActivationLayer) gradients() []*tensor     { return nil }
func (a *ActivationLayer) parameterNames() []string { return nil }
func (a *ActivationLayer) outputShape() []int       { return a.inputShape }
func (a *ActivationLayer) name() string             { return a.activation.name() }

// DropoutLayer - randomly zeros elements during training
type DropoutLayer struct {
	rate       float64
	inputShape []int
	mask       []float64
	rng        *rand.Rand
}

type DropoutBuilder struct {
	layer *DropoutLayer
}

func Dropout(rate float64) *DropoutBuilder {
	return &DropoutBuilder{
		layer: &DropoutLayer{
			rate: rate,
		},
	}
}

func (b *DropoutBuilder) Build() Layer {
	return b.layer
}

func (d *DropoutLayer) build(inputShape []int, rng *rand.Rand) error {
	if d.rate < 0 || d.rate >= 1 {
		return errorf("dropout rate must be in [0, 1), got %f", d.rate)
	}
	d.inputShape = inputShape
	d.rng = rng
	return nil
}

func (d *DropoutLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !training || d.rate == 0 {
		d.mask = nil
		return input, nil
	}

	output := newTensor(input.shape...)
	d.mask = make([]float64, len(input.data))

	scale := 1.0 / (1.0 - d.rate)
	for i := range input.data {
		if d.rng.Float64() >= d.rate {
			d.mask[i] = scale
			output.data[i] = input.data[i] * scale
		}
	}
	return output, nil
}

func (d *DropoutLayer) backward(gradOutput *tensor) (*tensor, error) {
	if d.mask == nil {
		return gradOutput, nil
	}
	gradInput := newTensor(gradOutput.shape...)
	for i, g := range gradOutput.data {
		gradInput.data[i] = g * d.mask[i]
	}
	return gradInput, nil
}

func (d *DropoutLayer) parameters() []*tensor    { return nil }
func (d *DropoutLayer) gradients() []*tensor     { return nil }
func (d *DropoutLayer) parameterNames() []string { return nil }
func (d *DropoutLayer) outputShape() []int       { return d.inputShape }
func (d *DropoutLayer) name() string             { return "dropout" }

// FlattenLayer - flattens input to 1D (per sample)
type FlattenLayer struct {
	inputShape []int
}

type FlattenBuilder struct {
	layer *FlattenLayer
}

func Flatten() *FlattenBuilder {
	return &FlattenBuilder{
		layer: &FlattenLayer{},
	}
}

func (b *FlattenBuilder) Build() Layer {
	return b.layer
}

func (f *FlattenLayer) build(inputShape []int, rng *rand.Rand) error {
	f.inputShape = inputShape
	return nil
}

func (f *FlattenLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	return tensorFrom(input.data, batchSize, len(input.data)/batchSize), nil
}

func (f *FlattenLayer) backward(gradOutput *tensor) (*tensor, error) {
	shape := append([]int{gradOutput.shape[0]}, f.inputShape...)
	return tensorFrom(gradOutput.data, shape...), nil
}

func (f *FlattenLayer) parameters() []*tensor    { return nil }
func (f *FlattenLayer) gradients() []*tensor     { return nil }
func (f *FlattenLayer) parameterNames() []string { return nil }

func (f *FlattenLayer) outputShape() []int {
	return []int{shapeProduct(f.inputShape)}
}

func (f *FlattenLayer) name() string { return "flatten" }

// BatchNormLayer - batch normalization over the last (feature/channel) axis.
// For HWC images every spatial position counts as a sample.
type BatchNormLayer struct {
	epsilon     float64
	momentum    float64 // weight of the old running value
	gamma       *tensor
	beta        *tensor
	runningMean *tensor
	runningVar  *tensor
	gradGamma   *tensor
	gradBeta    *tensor
	normalized  []float64
	invStd      []float64
	inputShape  []int
	features    int
	built       bool
}

type BatchNormBuilder struct {
	layer *BatchNormLayer
}

// BatchNorm creates a batch normalization layer. Running statistics are
// updated as running = momentum*running + (1-momentum)*batch.
func BatchNorm(epsilon, momentum float64) *BatchNormBuilder {
	return &BatchNormBuilder{
		layer: &BatchNormLayer{
			epsilon:  epsilon,
			momentum: momentum,
		},
	}
}

func (b *BatchNormBuilder) Build() Layer {
	return b.layer
}

func (bn *BatchNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errors.New("flow: BatchNorm requires non-empty input shape")
	}
	if bn.epsilon <= 0 {
		return errorf("BatchNorm epsilon must be > 0, got %f", bn.epsilon)
	}
	if bn.momentum < 0 || bn.momentum >= 1 {
		return errorf("BatchNorm momentum must be in [0, 1), got %f", bn.momentum)
	}
	bn.inputShape = inputShape
	bn.features = inputShape[len(inputShape)-1]

	bn.gamma = newTensor(bn.features)
	bn.gamma.fill(1.0)
	bn.beta = newTensor(bn.features)

	bn.runningMean = newTensor(bn.features)
	bn.runningVar = newTensor(bn.features)
	bn.runningVar.fill(1.0)

	bn.gradGamma = newTensor(bn.features)
	bn.gradBeta = newTensor(bn.features)

	bn.built = true
	return nil
}

func (bn *BatchNormLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !bn.built {
		return nil, errors.New("flow: layer not built")
	}

	features := bn.features
	rows := len(input.data) / features
	mean := make([]float64, features)
	variance := make([]float64, features)

	if training {
		for i := 0; i < rows; i++ {
			for j := 0; j < features; j++ {
				mean[j] += input.data[i*features+j]
			}
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}
		for i := 0; i < rows; i++ {
			for j := 0; j < features; j++ {
				diff := input.data[i*features+j] - mean[j]
				variance[j] += diff * diff
			}
		}
		for j := range variance {
			variance[j] /= float64(rows)
		}

		// Running variance uses the unbiased estimate
		correction := 1.0
		if rows > 1 {
			correction = float64(rows) / float64(rows-1)
		}
		for j := 0; j < features; j++ {
			bn.runningMean.data[j] = bn.momentum*bn.runningMean.data[j] + (1-bn.momentum)*mean[j]
			bn.runningVar.data[j] = bn.momentum*bn.runningVar.data[j] + (1-bn.momentum)*variance[j]*correction
		}
	} else {
		copy(mean, bn.runningMean.data)
		copy(variance, bn.runningVar.data)
	}

	bn.invStd = make([]float64, features)
	for j := range variance {
		bn.invStd[j] = 1 / math.Sqrt(variance[j]+bn.epsilon)
	}

	bn.normalized = make([]float64, len(input.data))
	output := newTensor(input.shape...)
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			xNorm := (input.data[idx] - mean[j]) * bn.invStd[j]
			bn.normalized[idx] = xNorm
			output.data[idx] = bn.gamma.data[j]*xNorm + bn.beta.data[j]
		}
	}

	return output, nil
}

// backward assumes the preceding forward ran in training mode.
func (bn *BatchNormLayer) backward(gradOutput *tensor) (*tensor, error) {
	if bn.normalized == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	features := bn.features
	rows := len(gradOutput.data) / features
	n := float64(rows)

	sumDy := make([]float64, features)
	sumDyXhat := make([]float64, features)
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			sumDy[j] += gradOutput.data[idx]
			sumDyXhat[j] += gradOutput.data[idx] * bn.normalized[idx]
		}
	}
	for j := 0; j < features; j++ {
		bn.gradGamma.data[j] += sumDyXhat[j]
		bn.gradBeta.data[j] += sumDy[j]
	}

	// dx = gamma*invStd/N * (N*dy - Σdy - x̂*Σ(dy*x̂))
	gradInput := newTensor(gradOutput.shape...)
	for i := 0; i < rows; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			gradInput.data[idx] = bn.gamma.data[j] * bn.invStd[j] / n *
				(n*gradOutput.data[idx] - sumDy[j] - bn.normalized[idx]*sumDyXhat[j])
		}
	}

	return gradInput, nil
}

func (bn *BatchNormLayer) parameters() []*tensor {
	return []*tensor{bn.gamma, bn.beta}
}

func (bn *BatchNormLayer) gradients() []*tensor {
	return []*tensor{bn.gradGamma, bn.gradBeta}
}

func (bn *BatchNormLayer) parameterNames() []string { return []string{"weight", "bias"} }

func (bn *BatchNormLayer) buffers() ([]string, []*tensor) {
	return []string{"running_mean", "running_var"}, []*tensor{bn.runningMean, bn.runningVar}
}

func (bn *BatchNormLayer) outputShape() []int { return bn.inputShape }
func (bn *BatchNormLayer) name() string       { return "batch_norm" }
