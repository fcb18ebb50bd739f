package flow

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Network is the main neural network container
type Network struct {
	layers     []Layer
	optimizer  Optimizer
	loss       Loss
	gradClip   GradientClipConfig
	validation ValidationLevel
	compiled   bool
	built      bool
	steps      int
	rng        *rand.Rand
	inputShape []int
	outShape   []int
	params     []*tensor
	grads      []*tensor
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			layers:     make([]Layer, 0),
			rng:        rand.New(rand.NewSource(config.Seed)),
			validation: config.Validation,
		},
	}
}

// AddLayer adds a layer to the network
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errorf("layer %d is nil", len(n.network.layers))
		return n
	}
	n.network.layers = append(n.network.layers, layer)
	return n
}

// Build finalizes the network structure for samples of inputShape
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.network.layers) == 0 {
		return nil, errors.New("flow: network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errors.New("flow: inputShape must be specified")
	}
	for _, s := range inputShape {
		if s <= 0 {
			return nil, errorf("inputShape dimensions must be > 0, got %v", inputShape)
		}
	}

	net := n.network
	net.inputShape = append([]int(nil), inputShape...)

	currentShape := net.inputShape
	for i, layer := range net.layers {
		if err := layer.build(currentShape, net.rng); err != nil {
			return nil, errorf("layer %d (%s): %v", i, layer.name(), err)
		}
		currentShape = layer.outputShape()
		net.params = append(net.params, layer.parameters()...)
		net.grads = append(net.grads, layer.gradients()...)
	}
	if len(currentShape) != 1 {
		return nil, errorf("network output must be flat [classes], got %v - add Flatten() and Dense()", currentShape)
	}
	net.outShape = currentShape

	net.built = true
	return net, nil
}

// Compile configures optimizer and loss
func (n *Network) Compile(config CompileConfig) error {
	if !n.built {
		return errors.New("flow: network must be built before compiling")
	}
	if err := ValidateCompileConfig(config); err != nil {
		return err
	}

	n.optimizer = config.Optimizer
	n.loss = config.Loss
	n.gradClip = config.GradientClip
	n.optimizer.init(n.params)
	n.compiled = true

	return nil
}

// Batch is one mini-batch: len(Labels) samples stored row-major in the
// network's input shape, one integer class label per sample
type Batch struct {
	Inputs []float64
	Labels []int
}

func (n *Network) batchTensor(b Batch) (*tensor, error) {
	count := len(b.Labels)
	if count == 0 {
		return nil, errors.New("flow: empty batch")
	}
	per := shapeProduct(n.inputShape)
	if len(b.Inputs) != count*per {
		return nil, errorf("batch has %d values for %d samples of shape %v, expected %d",
			len(b.Inputs), count, n.inputShape, count*per)
	}
	classes := n.outShape[0]
	for i, l := range b.Labels {
		if l < 0 || l >= classes {
			return nil, errorf("label %d of sample %d out of range [0, %d)", l, i, classes)
		}
	}
	shape := append([]int{count}, n.inputShape...)
	return tensorFrom(b.Inputs, shape...), nil
}

func (n *Network) checkOutputs() bool {
	switch n.validation {
	case ValidationStrict:
		return true
	case ValidationStandard:
		return n.steps == 0
	default:
		return false
	}
}

func (n *Network) forward(x *tensor, training bool) (*tensor, error) {
	check := n.checkOutputs()
	out := x
	var err error
	for i, layer := range n.layers {
		out, err = layer.forward(out, training)
		if err != nil {
			return nil, fmt.Errorf("flow: layer %d (%s) forward: %w", i, layer.name(), err)
		}
		if check {
			if err := validateOutput(out, x.shape[0]*shapeProduct(layer.outputShape()), layer.name(), i); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (n *Network) checkLoss(loss float64) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return &FlowError{
			Component:  n.loss.name(),
			ErrorType:  "non-finite loss",
			LayerIndex: -1,
			Phase:      "loss",
			Cause:      fmt.Sprintf("loss evaluated to %v - lower the learning rate or check the inputs", loss),
		}
	}
	return nil
}

// ZeroGrad clears every accumulated parameter gradient
func (n *Network) ZeroGrad() {
	for _, g := range n.grads {
		clear(g.data)
	}
}

// TrainStep runs one optimization step on a batch: clear gradients, forward
// in training mode, loss, backward, gradient clipping, optimizer update.
func (n *Network) TrainStep(b Batch) (StepResult, error) {
	if !n.compiled {
		return StepResult{}, errors.New("flow: network must be compiled before training")
	}
	x, err := n.batchTensor(b)
	if err != nil {
		return StepResult{}, err
	}

	n.ZeroGrad()

	output, err := n.forward(x, true)
	if err != nil {
		return StepResult{}, err
	}

	batchLoss := n.loss.compute(output, b.Labels)
	if err := n.checkLoss(batchLoss); err != nil {
		return StepResult{}, err
	}
	correct := countCorrect(output, b.Labels)

	gradOutput := newTensor(output.shape...)
	n.loss.gradient(output, b.Labels, gradOutput)
	for i := len(n.layers) - 1; i >= 0; i-- {
		gradOutput, err = n.layers[i].backward(gradOutput)
		if err != nil {
			return StepResult{}, fmt.Errorf("flow: layer %d (%s) backward: %w", i, n.layers[i].name(), err)
		}
	}

	n.clipGradients()
	n.optimizer.step(n.params, n.grads)
	n.steps++

	return StepResult{Loss: batchLoss, Correct: correct, Count: len(b.Labels)}, nil
}

// EvalStep computes loss and accuracy on a batch in inference mode. No
// gradients are accumulated and no parameter changes.
func (n *Network) EvalStep(b Batch) (StepResult, error) {
	if !n.compiled {
		return StepResult{}, errors.New("flow: network must be compiled before evaluation")
	}
	x, err := n.batchTensor(b)
	if err != nil {
		return StepResult{}, err
	}

	output, err := n.forward(x, false)
	if err != nil {
		return StepResult{}, err
	}

	batchLoss := n.loss.compute(output, b.Labels)
	if err := n.checkLoss(batchLoss); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Loss:    batchLoss,
		Correct: countCorrect(output, b.Labels),
		Count:   len(b.Labels),
	}, nil
}

// Predict runs inference on count samples and returns one output row each
func (n *Network) Predict(inputs []float64, count int) ([][]float64, error) {
	if !n.built {
		return nil, errors.New("flow: network must be built before prediction")
	}
	per := shapeProduct(n.inputShape)
	if count <= 0 || len(inputs) != count*per {
		return nil, errorf("predict got %d values for %d samples of shape %v", len(inputs), count, n.inputShape)
	}
	x := tensorFrom(inputs, append([]int{count}, n.inputShape...)...)

	output, err := n.forward(x, false)
	if err != nil {
		return nil, err
	}

	classes := n.outShape[0]
	result := make([][]float64, count)
	for i := range result {
		result[i] = append([]float64(nil), output.data[i*classes:(i+1)*classes]...)
	}
	return result, nil
}

func (n *Network) clipGradients() {
	switch n.gradClip.Mode {
	case "norm":
		totalNorm := 0.0
		for _, g := range n.grads {
			norm := l2Norm(g.data)
			totalNorm += norm * norm
		}
		totalNorm = math.Sqrt(totalNorm)
		if totalNorm > n.gradClip.MaxNorm {
			scale := n.gradClip.MaxNorm / totalNorm
			for _, g := range n.grads {
				mulScalar(g, scale)
			}
		}
	case "value":
		for _, g := range n.grads {
			clip(g.data, -n.gradClip.MaxValue, n.gradClip.MaxValue)
		}
	}
}

// NamedTensor is one entry of a state dict
type NamedTensor struct {
	Name  string
	Shape []int
	Data  []float64
}

// StateDict snapshots every learnable parameter and persistent buffer in
// layer order. Names are "<layer index>.<parameter>", e.g. "0.weight".
// The returned data is a copy.
func (n *Network) StateDict() []NamedTensor {
	var out []NamedTensor
	add := func(i int, name string, t *tensor) {
		out = append(out, NamedTensor{
			Name:  fmt.Sprintf("%d.%s", i, name),
			Shape: append([]int(nil), t.shape...),
			Data:  append([]float64(nil), t.data...),
		})
	}
	for i, layer := range n.layers {
		names := layer.parameterNames()
		for j, p := range layer.parameters() {
			add(i, names[j], p)
		}
		if bl, ok := layer.(bufferedLayer); ok {
			bufNames, bufs := bl.buffers()
			for j, t := range bufs {
				add(i, bufNames[j], t)
			}
		}
	}
	return out
}

// LoadStateDict copies values from a state dict produced by an identically
// structured network. Every entry must match by name and shape.
func (n *Network) LoadStateDict(entries []NamedTensor) error {
	current := n.StateDict()
	if len(current) != len(entries) {
		return errorf("state dict has %d entries, network expects %d", len(entries), len(current))
	}
	byName := make(map[string]NamedTensor, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}

	targets := make(map[string]*tensor, len(current))
	for i, layer := range n.layers {
		names := layer.parameterNames()
		for j, p := range layer.parameters() {
			targets[fmt.Sprintf("%d.%s", i, names[j])] = p
		}
		if bl, ok := layer.(bufferedLayer); ok {
			bufNames, bufs := bl.buffers()
			for j, t := range bufs {
				targets[fmt.Sprintf("%d.%s", i, bufNames[j])] = t
			}
		}
	}

	for name, t := range targets {
		e, ok := byName[name]
		if !ok {
			return errorf("state dict is missing %q", name)
		}
		if err := validateShape(t.shape, e.Shape); err != nil {
			return fmt.Errorf("flow: %q: %w", name, err)
		}
		copy(t.data, e.Data)
	}
	return nil
}

// InputShape of a single sample
func (n *Network) InputShape() []int { return append([]int(nil), n.inputShape...) }

// OutputShape of a single sample, always [classes]
func (n *Network) OutputShape() []int { return append([]int(nil), n.outShape...) }

// NumParameters counts learnable scalars
func (n *Network) NumParameters() int {
	total := 0
	for _, p := range n.params {
		total += p.size()
	}
	return total
}

// Summary describes the network architecture
func (n *Network) Summary() string {
	var b strings.Builder
	b.WriteString("Flow Network Summary\n")
	b.WriteString("====================\n")
	fmt.Fprintf(&b, "Input: %v\n", n.inputShape)

	for i, layer := range n.layers {
		layerParams := 0
		for _, p := range layer.parameters() {
			layerParams += p.size()
		}
		fmt.Fprintf(&b, "Layer %d: %s %v - %d params\n", i, layer.name(), layer.outputShape(), layerParams)
	}
	b.WriteString("====================\n")
	fmt.Fprintf(&b, "Total parameters: %d\n", n.NumParameters())

	return b.String()
}
