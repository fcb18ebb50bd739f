package flow

import (
	"errors"
	"math"
	"math/rand"
)

// window describes a sliding 2-D kernel over an HWC input
type window struct {
	kernel  [2]int
	stride  [2]int
	padding string // "valid", "same" or "explicit"
	pad     [2]int // top/left padding in explicit mode
}

func (w window) validate(component string) error {
	if w.kernel[0] <= 0 || w.kernel[1] <= 0 {
		return errorf("%s kernel size must be > 0, got %v", component, w.kernel)
	}
	if w.stride[0] <= 0 || w.stride[1] <= 0 {
		return errorf("%s stride must be > 0, got %v", component, w.stride)
	}
	switch w.padding {
	case "valid", "same":
	case "explicit":
		if w.pad[0] < 0 || w.pad[1] < 0 {
			return errorf("%s padding must be >= 0, got %v", component, w.pad)
		}
	default:
		return errorf("%s unknown padding %q", component, w.padding)
	}
	return nil
}

func (w window) outputSize(inputH, inputW int) (int, int) {
	switch w.padding {
	case "same":
		return (inputH + w.stride[0] - 1) / w.stride[0], (inputW + w.stride[1] - 1) / w.stride[1]
	case "explicit":
		return (inputH+2*w.pad[0]-w.kernel[0])/w.stride[0] + 1,
			(inputW+2*w.pad[1]-w.kernel[1])/w.stride[1] + 1
	default:
		return (inputH-w.kernel[0])/w.stride[0] + 1, (inputW-w.kernel[1])/w.stride[1] + 1
	}
}

// offsets returns the top/left padding applied before the first window.
func (w window) offsets(inputH, inputW int) (int, int) {
	switch w.padding {
	case "same":
		outH, outW := w.outputSize(inputH, inputW)
		padH := max((outH-1)*w.stride[0]+w.kernel[0]-inputH, 0)
		padW := max((outW-1)*w.stride[1]+w.kernel[1]-inputW, 0)
		return padH / 2, padW / 2
	case "explicit":
		return w.pad[0], w.pad[1]
	default:
		return 0, 0
	}
}

func (w window) outputShape(component string, inputShape []int, channels int) ([]int, error) {
	if len(inputShape) != 3 {
		return nil, errorf("%s requires input shape [H, W, C], got %v", component, inputShape)
	}
	if err := w.validate(component); err != nil {
		return nil, err
	}
	outH, outW := w.outputSize(inputShape[0], inputShape[1])
	if outH <= 0 || outW <= 0 {
		return nil, errorf("%s kernel %v does not fit input %v", component, w.kernel, inputShape)
	}
	return []int{outH, outW, channels}, nil
}

// Conv2DLayer - 2D Convolution layer
type Conv2DLayer struct {
	filters     int
	win         window
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *tensor // [kernelH, kernelW, inChannels, outChannels]
	bias        *tensor
	input       *tensor
	preAct      *tensor
	gradW       *tensor
	gradB       *tensor
	inputShape  []int // [H, W, C]
	outShape    []int
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters: filters,
			win: window{
				kernel:  kernelSize,
				stride:  [2]int{1, 1},
				padding: "valid",
			},
		},
	}
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.win.stride = [2]int{strideH, strideW}
	return b
}

// WithPadding selects "valid" or "same" padding
func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.win.padding = padding
	return b
}

// WithPaddingSize zero-pads every side by a fixed amount
func (b *Conv2DBuilder) WithPaddingSize(padH, padW int) *Conv2DBuilder {
	b.layer.win.padding = "explicit"
	b.layer.win.pad = [2]int{padH, padW}
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if c.filters <= 0 {
		return errorf("Conv2D filters must be > 0, got %d", c.filters)
	}
	if c.initializer == nil {
		return errors.New("flow: Conv2D requires initializer")
	}
	if c.activation == nil {
		return errors.New("flow: Conv2D requires activation")
	}
	if c.useBias && c.biasInit == nil {
		return errors.New("flow: Conv2D with bias requires bias initializer")
	}
	outShape, err := c.win.outputShape("Conv2D", inputShape, c.filters)
	if err != nil {
		return err
	}

	c.inputShape = inputShape
	c.outShape = outShape
	inChannels := inputShape[2]
	kh, kw := c.win.kernel[0], c.win.kernel[1]

	c.weights = newTensor(kh, kw, inChannels, c.filters)
	fanIn := kh * kw * inChannels
	fanOut := kh * kw * c.filters
	c.initializer.initialize(c.weights, fanIn, fanOut, rng)
	c.gradW = newTensor(kh, kw, inChannels, c.filters)

	if c.useBias {
		c.bias = newTensor(c.filters)
		c.biasInit.initialize(c.bias, fanIn, fanOut, rng)
		c.gradB = newTensor(c.filters)
	}

	c.built = true
	return nil
}

// visit calls fn for every (input index, weight index, output index) triple
// of the convolution over one batch.
func (c *Conv2DLayer) visit(batchSize int, fn func(inIdx, wIdx, outIdx int)) {
	inputH, inputW, inChannels := c.inputShape[0], c.inputShape[1], c.inputShape[2]
	outH, outW := c.outShape[0], c.outShape[1]
	padTop, padLeft := c.win.offsets(inputH, inputW)
	kH, kW := c.win.kernel[0], c.win.kernel[1]

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for f := 0; f < c.filters; f++ {
					outIdx := ((b*outH+oh)*outW+ow)*c.filters + f
					for kh := 0; kh < kH; kh++ {
						ih := oh*c.win.stride[0] + kh - padTop
						if ih < 0 || ih >= inputH {
							continue
						}
						for kw := 0; kw < kW; kw++ {
							iw := ow*c.win.stride[1] + kw - padLeft
							if iw < 0 || iw >= inputW {
								continue
							}
							for ic := 0; ic < inChannels; ic++ {
								inIdx := ((b*inputH+ih)*inputW+iw)*inChannels + ic
								wIdx := ((kh*kW+kw)*inChannels+ic)*c.filters + f
								fn(inIdx, wIdx, outIdx)
							}
						}
					}
				}
			}
		}
	}
}

func (c *Conv2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	if !c.built {
		return nil, errors.New("flow: Conv2D not built")
	}
	if len(input.shape) != 4 {
		return nil, errorf("Conv2D expects [batch, H, W, C] input, got %v", input.shape)
	}

	batchSize := input.shape[0]
	c.input = input
	c.preAct = newTensor(batchSize, c.outShape[0], c.outShape[1], c.filters)

	c.visit(batchSize, func(inIdx, wIdx, outIdx int) {
		c.preAct.data[outIdx] += input.data[inIdx] * c.weights.data[wIdx]
	})
	if c.useBias {
		addVec(c.preAct, c.bias)
	}

	output := newTensor(c.preAct.shape...)
	c.activation.forward(c.preAct, output)
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if c.input == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	gradPreAct := newTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	if c.useBias {
		for i, g := range gradPreAct.data {
			c.gradB.data[i%c.filters] += g
		}
	}

	gradInput := newTensor(c.input.shape...)
	c.visit(c.input.shape[0], func(inIdx, wIdx, outIdx int) {
		dout := gradPreAct.data[outIdx]
		c.gradW.data[wIdx] += c.input.data[inIdx] * dout
		gradInput.data[inIdx] += c.weights.data[wIdx] * dout
	})

	return gradInput, nil
}

func (c *Conv2DLayer) parameters() []*tensor {
	if c.useBias {
		return []*tensor{c.weights, c.bias}
	}
	return []*tensor{c.weights}
}

func (c *Conv2DLayer) gradients() []*tensor {
	if c.useBias {
		return []*tensor{c.gradW, c.gradB}
	}
	return []*tensor{c.gradW}
}

func (c *Conv2DLayer) parameterNames() []string {
	if c.useBias {
		return []string{"weight", "bias"}
	}
	return []string{"weight"}
}

func (c *Conv2DLayer) outputShape() []int { return c.outShape }

func (c *Conv2DLayer) name() string { return "conv2d" }

// poolLayer is the shared geometry of max and average pooling
type poolLayer struct {
	win        window
	inputShape []int
	outShape   []int
}

func (p *poolLayer) buildPool(component string, inputShape []int) error {
	if len(inputShape) != 3 {
		return errorf("%s requires input shape [H, W, C], got %v", component, inputShape)
	}
	outShape, err := p.win.outputShape(component, inputShape, inputShape[2])
	if err != nil {
		return err
	}
	p.inputShape = inputShape
	p.outShape = outShape
	return nil
}

// each calls fn for every output cell with the input indices of its window
// that fall inside the image.
func (p *poolLayer) each(batchSize int, fn func(outIdx int, inIdx []int)) {
	inputH, inputW, channels := p.inputShape[0], p.inputShape[1], p.inputShape[2]
	outH, outW := p.outShape[0], p.outShape[1]
	padTop, padLeft := p.win.offsets(inputH, inputW)
	idx := make([]int, 0, p.win.kernel[0]*p.win.kernel[1])

	for b := 0; b < batchSize; b++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < channels; c++ {
					idx = idx[:0]
					for ph := 0; ph < p.win.kernel[0]; ph++ {
						ih := oh*p.win.stride[0] + ph - padTop
						if ih < 0 || ih >= inputH {
							continue
						}
						for pw := 0; pw < p.win.kernel[1]; pw++ {
							iw := ow*p.win.stride[1] + pw - padLeft
							if iw < 0 || iw >= inputW {
								continue
							}
							idx = append(idx, ((b*inputH+ih)*inputW+iw)*channels+c)
						}
					}
					fn(((b*outH+oh)*outW+ow)*channels+c, idx)
				}
			}
		}
	}
}

func (p *poolLayer) parameters() []*tensor    { return nil }
func (p *poolLayer) gradients() []*tensor     { return nil }
func (p *poolLayer) parameterNames() []string { return nil }
func (p *poolLayer) outputShape() []int       { return p.outShape }

// MaxPool2DLayer - Max pooling layer
type MaxPool2DLayer struct {
	poolLayer
	maxIndices []int
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolLayer: poolLayer{win: window{
				kernel:  poolSize,
				stride:  poolSize, // Default stride = pool size
				padding: "valid",
			}},
		},
	}
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.win.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) WithPadding(padding string) *MaxPool2DBuilder {
	b.layer.win.padding = padding
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (m *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	return m.buildPool("MaxPool2D", inputShape)
}

func (m *MaxPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	output := newTensor(batchSize, m.outShape[0], m.outShape[1], m.outShape[2])
	m.maxIndices = make([]int, len(output.data))

	m.each(batchSize, func(outIdx int, inIdx []int) {
		best, bestIdx := math.Inf(-1), -1
		for _, i := range inIdx {
			if input.data[i] > best {
				best, bestIdx = input.data[i], i
			}
		}
		if bestIdx < 0 {
			best = 0
		}
		output.data[outIdx] = best
		m.maxIndices[outIdx] = bestIdx
	})

	return output, nil
}

func (m *MaxPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	if m.maxIndices == nil {
		return nil, errors.New("flow: backward called before forward")
	}
	batchSize := gradOutput.shape[0]
	gradInput := newTensor(batchSize, m.inputShape[0], m.inputShape[1], m.inputShape[2])

	for outIdx, inIdx := range m.maxIndices {
		if inIdx >= 0 {
			gradInput.data[inIdx] += gradOutput.data[outIdx]
		}
	}

	return gradInput, nil
}

func (m *MaxPool2DLayer) name() string { return "max_pool2d" }

// AvgPool2DLayer - Average pooling layer. Padded cells count towards the
// divisor.
type AvgPool2DLayer struct {
	poolLayer
}

type AvgPool2DBuilder struct {
	layer *AvgPool2DLayer
}

func AvgPool2D(poolSize [2]int) *AvgPool2DBuilder {
	return &AvgPool2DBuilder{
		layer: &AvgPool2DLayer{
			poolLayer: poolLayer{win: window{
				kernel:  poolSize,
				stride:  poolSize,
				padding: "valid",
			}},
		},
	}
}

func (b *AvgPool2DBuilder) WithStride(strideH, strideW int) *AvgPool2DBuilder {
	b.layer.win.stride = [2]int{strideH, strideW}
	return b
}

func (b *AvgPool2DBuilder) WithPadding(padding string) *AvgPool2DBuilder {
	b.layer.win.padding = padding
	return b
}

func (b *AvgPool2DBuilder) Build() Layer {
	return b.layer
}

func (a *AvgPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	return a.buildPool("AvgPool2D", inputShape)
}

func (a *AvgPool2DLayer) forward(input *tensor, training bool) (*tensor, error) {
	batchSize := input.shape[0]
	output := newTensor(batchSize, a.outShape[0], a.outShape[1], a.outShape[2])
	area := float64(a.win.kernel[0] * a.win.kernel[1])

	a.each(batchSize, func(outIdx int, inIdx []int) {
		sum := 0.0
		for _, i := range inIdx {
			sum += input.data[i]
		}
		output.data[outIdx] = sum / area
	})

	return output, nil
}

func (a *AvgPool2DLayer) backward(gradOutput *tensor) (*tensor, error) {
	batchSize := gradOutput.shape[0]
	gradInput := newTensor(batchSize, a.inputShape[0], a.inputShape[1], a.inputShape[2])
	area := float64(a.win.kernel[0] * a.win.kernel[1])

	a.each(batchSize, func(outIdx int, inIdx []int) {
		g := gradOutput.data[outIdx] / area
		for _, i := range inIdx {
			gradInput.data[i] += g
		}
	})

	return gradInput, nil
}

func (a *AvgPool2DLayer) name() string { return "avg_pool2d" }
