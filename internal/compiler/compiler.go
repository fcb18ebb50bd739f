// Package compiler turns a validated model graph into a flow network.
package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/juicywoowowow/flowtrain/internal/graph"
	flow "github.com/juicywoowowow/flowtrain/src"
)

// ErrCompile is wrapped by every compilation error.
var ErrCompile = errors.New("compiler: cannot compile graph")

// DefaultNumClasses is used when the output node does not declare num_classes.
const DefaultNumClasses = 10

// Options configures network construction.
type Options struct {
	Seed       int64
	Validation flow.ValidationLevel
}

// Compiler builds flow networks from graphs. It is stateless apart from its
// options and safe for concurrent use.
type Compiler struct {
	opts Options
}

// New returns a Compiler.
func New(opts Options) *Compiler {
	return &Compiler{opts: opts}
}

// Compile builds an uncompiled network for samples of inputShape (HWC for
// images). The caller attaches loss and optimizer with Network.Compile.
func (c *Compiler) Compile(g graph.Schema, inputShape []int) (*flow.Network, error) {
	chain, err := g.Chain()
	if err != nil {
		return nil, err
	}

	b := &builder{
		net:   flow.NewNetwork(flow.NetworkConfig{Seed: c.opts.Seed, Validation: c.opts.Validation}),
		shape: append([]int(nil), inputShape...),
	}
	for _, n := range chain {
		if err := b.add(n); err != nil {
			return nil, fmt.Errorf("%w: node %q (%s): %v", ErrCompile, n.ID, n.Type, err)
		}
	}
	net, err := b.net.Build(inputShape)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	return net, nil
}

type builder struct {
	net    *flow.NetworkBuilder
	shape  []int
	layers int
}

func (b *builder) push(l flow.Layer, shape []int) {
	b.net.AddLayer(l)
	b.shape = shape
	b.layers++
}

func (b *builder) flatten() {
	if len(b.shape) > 1 {
		size := 1
		for _, s := range b.shape {
			size *= s
		}
		b.push(flow.Flatten().Build(), []int{size})
	}
}

func (b *builder) dense(units int, init flow.Initializer, bias bool) {
	b.flatten()
	d := flow.Dense(units).
		WithActivation(flow.Linear()).
		WithInitializer(init).
		WithBias(bias)
	if bias {
		d.WithBiasInitializer(flow.FanInUniform())
	}
	b.push(d.Build(), []int{units})
}

func (b *builder) add(n graph.Node) error {
	switch n.Kind() {
	case graph.Input:
		return nil

	case graph.Output:
		classes, err := n.Int("num_classes", DefaultNumClasses)
		if err != nil {
			return err
		}
		if classes < 1 {
			return fmt.Errorf("num_classes must be >= 1, got %d", classes)
		}
		b.flatten()
		// an empty chain still needs one trainable layer
		if b.layers == 0 || b.shape[0] != classes {
			b.dense(classes, flow.FanInUniform(), true)
		}
		return nil

	case graph.Linear:
		units, err := n.Int("out_features", 0)
		if err != nil {
			return err
		}
		if units <= 0 {
			return fmt.Errorf("out_features must be > 0, got %d", units)
		}
		init, err := flow.InitializerByName(n.String("init", ""))
		if err != nil {
			return err
		}
		width := 1
		for _, s := range b.shape {
			width *= s
		}
		if n.Has("in_features") {
			in, err := n.Int("in_features", 0)
			if err != nil {
				return err
			}
			if in != width {
				return fmt.Errorf("in_features is %d but the incoming tensor has %d features (shape %v)", in, width, b.shape)
			}
		}
		b.dense(units, init, boolParam(n, "bias", true))
		return nil

	case graph.Conv2D:
		return b.conv(n)

	case graph.MaxPool2D, graph.AvgPool2D:
		return b.pool(n)

	case graph.Flatten:
		b.flatten()
		return nil

	case graph.Activation:
		name := n.String("function", n.String("activation", "relu"))
		act, err := flow.ActivationByName(name)
		if err != nil {
			return err
		}
		b.push(flow.Activate(act).Build(), b.shape)
		return nil

	case graph.ReLU, graph.GELU, graph.Sigmoid, graph.Tanh, graph.Softmax:
		act, err := flow.ActivationByName(string(n.Kind()))
		if err != nil {
			return err
		}
		b.push(flow.Activate(act).Build(), b.shape)
		return nil

	case graph.Dropout:
		p, err := n.Float("p", 0.5)
		if err != nil {
			return err
		}
		if p < 0 || p >= 1 {
			return fmt.Errorf("dropout p must be in [0, 1), got %v", p)
		}
		b.push(flow.Dropout(p).Build(), b.shape)
		return nil

	case graph.BatchNorm:
		eps, err := n.Float("eps", 1e-5)
		if err != nil {
			return err
		}
		// momentum is the weight of the new batch statistics
		momentum, err := n.Float("momentum", 0.1)
		if err != nil {
			return err
		}
		if momentum <= 0 || momentum > 1 {
			return fmt.Errorf("batchnorm momentum must be in (0, 1], got %v", momentum)
		}
		if err := checkFeatures(n, "num_features", b.shape); err != nil {
			return err
		}
		b.push(flow.BatchNorm(eps, 1-momentum).Build(), b.shape)
		return nil

	case graph.LayerNorm:
		eps, err := n.Float("eps", 1e-5)
		if err != nil {
			return err
		}
		if err := checkFeatures(n, "normalized_shape", b.shape); err != nil {
			return err
		}
		b.push(flow.LayerNorm(eps).Build(), b.shape)
		return nil

	default:
		return fmt.Errorf("unsupported node type %q", n.Type)
	}
}

func (b *builder) conv(n graph.Node) error {
	if len(b.shape) != 3 {
		return fmt.Errorf("conv2d needs an image input [H, W, C], got %v", b.shape)
	}
	filters, err := n.Int("out_channels", 0)
	if err != nil {
		return err
	}
	if filters <= 0 {
		return fmt.Errorf("out_channels must be > 0, got %d", filters)
	}
	if err := checkChannels(n, b.shape); err != nil {
		return err
	}
	kernel, err := n.Int("kernel_size", 3)
	if err != nil {
		return err
	}
	stride, err := n.Int("stride", 1)
	if err != nil {
		return err
	}
	if kernel <= 0 || stride <= 0 {
		return fmt.Errorf("kernel_size and stride must be > 0, got %d and %d", kernel, stride)
	}
	init, err := flow.InitializerByName(n.String("init", ""))
	if err != nil {
		return err
	}

	cb := flow.Conv2D(filters, [2]int{kernel, kernel}).
		WithStride(stride, stride).
		WithActivation(flow.Linear()).
		WithInitializer(init).
		WithBiasInitializer(flow.FanInUniform()).
		WithBias(boolParam(n, "bias", true))

	mode, pad, err := padding(n)
	if err != nil {
		return err
	}
	h, w := b.shape[0], b.shape[1]
	var outH, outW int
	switch mode {
	case "same":
		cb.WithPadding("same")
		outH, outW = ceilDiv(h, stride), ceilDiv(w, stride)
	default:
		if mode == "explicit" {
			cb.WithPaddingSize(pad, pad)
		}
		h, w = h+2*pad, w+2*pad
		if h < kernel || w < kernel {
			return fmt.Errorf("kernel %d does not fit input %v with padding %d", kernel, b.shape, pad)
		}
		outH, outW = (h-kernel)/stride+1, (w-kernel)/stride+1
	}

	b.push(cb.Build(), []int{outH, outW, filters})
	return nil
}

func (b *builder) pool(n graph.Node) error {
	if len(b.shape) != 3 {
		return fmt.Errorf("pooling needs an image input [H, W, C], got %v", b.shape)
	}
	kernel, err := n.Int("kernel_size", 2)
	if err != nil {
		return err
	}
	stride, err := n.Int("stride", kernel)
	if err != nil {
		return err
	}
	if kernel <= 0 || stride <= 0 {
		return fmt.Errorf("kernel_size and stride must be > 0, got %d and %d", kernel, stride)
	}
	if b.shape[0] < kernel || b.shape[1] < kernel {
		return fmt.Errorf("kernel %d does not fit input %v", kernel, b.shape)
	}
	outH, outW := (b.shape[0]-kernel)/stride+1, (b.shape[1]-kernel)/stride+1

	var l flow.Layer
	if n.Kind() == graph.MaxPool2D {
		l = flow.MaxPool2D([2]int{kernel, kernel}).WithStride(stride, stride).Build()
	} else {
		l = flow.AvgPool2D([2]int{kernel, kernel}).WithStride(stride, stride).Build()
	}
	b.push(l, []int{outH, outW, b.shape[2]})
	return nil
}

// padding reads the conv2d padding param: "same", "valid", or a size.
func padding(n graph.Node) (string, int, error) {
	if s, ok := n.Params["padding"].(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "same":
			return "same", 0, nil
		case "valid":
			return "valid", 0, nil
		}
	}
	p, err := n.Int("padding", 0)
	if err != nil {
		return "", 0, err
	}
	if p < 0 {
		return "", 0, fmt.Errorf("padding must be >= 0, got %d", p)
	}
	if p == 0 {
		return "valid", 0, nil
	}
	return "explicit", p, nil
}

func checkChannels(n graph.Node, shape []int) error {
	if !n.Has("in_channels") {
		return nil
	}
	in, err := n.Int("in_channels", 0)
	if err != nil {
		return err
	}
	if in != shape[2] {
		return fmt.Errorf("in_channels is %d but the incoming tensor has %d channels", in, shape[2])
	}
	return nil
}

// checkFeatures validates an optional declared width against the last axis.
func checkFeatures(n graph.Node, key string, shape []int) error {
	if !n.Has(key) {
		return nil
	}
	want, err := n.Int(key, 0)
	if err != nil {
		return err
	}
	if got := shape[len(shape)-1]; want != got {
		return fmt.Errorf("%s is %d but the incoming tensor has %d features", key, want, got)
	}
	return nil
}

func boolParam(n graph.Node, key string, def bool) bool {
	if v, ok := n.Params[key].(bool); ok {
		return v
	}
	return def
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
