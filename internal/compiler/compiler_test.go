package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juicywoowowow/flowtrain/internal/graph"
	flow "github.com/juicywoowowow/flowtrain/src"
)

func node(typ string, params map[string]any) graph.Node {
	return graph.Node{Type: typ, Params: params}
}

func names(net *flow.Network) []string {
	var out []string
	for _, e := range net.StateDict() {
		out = append(out, e.Name)
	}
	return out
}

func TestCompileMLPFromFile(t *testing.T) {
	g, err := graph.Load("../graph/testdata/mlp.yaml")
	require.NoError(t, err)

	net, err := New(Options{Seed: 1}).Compile(g, []int{28, 28, 1})
	require.NoError(t, err)

	// layer 0 is the implicit flatten
	assert.Equal(t, []string{"1.weight", "1.bias", "4.weight", "4.bias"}, names(net))
	assert.Equal(t, []int{10}, net.OutputShape())
	assert.Equal(t, 784*128+128+128*10+10, net.NumParameters())
}

func TestCompileCNN(t *testing.T) {
	tests := []struct {
		name   string
		conv   map[string]any
		params int
	}{
		{
			name:   "explicit padding",
			conv:   map[string]any{"out_channels": 4, "kernel_size": 3, "padding": 1},
			params: 3*3*1*4 + 4 + 4*4*4*10 + 10,
		},
		{
			name:   "same padding stride two",
			conv:   map[string]any{"out_channels": 4, "kernel_size": 3, "stride": 2, "padding": "same"},
			params: 3*3*1*4 + 4 + 2*2*4*10 + 10,
		},
		{
			name:   "valid padding",
			conv:   map[string]any{"out_channels": 2, "kernel_size": 3, "padding": "valid", "bias": false},
			params: 3*3*1*2 + 3*3*2*10 + 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := graph.Sequential(
				node("Input", nil),
				node("Conv2d", tt.conv),
				node("ReLU", nil),
				node("MaxPool2d", map[string]any{"kernel_size": 2}),
				node("Flatten", nil),
				node("Linear", map[string]any{"out_features": 10}),
				node("Output", map[string]any{"num_classes": 10}),
			)
			net, err := New(Options{Seed: 1}).Compile(g, []int{8, 8, 1})
			require.NoError(t, err)
			assert.Equal(t, tt.params, net.NumParameters())
			assert.Equal(t, []int{10}, net.OutputShape())
		})
	}
}

func TestCompileAppendsHead(t *testing.T) {
	g := graph.Sequential(
		node("input", nil),
		node("linear", map[string]any{"out_features": 16}),
		node("activation", map[string]any{"activation": "gelu"}),
		node("batchnorm", map[string]any{"num_features": 16, "momentum": 0.2}),
		node("output", map[string]any{"num_classes": 3}),
	)
	net, err := New(Options{Seed: 1}).Compile(g, []int{5})
	require.NoError(t, err)

	assert.Equal(t, []int{3}, net.OutputShape())
	assert.Equal(t, []string{
		"0.weight", "0.bias",
		"2.weight", "2.bias", "2.running_mean", "2.running_var",
		"3.weight", "3.bias",
	}, names(net))
}

func TestCompileInputToOutput(t *testing.T) {
	g := graph.Sequential(node("input", nil), node("output", nil))

	net, err := New(Options{}).Compile(g, []int{4})
	require.NoError(t, err)
	assert.Equal(t, []int{DefaultNumClasses}, net.OutputShape())
	assert.Equal(t, 4*DefaultNumClasses+DefaultNumClasses, net.NumParameters())
}

func TestCompileIsDeterministic(t *testing.T) {
	g, err := graph.Load("../graph/testdata/mlp.yaml")
	require.NoError(t, err)

	a, err := New(Options{Seed: 42}).Compile(g, []int{28, 28, 1})
	require.NoError(t, err)
	b, err := New(Options{Seed: 42}).Compile(g, []int{28, 28, 1})
	require.NoError(t, err)
	assert.Equal(t, a.StateDict(), b.StateDict())
}

func TestCompiledNetworkTrains(t *testing.T) {
	g := graph.Sequential(
		node("input", nil),
		node("linear", map[string]any{"out_features": 4}),
		node("tanh", nil),
		node("dropout", map[string]any{"p": 0.1}),
		node("layernorm", map[string]any{"normalized_shape": 4}),
		node("output", map[string]any{"num_classes": 2}),
	)
	net, err := New(Options{Seed: 3}).Compile(g, []int{2})
	require.NoError(t, err)
	require.NoError(t, net.Compile(flow.CompileConfig{
		Optimizer:    flow.SGD(flow.SGDConfig{LR: 0.1}),
		Loss:         flow.SoftmaxCrossEntropy(),
		GradientClip: flow.GradientClipConfig{Mode: "none"},
	}))

	res, err := net.TrainStep(flow.Batch{Inputs: []float64{0, 1, 1, 0}, Labels: []int{1, 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		nodes []graph.Node
		input []int
		want  string
	}{
		{
			name:  "in_features mismatch",
			nodes: []graph.Node{node("linear", map[string]any{"in_features": 10, "out_features": 4})},
			input: []int{28, 28, 1},
			want:  "in_features is 10",
		},
		{
			name:  "missing out_features",
			nodes: []graph.Node{node("linear", nil)},
			input: []int{4},
			want:  "out_features",
		},
		{
			name:  "conv on flat input",
			nodes: []graph.Node{node("conv2d", map[string]any{"out_channels": 2})},
			input: []int{16},
			want:  "image input",
		},
		{
			name:  "conv channel mismatch",
			nodes: []graph.Node{node("conv2d", map[string]any{"in_channels": 3, "out_channels": 2})},
			input: []int{8, 8, 1},
			want:  "in_channels",
		},
		{
			name:  "kernel larger than input",
			nodes: []graph.Node{node("conv2d", map[string]any{"out_channels": 2, "kernel_size": 5})},
			input: []int{4, 4, 1},
			want:  "does not fit",
		},
		{
			name:  "pool larger than input",
			nodes: []graph.Node{node("avgpool2d", map[string]any{"kernel_size": 3})},
			input: []int{2, 2, 1},
			want:  "does not fit",
		},
		{
			name:  "bad padding",
			nodes: []graph.Node{node("conv2d", map[string]any{"out_channels": 2, "padding": "full"})},
			input: []int{8, 8, 1},
			want:  "padding",
		},
		{
			name:  "unknown activation",
			nodes: []graph.Node{node("activation", map[string]any{"function": "swoosh"})},
			input: []int{4},
			want:  "unknown activation",
		},
		{
			name:  "dropout out of range",
			nodes: []graph.Node{node("dropout", map[string]any{"p": 1.0})},
			input: []int{4},
			want:  "dropout p",
		},
		{
			name:  "batchnorm momentum",
			nodes: []graph.Node{node("batchnorm", map[string]any{"momentum": 0})},
			input: []int{4},
			want:  "momentum",
		},
		{
			name:  "layernorm width",
			nodes: []graph.Node{node("layernorm", map[string]any{"normalized_shape": 3})},
			input: []int{4},
			want:  "normalized_shape",
		},
		{
			name:  "zero classes",
			nodes: nil,
			input: []int{4},
			want:  "num_classes",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := append([]graph.Node{node("input", nil)}, tt.nodes...)
			out := map[string]any{}
			if tt.want == "num_classes" {
				out["num_classes"] = 0
			}
			nodes = append(nodes, node("output", out))

			_, err := New(Options{}).Compile(graph.Sequential(nodes...), tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCompile)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompileRejectsInvalidGraph(t *testing.T) {
	g := graph.Sequential(node("input", nil), node("lstm", nil), node("output", nil))

	_, err := New(Options{}).Compile(g, []int{4})
	assert.ErrorIs(t, err, graph.ErrInvalid)
	assert.NotErrorIs(t, err, ErrCompile)
}
