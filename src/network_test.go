package flow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBatch(seed int64, count int, shape []int, classes int) Batch {
	rng := rand.New(rand.NewSource(seed))
	b := Batch{
		Inputs: make([]float64, count*shapeProduct(shape)),
		Labels: make([]int, count),
	}
	for i := range b.Inputs {
		b.Inputs[i] = rng.NormFloat64()
	}
	for i := range b.Labels {
		b.Labels[i] = rng.Intn(classes)
	}
	return b
}

func dense(units int, act Activation) Layer {
	return Dense(units).
		WithActivation(act).
		WithInitializer(XavierNormal(1.0)).
		WithBiasInitializer(FanInUniform()).
		WithBias(true).
		Build()
}

func compileForGradCheck(t *testing.T, net *Network, loss Loss) {
	t.Helper()
	require.NoError(t, net.Compile(CompileConfig{
		Optimizer:    SGD(SGDConfig{LR: 0}),
		Loss:         loss,
		GradientClip: GradientClipConfig{Mode: "none"},
	}))
}

// checkGradients compares backprop gradients with central differences.
func checkGradients(t *testing.T, net *Network, b Batch) {
	t.Helper()

	_, err := net.TrainStep(b)
	require.NoError(t, err)

	x, err := net.batchTensor(b)
	require.NoError(t, err)
	lossAt := func() float64 {
		out, err := net.forward(x, true)
		require.NoError(t, err)
		return net.loss.compute(out, b.Labels)
	}

	const eps = 1e-6
	for pi, p := range net.params {
		g := net.grads[pi]
		for j := range p.data {
			orig := p.data[j]
			p.data[j] = orig + eps
			plus := lossAt()
			p.data[j] = orig - eps
			minus := lossAt()
			p.data[j] = orig

			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, g.data[j], 1e-5, "param %d element %d", pi, j)
		}
	}
}

func TestGradients(t *testing.T) {
	tests := []struct {
		name    string
		layers  func() []Layer
		input   []int
		classes int
		loss    Loss
	}{
		{
			name: "dense tanh",
			layers: func() []Layer {
				return []Layer{dense(5, Tanh()), dense(3, Linear())}
			},
			input:   []int{4},
			classes: 3,
			loss:    SoftmaxCrossEntropy(),
		},
		{
			name: "dense with standalone activations and softmax",
			layers: func() []Layer {
				return []Layer{
					dense(6, Linear()),
					Activate(GELU()).Build(),
					dense(3, Linear()),
					Activate(Softmax()).Build(),
				}
			},
			input:   []int{4},
			classes: 3,
			loss:    MSE(),
		},
		{
			name: "batch norm and layer norm",
			layers: func() []Layer {
				return []Layer{
					dense(6, Linear()),
					BatchNorm(1e-5, 0.9).Build(),
					Activate(Sigmoid()).Build(),
					LayerNorm(1e-5).Build(),
					dense(2, Linear()),
				}
			},
			input:   []int{3},
			classes: 2,
			loss:    BCEWithLogits(),
		},
		{
			name: "conv same padding stride two with max pool",
			layers: func() []Layer {
				return []Layer{
					Conv2D(3, [2]int{3, 3}).
						WithStride(2, 2).
						WithPadding("same").
						WithActivation(Tanh()).
						WithInitializer(HeNormal(1.0)).
						WithBiasInitializer(FanInUniform()).
						WithBias(true).
						Build(),
					MaxPool2D([2]int{2, 2}).Build(),
					Flatten().Build(),
					dense(3, Linear()),
				}
			},
			input:   []int{7, 7, 2},
			classes: 3,
			loss:    SoftmaxCrossEntropy(),
		},
		{
			name: "conv explicit padding with avg pool and batch norm",
			layers: func() []Layer {
				return []Layer{
					Conv2D(2, [2]int{2, 2}).
						WithPaddingSize(1, 1).
						WithActivation(Linear()).
						WithInitializer(HeNormal(1.0)).
						WithBiasInitializer(FanInUniform()).
						WithBias(true).
						Build(),
					BatchNorm(1e-5, 0.9).Build(),
					AvgPool2D([2]int{2, 2}).WithStride(1, 1).Build(),
					Flatten().Build(),
					dense(2, Linear()),
				}
			},
			input:   []int{4, 4, 1},
			classes: 2,
			loss:    SoftmaxCrossEntropy(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := NewNetwork(NetworkConfig{Seed: 7, Validation: ValidationStrict})
			for _, l := range tt.layers() {
				builder.AddLayer(l)
			}
			net, err := builder.Build(tt.input)
			require.NoError(t, err)
			compileForGradCheck(t, net, tt.loss)

			checkGradients(t, net, randomBatch(11, 4, tt.input, tt.classes))
		})
	}
}

func TestSoftmaxCrossEntropyValue(t *testing.T) {
	pred := tensorFrom([]float64{0, 0, 0, 1, 2, 3}, 2, 3)
	got := SoftmaxCrossEntropy().compute(pred, []int{0, 2})

	row2 := math.Log(math.Exp(1)+math.Exp(2)+math.Exp(3)) - 3
	assert.InDelta(t, (math.Log(3)+row2)/2, got, 1e-12)
}

func TestBCEWithLogitsValue(t *testing.T) {
	pred := tensorFrom([]float64{0, 0}, 1, 2)
	got := BCEWithLogits().compute(pred, []int{1})
	assert.InDelta(t, math.Log(2), got, 1e-12)
}

func newClassifier(t *testing.T, opt Optimizer) *Network {
	t.Helper()
	net, err := NewNetwork(NetworkConfig{Seed: 3}).
		AddLayer(dense(8, Tanh())).
		AddLayer(Dropout(0.2).Build()).
		AddLayer(dense(2, Linear())).
		Build([]int{2})
	require.NoError(t, err)
	require.NoError(t, net.Compile(CompileConfig{
		Optimizer:    opt,
		Loss:         SoftmaxCrossEntropy(),
		GradientClip: GradientClipConfig{Mode: "norm", MaxNorm: 5},
	}))
	return net
}

func TestTrainStepReducesLoss(t *testing.T) {
	optimizers := map[string]func() Optimizer{
		"adam":  func() Optimizer { return Adam(AdamConfig{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}) },
		"adamw": func() Optimizer { return AdamW(AdamWConfig{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 0.01}) },
		"sgd":   func() Optimizer { return SGD(SGDConfig{LR: 0.1}) },
	}
	batch := Batch{Inputs: []float64{0, 0, 0, 1, 1, 0, 1, 1}, Labels: []int{0, 1, 1, 0}}

	for name, opt := range optimizers {
		t.Run(name, func(t *testing.T) {
			net := newClassifier(t, opt())
			before, err := net.EvalStep(batch)
			require.NoError(t, err)

			for range 200 {
				_, err := net.TrainStep(batch)
				require.NoError(t, err)
			}

			after, err := net.EvalStep(batch)
			require.NoError(t, err)
			assert.Less(t, after.Loss, before.Loss)
			assert.Equal(t, 4, after.Count)
		})
	}
}

func TestEvalStepLeavesParametersUntouched(t *testing.T) {
	net := newClassifier(t, Adam(AdamConfig{LR: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}))
	before := net.StateDict()

	_, err := net.EvalStep(Batch{Inputs: []float64{1, 2}, Labels: []int{1}})
	require.NoError(t, err)

	assert.Equal(t, before, net.StateDict())
}

func TestBatchValidation(t *testing.T) {
	net := newClassifier(t, SGD(SGDConfig{LR: 0.1}))

	tests := []struct {
		name  string
		batch Batch
		want  string
	}{
		{"empty", Batch{}, "empty batch"},
		{"size mismatch", Batch{Inputs: []float64{1, 2, 3}, Labels: []int{0}}, "expected 2"},
		{"label out of range", Batch{Inputs: []float64{1, 2}, Labels: []int{2}}, "out of range"},
		{"negative label", Batch{Inputs: []float64{1, 2}, Labels: []int{-1}}, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := net.TrainStep(tt.batch)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNonFiniteLossIsAnError(t *testing.T) {
	net := newClassifier(t, SGD(SGDConfig{LR: 0.1}))
	_, err := net.TrainStep(Batch{Inputs: []float64{math.NaN(), 0}, Labels: []int{0}})
	require.Error(t, err)

	var fe *FlowError
	assert.ErrorAs(t, err, &fe)
}

func TestStateDict(t *testing.T) {
	build := func(seed int64) *Network {
		net, err := NewNetwork(NetworkConfig{Seed: seed}).
			AddLayer(Flatten().Build()).
			AddLayer(dense(4, ReLU())).
			AddLayer(BatchNorm(1e-5, 0.9).Build()).
			AddLayer(Dense(2).
				WithActivation(Linear()).
				WithInitializer(HeUniform(1.0)).
				WithBias(false).
				Build()).
			Build([]int{2, 3})
		require.NoError(t, err)
		return net
	}

	net := build(1)
	sd := net.StateDict()

	names := make([]string, len(sd))
	for i, e := range sd {
		names[i] = e.Name
	}
	assert.Equal(t, []string{
		"1.weight", "1.bias",
		"2.weight", "2.bias", "2.running_mean", "2.running_var",
		"3.weight",
	}, names)
	assert.Equal(t, []int{6, 4}, sd[0].Shape)
	assert.Equal(t, 6*4+4+2*4+4*2, net.NumParameters())

	other := build(2)
	assert.NotEqual(t, sd, other.StateDict())
	require.NoError(t, other.LoadStateDict(sd))
	assert.Equal(t, sd, other.StateDict())

	assert.Error(t, other.LoadStateDict(sd[:2]))
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name   string
		layers []Layer
		input  []int
	}{
		{"no layers", nil, []int{2}},
		{"dense on image", []Layer{dense(2, Linear())}, []int{2, 2, 1}},
		{"pool after flatten", []Layer{Flatten().Build(), MaxPool2D([2]int{2, 2}).Build()}, []int{4, 4, 1}},
		{"image output", []Layer{MaxPool2D([2]int{2, 2}).Build()}, []int{4, 4, 1}},
		{"kernel larger than input", []Layer{MaxPool2D([2]int{5, 5}).Build()}, []int{4, 4, 1}},
		{"bad dropout", []Layer{Dropout(1.0).Build(), dense(2, Linear())}, []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewNetwork(NetworkConfig{Seed: 1})
			for _, l := range tt.layers {
				b.AddLayer(l)
			}
			_, err := b.Build(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestTally(t *testing.T) {
	var tally Tally
	assert.Zero(t, tally.Loss())
	assert.Zero(t, tally.Accuracy())

	tally.Add(StepResult{Loss: 1.0, Correct: 1, Count: 2})
	tally.Add(StepResult{Loss: 0.5, Correct: 2, Count: 2})
	assert.InDelta(t, 0.75, tally.Loss(), 1e-12)
	assert.InDelta(t, 0.75, tally.Accuracy(), 1e-12)

	tally.Reset()
	assert.Equal(t, Tally{}, tally)
}
