// Package flow is the numeric engine behind flowtrain.
//
// Flow keeps an explicit-configuration API: every layer, loss and optimizer is
// built from a config value, and nothing is read from process-wide state.
// Training is driven one step at a time by the caller, which owns the
// epoch/batch loop:
//
//	net, err := flow.NewNetwork(flow.NetworkConfig{Seed: 42}).
//		AddLayer(flow.Flatten().Build()).
//		AddLayer(flow.Dense(128).
//			WithActivation(flow.ReLU()).
//			WithInitializer(flow.HeNormal(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		AddLayer(flow.Dense(10).
//			WithActivation(flow.Linear()).
//			WithInitializer(flow.XavierNormal(1.0)).
//			WithBiasInitializer(flow.Zeros()).
//			WithBias(true).
//			Build()).
//		Build([]int{28, 28, 1})
//
//	err = net.Compile(flow.CompileConfig{
//		Optimizer: flow.Adam(flow.AdamConfig{
//			LR:      0.001,
//			Beta1:   0.9,
//			Beta2:   0.999,
//			Epsilon: 1e-8,
//		}),
//		Loss:         flow.SoftmaxCrossEntropy(),
//		GradientClip: flow.GradientClipConfig{Mode: "none"},
//	})
//
//	res, err := net.TrainStep(batch)  // zero grad, forward, loss, backward, step
//	res, err = net.EvalStep(valBatch) // inference mode, no parameter update
//	params := net.StateDict()
package flow

// Version of the Flow library
const Version = "1.1.0"
