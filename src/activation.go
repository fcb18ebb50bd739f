package flow

import (
	"math"
	"strings"
)

// Activation represents an activation function applied over the last axis
type Activation interface {
	forward(x *tensor, out *tensor)
	backward(x *tensor, gradOut *tensor, gradIn *tensor)
	name() string
}

// ActivationByName resolves the activation names used in model graphs.
func ActivationByName(name string) (Activation, error) {
	switch strings.ToLower(name) {
	case "relu":
		return ReLU(), nil
	case "leaky_relu", "leakyrelu":
		return LeakyReLU(0.01), nil
	case "elu":
		return ELU(1.0), nil
	case "sigmoid":
		return Sigmoid(), nil
	case "tanh":
		return Tanh(), nil
	case "softmax":
		return Softmax(), nil
	case "swish", "silu":
		return Swish(), nil
	case "gelu":
		return GELU(), nil
	case "linear", "identity", "none", "":
		return Linear(), nil
	default:
		return nil, errorf("unknown activation %q", name)
	}
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = max(v, 0)
	}
}

func (r *ReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = 0
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// LeakyReLUActivation - Leaky ReLU with configurable negative slope
type LeakyReLUActivation struct {
	NegativeSlope float64
}

func LeakyReLU(negativeSlope float64) Activation {
	return &LeakyReLUActivation{NegativeSlope: negativeSlope}
}

func (l *LeakyReLUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = v * l.NegativeSlope
		}
	}
}

func (l *LeakyReLUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = gradOut.data[i] * l.NegativeSlope
		}
	}
}

func (l *LeakyReLUActivation) name() string { return "leaky_relu" }

// ELUActivation - Exponential Linear Unit
type ELUActivation struct {
	Alpha float64
}

func ELU(alpha float64) Activation {
	return &ELUActivation{Alpha: alpha}
}

func (e *ELUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = e.Alpha * math.Expm1(math.Max(v, -700))
		}
	}
}

func (e *ELUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = gradOut.data[i] * e.Alpha * math.Exp(math.Max(v, -700))
		}
	}
}

func (e *ELUActivation) name() string { return "elu" }

// SigmoidActivation
type SigmoidActivation struct{}

func Sigmoid() Activation { return &SigmoidActivation{} }

// sigmoid in the form that does not overflow for large |v|
func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1.0 / (1.0 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1.0 + e)
}

func (s *SigmoidActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = sigmoid(v)
	}
}

func (s *SigmoidActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		sig := sigmoid(v)
		gradIn.data[i] = gradOut.data[i] * sig * (1 - sig)
	}
}

func (s *SigmoidActivation) name() string { return "sigmoid" }

// TanhActivation
type TanhActivation struct{}

func Tanh() Activation { return &TanhActivation{} }

func (t *TanhActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
}

func (t *TanhActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		th := math.Tanh(v)
		gradIn.data[i] = gradOut.data[i] * (1 - th*th)
	}
}

func (t *TanhActivation) name() string { return "tanh" }

// SoftmaxActivation - operates on last dimension
type SoftmaxActivation struct{}

func Softmax() Activation { return &SoftmaxActivation{} }

func (s *SoftmaxActivation) forward(x *tensor, out *tensor) {
	cols := x.shape[len(x.shape)-1]
	for r := 0; r < len(x.data)/cols; r++ {
		softmaxRow(x.data[r*cols:(r+1)*cols], out.data[r*cols:(r+1)*cols])
	}
}

// backward applies the softmax Jacobian row by row:
// dx_i = s_i * (g_i - Σ_j g_j s_j)
func (s *SoftmaxActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	cols := x.shape[len(x.shape)-1]
	sm := make([]float64, cols)
	for r := 0; r < len(x.data)/cols; r++ {
		lo, hi := r*cols, (r+1)*cols
		softmaxRow(x.data[lo:hi], sm)
		g := gradOut.data[lo:hi]
		dot := 0.0
		for j := range sm {
			dot += g[j] * sm[j]
		}
		for j := range sm {
			gradIn.data[lo+j] = sm[j] * (g[j] - dot)
		}
	}
}

func (s *SoftmaxActivation) name() string { return "softmax" }

func softmaxRow(in, out []float64) {
	maxV := in[0]
	for _, v := range in[1:] {
		maxV = max(maxV, v)
	}
	sum := 0.0
	for i, v := range in {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
}

// SwishActivation - x * sigmoid(x)
type SwishActivation struct{}

func Swish() Activation { return &SwishActivation{} }

func (sw *SwishActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = v * sigmoid(v)
	}
}

func (sw *SwishActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	for i, v := range x.data {
		sig := sigmoid(v)
		swish := v * sig
		gradIn.data[i] = gradOut.data[i] * (swish + sig*(1-swish))
	}
}

func (sw *SwishActivation) name() string { return "swish" }

// GELUActivation - Gaussian Error Linear Unit (exact erf form)
type GELUActivation struct{}

func GELU() Activation { return &GELUActivation{} }

func (g *GELUActivation) forward(x *tensor, out *tensor) {
	for i, v := range x.data {
		out.data[i] = 0.5 * v * (1 + math.Erf(v/math.Sqrt2))
	}
}

func (g *GELUActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	invSqrt2Pi := 1 / math.Sqrt(2*math.Pi)
	for i, v := range x.data {
		cdf := 0.5 * (1 + math.Erf(v/math.Sqrt2))
		pdf := invSqrt2Pi * math.Exp(-0.5*v*v)
		gradIn.data[i] = gradOut.data[i] * (cdf + v*pdf)
	}
}

func (g *GELUActivation) name() string { return "gelu" }

// LinearActivation - no-op, identity function
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *tensor, out *tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *tensor, gradOut *tensor, gradIn *tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }
