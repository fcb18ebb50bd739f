package flow

import (
	"math"
	"math/rand"
	"strings"
)

// Initializer sets up initial weights for layers
type Initializer interface {
	initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand)
	name() string
}

// InitializerByName resolves initializer names used in model graphs. Gains
// default to 1.
func InitializerByName(name string) (Initializer, error) {
	switch strings.ToLower(name) {
	case "he_normal", "kaiming_normal":
		return HeNormal(1.0), nil
	case "he_uniform", "kaiming_uniform":
		return HeUniform(1.0), nil
	case "xavier_normal", "glorot_normal":
		return XavierNormal(1.0), nil
	case "xavier_uniform", "glorot_uniform":
		return XavierUniform(1.0), nil
	case "lecun_normal":
		return LeCunNormal(1.0), nil
	case "lecun_uniform":
		return LeCunUniform(1.0), nil
	case "fan_in_uniform", "default", "":
		return FanInUniform(), nil
	case "zeros":
		return Zeros(), nil
	case "ones":
		return Ones(), nil
	default:
		return nil, errorf("unknown initializer %q", name)
	}
}

// HeNormalInit - He/Kaiming normal initialization
type HeNormalInit struct {
	Gain float64
}

func HeNormal(gain float64) Initializer {
	return &HeNormalInit{Gain: gain}
}

func (h *HeNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := h.Gain * math.Sqrt(2.0/float64(fanIn))
	t.fillRandNorm(0, std, rng)
}

func (h *HeNormalInit) name() string { return "he_normal" }

// HeUniformInit - He/Kaiming uniform initialization
type HeUniformInit struct {
	Gain float64
}

func HeUniform(gain float64) Initializer {
	return &HeUniformInit{Gain: gain}
}

func (h *HeUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := h.Gain * math.Sqrt(6.0/float64(fanIn))
	t.fillRandUniform(-limit, limit, rng)
}

func (h *HeUniformInit) name() string { return "he_uniform" }

// XavierNormalInit - Xavier/Glorot normal initialization
type XavierNormalInit struct {
	Gain float64
}

func XavierNormal(gain float64) Initializer {
	return &XavierNormalInit{Gain: gain}
}

func (x *XavierNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := x.Gain * math.Sqrt(2.0/float64(fanIn+fanOut))
	t.fillRandNorm(0, std, rng)
}

func (x *XavierNormalInit) name() string { return "xavier_normal" }

// XavierUniformInit - Xavier/Glorot uniform initialization
type XavierUniformInit struct {
	Gain float64
}

func XavierUniform(gain float64) Initializer {
	return &XavierUniformInit{Gain: gain}
}

func (x *XavierUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := x.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	t.fillRandUniform(-limit, limit, rng)
}

func (x *XavierUniformInit) name() string { return "xavier_uniform" }

// LeCunNormalInit - LeCun normal initialization
type LeCunNormalInit struct {
	Gain float64
}

func LeCunNormal(gain float64) Initializer {
	return &LeCunNormalInit{Gain: gain}
}

func (l *LeCunNormalInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	std := l.Gain * math.Sqrt(1.0/float64(fanIn))
	t.fillRandNorm(0, std, rng)
}

func (l *LeCunNormalInit) name() string { return "lecun_normal" }

// LeCunUniformInit - LeCun uniform initialization
type LeCunUniformInit struct {
	Gain float64
}

func LeCunUniform(gain float64) Initializer {
	return &LeCunUniformInit{Gain: gain}
}

func (l *LeCunUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := l.Gain * math.Sqrt(3.0/float64(fanIn))
	t.fillRandUniform(-limit, limit, rng)
}

func (l *LeCunUniformInit) name() string { return "lecun_uniform" }

// FanInUniformInit draws from U(-1/√fanIn, 1/√fanIn). Used for both weights
// and biases of graph-compiled linear and conv layers.
type FanInUniformInit struct{}

func FanInUniform() Initializer { return &FanInUniformInit{} }

func (f *FanInUniformInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := 1 / math.Sqrt(float64(max(fanIn, 1)))
	t.fillRandUniform(-limit, limit, rng)
}

func (f *FanInUniformInit) name() string { return "fan_in_uniform" }

// ZerosInit - initialize with zeros
type ZerosInit struct{}

func Zeros() Initializer { return &ZerosInit{} }

func (z *ZerosInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(0)
}

func (z *ZerosInit) name() string { return "zeros" }

// OnesInit - initialize with ones
type OnesInit struct{}

func Ones() Initializer { return &OnesInit{} }

func (o *OnesInit) initialize(t *tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(1)
}

func (o *OnesInit) name() string { return "ones" }
