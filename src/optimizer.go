package flow

import "math"

// Optimizer updates network parameters from their accumulated gradients
type Optimizer interface {
	init(params []*tensor)
	step(params []*tensor, grads []*tensor)
	name() string
}

// SGDOptimizer - Stochastic Gradient Descent
type SGDOptimizer struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool
	velocities  [][]float64
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	WeightDecay float64
	Nesterov    bool
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{
		LR:          config.LR,
		Momentum:    config.Momentum,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
}

func (s *SGDOptimizer) init(params []*tensor) {
	s.velocities = make([][]float64, len(params))
	for i, p := range params {
		s.velocities[i] = make([]float64, len(p.data))
	}
}

func (s *SGDOptimizer) step(params []*tensor, grads []*tensor) {
	if s.velocities == nil {
		s.init(params)
	}
	for i, p := range params {
		g := grads[i].data
		v := s.velocities[i]

		for j := range p.data {
			grad := g[j]
			if s.WeightDecay != 0 {
				grad += s.WeightDecay * p.data[j]
			}
			if s.Momentum != 0 {
				v[j] = s.Momentum*v[j] + grad
				if s.Nesterov {
					grad += s.Momentum * v[j]
				} else {
					grad = v[j]
				}
			}
			p.data[j] -= s.LR * grad
		}
	}
}

func (s *SGDOptimizer) name() string { return "sgd" }

// moments holds the first/second moment estimates shared by the Adam family
type moments struct {
	m [][]float64
	v [][]float64
	t int
}

func (mo *moments) init(params []*tensor) {
	mo.m = make([][]float64, len(params))
	mo.v = make([][]float64, len(params))
	for i, p := range params {
		mo.m[i] = make([]float64, len(p.data))
		mo.v[i] = make([]float64, len(p.data))
	}
	mo.t = 0
}

// update advances the estimates for parameter i, element j and returns the
// bias-corrected Adam direction m̂/(√v̂+ε).
func (mo *moments) update(i, j int, grad, beta1, beta2, eps, bc1, bc2 float64) float64 {
	m, v := mo.m[i], mo.v[i]
	m[j] = beta1*m[j] + (1-beta1)*grad
	v[j] = beta2*v[j] + (1-beta2)*grad*grad
	return (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + eps)
}

// AdamOptimizer - Adaptive Moment Estimation with optional L2 weight decay
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	moments
}

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}
}

func (a *AdamOptimizer) step(params []*tensor, grads []*tensor) {
	if a.m == nil {
		a.init(params)
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		g := grads[i].data
		for j := range p.data {
			grad := g[j]
			if a.WeightDecay != 0 {
				grad += a.WeightDecay * p.data[j]
			}
			p.data[j] -= a.LR * a.update(i, j, grad, a.Beta1, a.Beta2, a.Epsilon, bc1, bc2)
		}
	}
}

func (a *AdamOptimizer) name() string { return "adam" }

// AdamWOptimizer - Adam with decoupled weight decay
type AdamWOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	moments
}

type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

func AdamW(config AdamWConfig) Optimizer {
	return &AdamWOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}
}

func (a *AdamWOptimizer) step(params []*tensor, grads []*tensor) {
	if a.m == nil {
		a.init(params)
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		g := grads[i].data
		for j := range p.data {
			p.data[j] -= a.LR * a.WeightDecay * p.data[j]
			p.data[j] -= a.LR * a.update(i, j, g[j], a.Beta1, a.Beta2, a.Epsilon, bc1, bc2)
		}
	}
}

func (a *AdamWOptimizer) name() string { return "adamw" }
