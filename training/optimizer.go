// Package training defines the capability set a trainer exposes to a
// distributed strategy: optimizers and their parameter groups, learning-rate
// schedulers, modules with their zero-grad hook, accelerator kinds and the
// trainer loop itself. It also ships small concrete implementations of each
// capability so the strategy can be exercised end to end.
package training

import "math"

// Param is a single trainable tensor together with its gradient buffer.
// Data and Grad always have the same length.
type Param struct {
	Data []float32
	Grad []float32
}

// NewParam allocates a parameter of size n initialized with the given values.
func NewParam(values []float32) *Param {
	p := &Param{
		Data: make([]float32, len(values)),
		Grad: make([]float32, len(values)),
	}
	copy(p.Data, values)
	return p
}

// ParamGroup ties a set of parameters to the hyperparameters they share.
type ParamGroup struct {
	Params []*Param
	LR     float64
}

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every parameter group.
	Step()

	// ZeroGrad clears the gradient buffers of every parameter group.
	ZeroGrad()

	// ParamGroups returns the parameter groups the optimizer owns.
	// The returned slice is shared, not a copy.
	ParamGroups() []*ParamGroup
}

// OptimizerFactory builds a fresh optimizer over the given parameter groups.
type OptimizerFactory func(groups []*ParamGroup) Optimizer

// Recreator lets an optimizer be re-instantiated over a set of parameter
// groups, preserving its hyperparameters but not its internal state. A
// strategy that re-creates the optimizer out of process needs this.
type Recreator interface {
	Recreate(groups []*ParamGroup) Optimizer
}

// SGD is plain stochastic gradient descent with optional momentum.
type SGD struct {
	groups   []*ParamGroup
	momentum float64
	velocity map[*Param][]float32
}

func NewSGD(groups []*ParamGroup, momentum float64) *SGD {
	return &SGD{
		groups:   groups,
		momentum: momentum,
		velocity: make(map[*Param][]float32),
	}
}

func (s *SGD) Step() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			if s.momentum == 0 {
				for i := range p.Data {
					p.Data[i] -= float32(g.LR) * p.Grad[i]
				}
				continue
			}
			v, ok := s.velocity[p]
			if !ok {
				v = make([]float32, len(p.Data))
				s.velocity[p] = v
			}
			for i := range p.Data {
				v[i] = float32(s.momentum)*v[i] + p.Grad[i]
				p.Data[i] -= float32(g.LR) * v[i]
			}
		}
	}
}

func (s *SGD) ZeroGrad() {
	for _, g := range s.groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
	}
}

func (s *SGD) ParamGroups() []*ParamGroup {
	return s.groups
}

// Recreate builds a new SGD over the given groups with the same momentum.
func (s *SGD) Recreate(groups []*ParamGroup) Optimizer {
	return NewSGD(groups, s.momentum)
}

// GradNorm returns the L2 norm of all gradients in the given groups.
func GradNorm(groups []*ParamGroup) float64 {
	var sum float64
	for _, g := range groups {
		for _, p := range g.Params {
			for _, v := range p.Grad {
				sum += float64(v) * float64(v)
			}
		}
	}
	return math.Sqrt(sum)
}
