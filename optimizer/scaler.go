package optimizer

import (
	"math"
	"sync"

	"github.com/collabtrain/swarm/training"
)

const (
	defaultScale   = 65536
	growthFactor   = 2
	backoffFactor  = 0.5
	growthInterval = 2000
)

// GradScaler scales losses and unscales gradients for half-precision
// training. Unlike a synchronous scaler it tolerates the collaborative
// optimizer's delayed step: an Update that arrives before gradients were
// unscaled since the previous one is a no-op instead of an error.
type GradScaler struct {
	mu          sync.Mutex
	scale       float64
	foundInf    bool
	unscaled    bool
	goodUpdates int
}

func NewGradScaler() *GradScaler {
	return &GradScaler{scale: defaultScale}
}

// Scale multiplies the loss by the current scale factor.
func (s *GradScaler) Scale(loss float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return loss * s.scale
}

// ScaleGrads multiplies every gradient by the scale factor, producing the
// values a backward pass over the scaled loss would have left behind.
func (s *GradScaler) ScaleGrads(groups []*training.ParamGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := float32(s.scale)
	for _, g := range groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] *= f
			}
		}
	}
}

// Unscale divides every gradient by the scale factor, noting whether any
// non-finite value shows up.
func (s *GradScaler) Unscale(groups []*training.ParamGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := float32(1 / s.scale)
	for _, g := range groups {
		for _, p := range g.Params {
			for i, v := range p.Grad {
				u := v * inv
				if math.IsInf(float64(u), 0) || math.IsNaN(float64(u)) {
					s.foundInf = true
				}
				p.Grad[i] = u
			}
		}
	}
	s.unscaled = true
}

// Update adjusts the scale factor: backing off after overflow, growing after
// a stretch of clean steps. Without an intervening Unscale it does nothing,
// which is what a step still in flight on the background worker looks like.
func (s *GradScaler) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.unscaled {
		return
	}
	s.unscaled = false
	if s.foundInf {
		s.foundInf = false
		s.goodUpdates = 0
		s.scale *= backoffFactor
		if s.scale < 1 {
			s.scale = 1
		}
		return
	}
	s.goodUpdates++
	if s.goodUpdates >= growthInterval {
		s.goodUpdates = 0
		s.scale *= growthFactor
	}
}

// ScaleFactor returns the current scale.
func (s *GradScaler) ScaleFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}
