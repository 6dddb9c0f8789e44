package training

import (
	"encoding/json"
	"math"
)

// LRScheduler adjusts the learning rate of an optimizer over training.
type LRScheduler interface {
	// Step advances the schedule by one step.
	Step()

	// State returns the scheduler state as an opaque blob.
	State() ([]byte, error)

	// LoadState restores a state previously returned by State.
	LoadState(data []byte) error
}

// MetricScheduler marks schedulers whose stepping depends on a monitored
// metric rather than on the step count alone (plateau-style schedulers).
type MetricScheduler interface {
	LRScheduler

	// StepMetric advances the schedule using the observed metric value.
	StepMetric(metric float64)
}

// SchedulerFactory builds a scheduler bound to the given optimizer. A
// strategy that re-creates the optimizer needs it to re-associate the
// scheduler with the new instance.
type SchedulerFactory func(opt Optimizer) LRScheduler

// SchedulerConfig is one entry of the trainer's scheduler list.
type SchedulerConfig struct {
	Scheduler LRScheduler
}

// ExponentialLR decays every group's learning rate by gamma each step.
type ExponentialLR struct {
	opt     Optimizer
	gamma   float64
	epoch   int
	baseLRs []float64
}

func NewExponentialLR(opt Optimizer, gamma float64) *ExponentialLR {
	groups := opt.ParamGroups()
	base := make([]float64, len(groups))
	for i, g := range groups {
		base[i] = g.LR
	}
	return &ExponentialLR{opt: opt, gamma: gamma, baseLRs: base}
}

func (s *ExponentialLR) Step() {
	s.epoch++
	for i, g := range s.opt.ParamGroups() {
		g.LR = s.baseLRs[i] * math.Pow(s.gamma, float64(s.epoch))
	}
}

// Epoch returns the number of steps taken so far.
func (s *ExponentialLR) Epoch() int {
	return s.epoch
}

type exponentialLRState struct {
	Epoch   int       `json:"epoch"`
	Gamma   float64   `json:"gamma"`
	BaseLRs []float64 `json:"base_lrs"`
}

func (s *ExponentialLR) State() ([]byte, error) {
	return json.Marshal(exponentialLRState{Epoch: s.epoch, Gamma: s.gamma, BaseLRs: s.baseLRs})
}

func (s *ExponentialLR) LoadState(data []byte) error {
	var st exponentialLRState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.epoch = st.Epoch
	s.gamma = st.Gamma
	s.baseLRs = st.BaseLRs
	return nil
}
