package strategy

import "github.com/collabtrain/swarm/training"

// GlobalStepper reports the number of completed global optimization steps.
// The collaborative optimizer implements it.
type GlobalStepper interface {
	LocalEpoch() int64
}

// Scheduler wraps a learning-rate scheduler so it only advances when the
// collaborative optimizer's global step does. The trainer calls Step once
// per local batch, but a global step completes only when the whole run has
// accumulated the target batch size; without the wrapper the scheduler
// would run ahead of the optimization it schedules.
type Scheduler struct {
	opt      GlobalStepper
	inner    training.LRScheduler
	lastStep int64
}

func NewScheduler(opt GlobalStepper, inner training.LRScheduler) *Scheduler {
	return &Scheduler{opt: opt, inner: inner, lastStep: -1}
}

// Step forwards one step to the wrapped scheduler per unit the global step
// advanced since the last call, and none when it did not move.
func (s *Scheduler) Step() {
	for s.lastStep < s.opt.LocalEpoch() {
		s.inner.Step()
		s.lastStep++
	}
}

// State returns the wrapped scheduler's state unchanged.
func (s *Scheduler) State() ([]byte, error) {
	return s.inner.State()
}

// LoadState restores the wrapped scheduler's state unchanged.
func (s *Scheduler) LoadState(data []byte) error {
	return s.inner.LoadState(data)
}

// Unwrap returns the wrapped scheduler.
func (s *Scheduler) Unwrap() training.LRScheduler {
	return s.inner
}
