package strategy

import (
	"testing"

	"github.com/collabtrain/swarm/training"
)

type fakeStepper struct{ epoch int64 }

func (f *fakeStepper) LocalEpoch() int64 { return f.epoch }

type countingScheduler struct{ steps int }

func (c *countingScheduler) Step()                      { c.steps++ }
func (c *countingScheduler) State() ([]byte, error)     { return nil, nil }
func (c *countingScheduler) LoadState(data []byte) error { return nil }

func TestSchedulerFollowsGlobalStep(t *testing.T) {
	stepper := &fakeStepper{}
	inner := &countingScheduler{}
	sched := NewScheduler(stepper, inner)

	// the first trainer call catches up from the initial -1 to epoch 0
	sched.Step()
	if inner.steps != 1 {
		t.Fatalf("expected 1 inner step, got %d", inner.steps)
	}

	// no global progress, no inner steps however often the trainer calls
	sched.Step()
	sched.Step()
	if inner.steps != 1 {
		t.Fatalf("scheduler stepped without global progress: %d", inner.steps)
	}

	// two global steps at once are both forwarded
	stepper.epoch = 2
	sched.Step()
	if inner.steps != 3 {
		t.Fatalf("expected 3 inner steps, got %d", inner.steps)
	}

	if sched.Unwrap() != training.LRScheduler(inner) {
		t.Fatal("Unwrap did not return the wrapped scheduler")
	}
}
