package training

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

type recordingStrategy struct {
	setup    int
	batches  []int
	teardown int
}

func (s *recordingStrategy) Setup(t *Trainer) error { s.setup++; return nil }

func (s *recordingStrategy) OnTrainBatchStart(batch any, batchIdx int) error {
	s.batches = append(s.batches, batchIdx)
	return nil
}

func (s *recordingStrategy) RootDevice() (Device, error) {
	return Device{Kind: AcceleratorCPU}, nil
}

func (s *recordingStrategy) Reduce(v any) any    { return v }
func (s *recordingStrategy) AllGather(v any) any { return v }
func (s *recordingStrategy) Broadcast(v any) any { return v }
func (s *recordingStrategy) Barrier()            {}
func (s *recordingStrategy) Teardown() error     { s.teardown++; return nil }

type stubModule struct {
	BaseModule
	param *Param
	steps int
}

func (m *stubModule) Parameters() []*Param { return []*Param{m.param} }

func (m *stubModule) ConfigureOptimizers() ([]Optimizer, []LRScheduler) {
	opt := NewSGD([]*ParamGroup{{Params: []*Param{m.param}, LR: 0.1}}, 0)
	return []Optimizer{opt}, []LRScheduler{NewExponentialLR(opt, 0.5)}
}

func (m *stubModule) TrainingStep(batch any) (float64, error) {
	m.steps++
	m.param.Grad[0] = 1
	return 1, nil
}

func TestFitDrivesStrategyLifecycle(t *testing.T) {
	strat := &recordingStrategy{}
	trainer := NewTrainer(strat, WithMaxEpochs(2), WithLogger(hclog.NewNullLogger()))
	mod := &stubModule{param: NewParam([]float32{0})}

	batches := []any{[]int{1, 2}, []int{3, 4}}
	if err := trainer.Fit(mod, batches); err != nil {
		t.Fatal(err)
	}
	if strat.setup != 1 || strat.teardown != 1 {
		t.Fatalf("expected one setup and one teardown, got %d and %d", strat.setup, strat.teardown)
	}
	if len(strat.batches) != 4 {
		t.Fatalf("expected 4 batch starts, got %d", len(strat.batches))
	}
	if mod.steps != 4 {
		t.Fatalf("expected 4 training steps, got %d", mod.steps)
	}
	if len(trainer.Optimizers) != 1 || len(trainer.SchedulerConfigs) != 1 {
		t.Fatalf("optimizers not collected from the module: %d optimizers, %d schedulers",
			len(trainer.Optimizers), len(trainer.SchedulerConfigs))
	}
	// lr decayed once per batch, parameters moved by each step
	if lr := trainer.Optimizers[0].ParamGroups()[0].LR; lr != 0.1*0.5*0.5*0.5*0.5 {
		t.Fatalf("unexpected final lr %v", lr)
	}
	if mod.param.Data[0] >= 0 {
		t.Fatalf("parameter did not descend: %v", mod.param.Data[0])
	}
}

func TestFitWithoutOptimizers(t *testing.T) {
	trainer := NewTrainer(&recordingStrategy{}, WithLogger(hclog.NewNullLogger()))
	mod := &bareModule{param: NewParam([]float32{0})}
	if err := trainer.Fit(mod, []any{[]int{1}}); err == nil {
		t.Fatal("expected an error for a module without optimizers")
	}
}

type bareModule struct {
	BaseModule
	param *Param
}

func (m *bareModule) Parameters() []*Param { return []*Param{m.param} }

func (m *bareModule) TrainingStep(batch any) (float64, error) { return 0, nil }
