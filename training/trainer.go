package training

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Strategy is the pluggable distributed-training capability the trainer
// drives through its lifecycle. The collective operations return their input
// unchanged for strategies whose coordination happens out of band.
type Strategy interface {
	// Setup is called once before training starts, after the trainer has
	// collected optimizers and schedulers from the module.
	Setup(t *Trainer) error

	// OnTrainBatchStart is called before every batch.
	OnTrainBatchStart(batch any, batchIdx int) error

	// RootDevice reports the device this process trains on.
	RootDevice() (Device, error)

	Reduce(v any) any
	AllGather(v any) any
	Broadcast(v any) any
	Barrier()

	// Teardown releases everything the strategy owns. It is called exactly
	// once when training ends, successfully or not.
	Teardown() error
}

// GradScaler scales losses and gradients for reduced-precision training.
// ScaleGrads and Unscale are inverses: the trainer scales the gradient
// buffers as a backward pass over the scaled loss would produce them, then
// unscales to recover the true gradients, letting the scaler spot overflow
// on the way back.
type GradScaler interface {
	Scale(loss float64) float64
	ScaleGrads(groups []*ParamGroup)
	Unscale(groups []*ParamGroup)
	Update()
}

// PrecisionPlugin holds the trainer's numeric precision and, for half
// precision, the gradient scaler in use.
type PrecisionPlugin struct {
	Precision string
	Scaler    GradScaler
}

// Trainer owns the training loop and the objects the strategy manipulates:
// the optimizer list, the scheduler list, the module and the precision
// plugin.
type Trainer struct {
	Optimizers       []Optimizer
	SchedulerConfigs []*SchedulerConfig
	Accelerator      AcceleratorKind
	DeviceIndex      int
	Precision        PrecisionPlugin
	Module           TrainingModule
	MaxEpochs        int

	strategy Strategy
	log      hclog.Logger
}

type TrainerOption func(*Trainer)

func WithMaxEpochs(n int) TrainerOption {
	return func(t *Trainer) { t.MaxEpochs = n }
}

func WithAccelerator(kind AcceleratorKind) TrainerOption {
	return func(t *Trainer) { t.Accelerator = kind }
}

func WithPrecision(precision string) TrainerOption {
	return func(t *Trainer) { t.Precision.Precision = precision }
}

func WithLogger(log hclog.Logger) TrainerOption {
	return func(t *Trainer) { t.log = log }
}

func NewTrainer(strategy Strategy, opts ...TrainerOption) *Trainer {
	t := &Trainer{
		strategy:    strategy,
		Accelerator: AcceleratorCPU,
		Precision:   PrecisionPlugin{Precision: "32"},
		MaxEpochs:   1,
		log:         hclog.Default().Named("trainer"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Strategy returns the strategy the trainer was built with.
func (t *Trainer) Strategy() Strategy {
	return t.strategy
}

// Fit trains the module over the given batches for MaxEpochs epochs. The
// strategy is set up before the first batch and torn down when Fit returns,
// whatever the outcome.
func (t *Trainer) Fit(module TrainingModule, batches []any) (err error) {
	t.Module = module
	if c, ok := module.(OptimizerConfigurator); ok {
		opts, scheds := c.ConfigureOptimizers()
		t.Optimizers = opts
		t.SchedulerConfigs = nil
		for _, s := range scheds {
			t.SchedulerConfigs = append(t.SchedulerConfigs, &SchedulerConfig{Scheduler: s})
		}
	} else if len(t.Optimizers) == 0 {
		return fmt.Errorf("module %T does not configure optimizers and none were set on the trainer", module)
	}

	defer func() {
		if terr := t.strategy.Teardown(); terr != nil && err == nil {
			err = terr
		}
	}()

	if err := t.strategy.Setup(t); err != nil {
		return err
	}

	for epoch := 0; epoch < t.MaxEpochs; epoch++ {
		for i, batch := range batches {
			if err := t.strategy.OnTrainBatchStart(batch, i); err != nil {
				return err
			}
			if hook := t.Module.OptimizerZeroGrad(); hook != nil {
				hook(epoch, i, t.Optimizers[0])
			}
			loss, err := t.Module.TrainingStep(batch)
			if err != nil {
				return fmt.Errorf("training step failed on batch %d: %w", i, err)
			}
			if t.Precision.Scaler != nil {
				loss = t.Precision.Scaler.Scale(loss)
				t.Precision.Scaler.ScaleGrads(t.Optimizers[0].ParamGroups())
				t.Precision.Scaler.Unscale(t.Optimizers[0].ParamGroups())
			}
			t.log.Debug("batch done", "epoch", epoch, "batch", i, "loss", loss)
			for _, opt := range t.Optimizers {
				opt.Step()
			}
			if t.Precision.Scaler != nil {
				t.Precision.Scaler.Update()
			}
			for _, sc := range t.SchedulerConfigs {
				sc.Scheduler.Step()
			}
		}
	}
	return nil
}
