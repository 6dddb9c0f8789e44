package training

// ZeroGradHook clears gradients before a backward pass. The trainer invokes
// it once per batch; a nil hook disables gradient zeroing entirely.
type ZeroGradHook func(epoch, batchIdx int, opt Optimizer)

// DefaultZeroGrad is the hook installed on every module by default.
func DefaultZeroGrad(epoch, batchIdx int, opt Optimizer) {
	opt.ZeroGrad()
}

// Module is anything holding trainable parameters.
type Module interface {
	Parameters() []*Param
}

// HookedModule is a module whose zero-grad hook can be inspected and swapped.
// A strategy that accumulates gradients across batches needs to disable the
// hook and restore it when training ends.
type HookedModule interface {
	Module

	// OptimizerZeroGrad returns the currently installed hook, nil when
	// zeroing is disabled.
	OptimizerZeroGrad() ZeroGradHook

	// SetOptimizerZeroGrad installs a user-supplied hook, marking the
	// default as overridden.
	SetOptimizerZeroGrad(hook ZeroGradHook)

	// ReplaceOptimizerZeroGrad swaps the hook without touching the
	// overridden flag and returns the previous hook so it can be restored.
	ReplaceOptimizerZeroGrad(hook ZeroGradHook) ZeroGradHook

	// ZeroGradOverridden reports whether user code replaced the default
	// hook through SetOptimizerZeroGrad.
	ZeroGradOverridden() bool
}

// TrainingModule is what the trainer fit loop runs: a hooked module whose
// TrainingStep computes the loss for one batch and accumulates gradients
// into its parameters.
type TrainingModule interface {
	HookedModule
	TrainingStep(batch any) (loss float64, err error)
}

// OptimizerConfigurator lets a module supply its own optimizers and
// schedulers, mirroring how training modules usually declare them.
type OptimizerConfigurator interface {
	ConfigureOptimizers() ([]Optimizer, []LRScheduler)
}

// BaseModule carries the zero-grad hook bookkeeping. Embed it in a module
// and implement Parameters (plus TrainingStep for trainable modules).
type BaseModule struct {
	hook       ZeroGradHook
	hookSwap   bool
	overridden bool
}

func (m *BaseModule) OptimizerZeroGrad() ZeroGradHook {
	if !m.hookSwap {
		return DefaultZeroGrad
	}
	return m.hook
}

func (m *BaseModule) SetOptimizerZeroGrad(hook ZeroGradHook) {
	m.hook = hook
	m.hookSwap = true
	m.overridden = true
}

func (m *BaseModule) ReplaceOptimizerZeroGrad(hook ZeroGradHook) ZeroGradHook {
	prev := m.OptimizerZeroGrad()
	m.hook = hook
	m.hookSwap = true
	return prev
}

func (m *BaseModule) ZeroGradOverridden() bool {
	return m.overridden
}

// DeviceMover is implemented by modules that move their parameters between
// devices. Modules without it are assumed device-agnostic.
type DeviceMover interface {
	MoveTo(device Device) error
}
