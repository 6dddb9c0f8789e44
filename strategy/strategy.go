package strategy

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/collabtrain/swarm/dht"
	"github.com/collabtrain/swarm/optimizer"
	"github.com/collabtrain/swarm/training"
)

// InitialPeersEnv supplies a comma-separated initial peer list when the
// configuration does not set one explicitly.
const InitialPeersEnv = "SWARM_INITIAL_PEERS"

// ErrOnlyOneOptimizer is returned when the trainer registered more than one
// optimizer; collaborative training supports exactly one.
var ErrOnlyOneOptimizer = errors.New("collaborative training only supports one optimizer")

// Config is the strategy's constructor surface. TargetBatchSize is the only
// required field; everything else has the defaults documented on it.
type Config struct {
	// TargetBatchSize is the run-wide number of samples accumulated before
	// one synchronized optimization step.
	TargetBatchSize int

	// RunID namespaces all peer-handle records of this training run.
	// Defaults to "swarm_run".
	RunID string

	// BatchSize is the per-process batch size. Zero means infer it from
	// the first observed batch.
	BatchSize int

	DelayStateAveraging bool
	DelayOptimizerStep  bool
	DelayGradAveraging  bool
	OffloadOptimizer    bool

	// ReuseGradBuffers accumulates gradients in the parameters' own
	// buffers; the module's zero-grad hook is disabled while training.
	ReuseGradBuffers bool

	// SchedulerFactory re-creates the learning-rate scheduler against the
	// collaborative optimizer. Required for correct scheduling when any of
	// the delay or offload flags re-create the inner optimizer.
	SchedulerFactory training.SchedulerFactory

	// MatchmakingTime defaults to 5s, AveragingTimeout to 30s.
	MatchmakingTime  time.Duration
	AveragingTimeout time.Duration

	GradCompression           string
	StateAveragingCompression string

	Verbose  bool
	Averager optimizer.AveragerOptions

	// ListenAddrs replaces the peer handle's default listen addresses.
	ListenAddrs []string

	// InitialPeers overrides the environment variable fallback.
	InitialPeers []string

	// AutoDiscovery finds initial peers over multicast instead of
	// explicit addresses.
	AutoDiscovery bool

	// WaitTimeout bounds a single peer-handle request, default 3s.
	WaitTimeout time.Duration

	// BootstrapTimeout bounds retries while joining initial peers.
	BootstrapTimeout time.Duration

	// DisableRelay stops the peer handle from relaying join announcements.
	DisableRelay bool

	// UseAutoRelay asks reachable peers to re-announce this process.
	UseAutoRelay bool

	// IdentityPath makes the peer id deterministic.
	IdentityPath string

	Logger hclog.Logger
}

// Strategy delegates distributed optimization to the collaborative
// peer-to-peer optimizer. It implements training.Strategy.
type Strategy struct {
	cfg Config
	log hclog.Logger

	dht          *dht.DHT
	initialPeers []string

	trainer            *training.Trainer
	opt                *optimizer.Optimizer
	initialized        bool
	requireSchedulerFn bool
	batchSize          int

	zeroGradOriginal training.ZeroGradHook
	zeroGradDisabled bool
}

// New starts the peer handle and returns the strategy. The peer handle's
// network stack is only certified for Linux; construction fails elsewhere.
func New(cfg Config) (*Strategy, error) {
	if runtime.GOOS != "linux" {
		return nil, fmt.Errorf("collaborative training requires Linux, running on %s", runtime.GOOS)
	}
	if cfg.TargetBatchSize <= 0 {
		return nil, fmt.Errorf("target batch size must be positive, got %d", cfg.TargetBatchSize)
	}
	if cfg.RunID == "" {
		cfg.RunID = "swarm_run"
	}
	if cfg.MatchmakingTime <= 0 {
		cfg.MatchmakingTime = 5 * time.Second
	}
	if cfg.AveragingTimeout <= 0 {
		cfg.AveragingTimeout = 30 * time.Second
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = dht.DefaultWaitTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = hclog.Default().Named("swarm")
	}
	if cfg.Verbose {
		log.SetLevel(hclog.Debug)
	}

	s := &Strategy{
		cfg:                cfg,
		log:                log,
		initialPeers:       resolveInitialPeers(cfg.InitialPeers),
		requireSchedulerFn: cfg.DelayOptimizerStep || cfg.DelayStateAveraging || cfg.OffloadOptimizer,
		batchSize:          cfg.BatchSize,
	}

	handle, err := dht.New(
		dht.WithListenAddrs(cfg.ListenAddrs),
		dht.WithInitialPeers(s.initialPeers),
		dht.WithIdentityPath(cfg.IdentityPath),
		dht.WithWaitTimeout(cfg.WaitTimeout),
		dht.WithBootstrapTimeout(cfg.BootstrapTimeout),
		dht.WithAutoDiscovery(cfg.AutoDiscovery),
		dht.WithRelay(!cfg.DisableRelay),
		dht.WithAutoRelay(cfg.UseAutoRelay),
		dht.WithLogger(log.Named("dht")),
	)
	if err != nil {
		return nil, err
	}
	s.dht = handle

	if len(s.initialPeers) == 0 {
		visible := strings.Join(handle.VisibleAddrs(), ",")
		s.log.Info("other machines can join this run",
			"env", fmt.Sprintf("%s=%s", InitialPeersEnv, visible))
	}
	return s, nil
}

// resolveInitialPeers applies the resolution order: the explicit list wins,
// otherwise the environment variable is split on commas.
func resolveInitialPeers(explicit []string) []string {
	if explicit != nil {
		return explicit
	}
	env, ok := os.LookupEnv(InitialPeersEnv)
	if !ok || env == "" {
		return nil
	}
	return strings.Split(env, ",")
}

// InitialPeers returns the resolved initial peer list.
func (s *Strategy) InitialPeers() []string {
	return s.initialPeers
}

// DHT exposes the peer handle the strategy owns.
func (s *Strategy) DHT() *dht.DHT {
	return s.dht
}

// Optimizer returns the collaborative optimizer, nil before the first
// training batch.
func (s *Strategy) Optimizer() *optimizer.Optimizer {
	return s.opt
}

// NumPeers reports the run's peer count, 1 before initialization.
func (s *Strategy) NumPeers() int {
	if s.opt != nil {
		return s.opt.NumPeers()
	}
	return 1
}

// GlobalRank is zero on every peer: the topology is symmetric and has no
// rank concept, so no process is ever "not the primary".
func (s *Strategy) GlobalRank() int {
	return 0
}

// IsGlobalZero is true on every peer, see GlobalRank.
func (s *Strategy) IsGlobalZero() bool {
	return true
}

// RootDevice resolves the trainer's accelerator to a device.
func (s *Strategy) RootDevice() (training.Device, error) {
	if s.trainer == nil {
		return training.Device{}, errors.New("the strategy is not attached to a trainer yet")
	}
	switch s.trainer.Accelerator {
	case training.AcceleratorCPU:
		return training.Device{Kind: training.AcceleratorCPU}, nil
	case training.AcceleratorCUDA:
		return training.Device{Kind: training.AcceleratorCUDA, Index: s.trainer.DeviceIndex}, nil
	default:
		return training.Device{}, fmt.Errorf("cannot infer a device from accelerator %q", s.trainer.Accelerator)
	}
}

// Setup moves the module to the resolved device and, at half precision,
// installs a gradient scaler compatible with the asynchronous step.
func (s *Strategy) Setup(t *training.Trainer) error {
	s.trainer = t
	device, err := s.RootDevice()
	if err != nil {
		return err
	}
	if mover, ok := t.Module.(training.DeviceMover); ok {
		if err := mover.MoveTo(device); err != nil {
			return fmt.Errorf("moving the module to %s: %w", device, err)
		}
	}
	if t.Precision.Precision == "16" {
		t.Precision.Scaler = optimizer.NewGradScaler()
	}
	return nil
}

// OnTrainBatchStart performs the one-time optimizer construction on the
// first batch, inferring the batch size from the data when it was not
// configured.
func (s *Strategy) OnTrainBatchStart(batch any, batchIdx int) error {
	if s.initialized {
		return nil
	}
	s.initialized = true
	if s.batchSize == 0 {
		n, err := training.ExtractBatchSize(batch)
		if err != nil {
			return fmt.Errorf("could not infer the batch size from the first batch;"+
				" provide BatchSize in the strategy configuration: %w", err)
		}
		s.batchSize = n
		s.log.Info("inferred per-process batch size from the first batch", "batch_size", n)
	}
	return s.initializeOptimizer()
}

// initializeOptimizer is the irreversible uninitialized-to-initialized
// transition: it constructs the collaborative optimizer and swaps it into
// the trainer.
func (s *Strategy) initializeOptimizer() error {
	t := s.trainer
	if len(t.Optimizers) != 1 {
		return fmt.Errorf("%w, %d are registered", ErrOnlyOneOptimizer, len(t.Optimizers))
	}
	inner := t.Optimizers[0]

	if s.requireSchedulerFn && s.cfg.SchedulerFactory == nil {
		training.Warn("DelayOptimizerStep, DelayStateAveraging and OffloadOptimizer re-create" +
			" the optimizer, so a SchedulerFactory is required for any scheduler to stay attached" +
			" to it")
	}

	cfg := optimizer.Config{
		DHT:                       s.dht,
		RunID:                     s.cfg.RunID,
		Scheduler:                 s.cfg.SchedulerFactory,
		TargetBatchSize:           s.cfg.TargetBatchSize,
		BatchSizePerStep:          s.batchSize,
		MatchmakingTime:           s.cfg.MatchmakingTime,
		AveragingTimeout:          s.cfg.AveragingTimeout,
		DelayOptimizerStep:        s.cfg.DelayOptimizerStep,
		DelayStateAveraging:       s.cfg.DelayStateAveraging,
		DelayGradAveraging:        s.cfg.DelayGradAveraging,
		OffloadOptimizer:          s.cfg.OffloadOptimizer,
		ReuseGradBuffers:          s.cfg.ReuseGradBuffers,
		GradCompression:           s.cfg.GradCompression,
		StateAveragingCompression: s.cfg.StateAveragingCompression,
		Verbose:                   s.cfg.Verbose,
		Averager:                  s.cfg.Averager,
		Logger:                    s.log.Named("optimizer"),
	}
	if s.requireSchedulerFn {
		// the optimizer is re-created out of process, so pass it as a
		// factory over the parameter groups instead of the instance
		rec, ok := inner.(training.Recreator)
		if !ok {
			return fmt.Errorf("optimizer %T cannot be re-created; it must implement training.Recreator"+
				" when DelayOptimizerStep, DelayStateAveraging or OffloadOptimizer are set", inner)
		}
		cfg.Factory = rec.Recreate
		cfg.ParamGroups = inner.ParamGroups()
	} else {
		cfg.Optimizer = inner
	}

	opt, err := optimizer.New(cfg)
	if err != nil {
		return err
	}

	if s.cfg.SchedulerFactory == nil {
		if err := s.wrapSchedulers(opt); err != nil {
			opt.Shutdown()
			return err
		}
	}

	opt.LoadStateFromPeers()

	t.Optimizers = []training.Optimizer{opt}
	s.opt = opt

	if s.cfg.ReuseGradBuffers {
		s.disableZeroGrad()
	}
	return nil
}

// wrapSchedulers throttles every registered scheduler to the optimizer's
// global step.
func (s *Strategy) wrapSchedulers(opt *optimizer.Optimizer) error {
	for _, sc := range s.trainer.SchedulerConfigs {
		if _, ok := sc.Scheduler.(training.MetricScheduler); ok {
			return fmt.Errorf("metric-driven schedulers such as %T are not supported"+
				" with collaborative training", sc.Scheduler)
		}
		sc.Scheduler = NewScheduler(opt, sc.Scheduler)
	}
	return nil
}

// disableZeroGrad swaps the module's zero-grad hook out for the duration of
// training: with reused gradient buffers, zeroing would delete gradients
// before they are averaged.
func (s *Strategy) disableZeroGrad() {
	mod := s.trainer.Module
	if mod == nil {
		return
	}
	if mod.ZeroGradOverridden() {
		training.Warn("the overridden zero-grad hook is disabled while ReuseGradBuffers is set:" +
			" zeroing gradients would delete them before they are averaged")
	}
	s.zeroGradOriginal = mod.ReplaceOptimizerZeroGrad(nil)
	s.zeroGradDisabled = true
}

// Reduce returns the input unchanged; peers synchronize out of band.
func (s *Strategy) Reduce(v any) any { return v }

// AllGather returns the input unchanged; peers synchronize out of band.
func (s *Strategy) AllGather(v any) any { return v }

// Broadcast returns the input unchanged; peers synchronize out of band.
func (s *Strategy) Broadcast(v any) any { return v }

// Barrier does nothing; peers synchronize out of band.
func (s *Strategy) Barrier() {}

// Teardown restores the zero-grad hook, shuts the optimizer down and then
// the peer handle. The optimizer goes first since it holds references into
// the handle.
func (s *Strategy) Teardown() error {
	if s.zeroGradDisabled && s.trainer != nil && s.trainer.Module != nil {
		s.trainer.Module.ReplaceOptimizerZeroGrad(s.zeroGradOriginal)
		s.zeroGradDisabled = false
	}
	if s.opt != nil {
		s.opt.Shutdown()
	}
	s.log.Info("shutting down the peer handle")
	return s.dht.Shutdown()
}
