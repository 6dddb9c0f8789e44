// Package optimizer implements the collaborative optimizer a strategy swaps
// in for the trainer's own one. It accumulates local samples toward a target
// batch size shared by the whole run; when the run-wide accumulation reaches
// the target it performs one synchronized round: matchmaking through the
// peer handle, gradient averaging across the matched group, and one step of
// the inner optimizer. The count of completed rounds is the global step
// every peer's scheduler is throttled by.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/collabtrain/swarm/dht"
	"github.com/collabtrain/swarm/training"
)

// AveragerOptions is forwarded verbatim to the averaging round.
type AveragerOptions struct {
	// RequestTimeout bounds a single record exchange within a round.
	RequestTimeout time.Duration
}

// Config is the full constructor surface of the collaborative optimizer.
// Either Optimizer or Factory with ParamGroups must be set; the factory form
// is required when the delay or offload flags re-create the optimizer.
type Config struct {
	DHT   *dht.DHT
	RunID string

	Optimizer   training.Optimizer
	Factory     training.OptimizerFactory
	ParamGroups []*training.ParamGroup
	Scheduler   training.SchedulerFactory

	TargetBatchSize  int
	BatchSizePerStep int

	MatchmakingTime  time.Duration
	AveragingTimeout time.Duration

	DelayOptimizerStep  bool
	DelayStateAveraging bool
	DelayGradAveraging  bool
	OffloadOptimizer    bool
	ReuseGradBuffers    bool

	GradCompression           string
	StateAveragingCompression string

	Verbose  bool
	Averager AveragerOptions
	Logger   hclog.Logger
}

// Optimizer is a running collaborative optimizer. It satisfies
// training.Optimizer so the trainer can drive it like any other.
type Optimizer struct {
	cfg   Config
	log   hclog.Logger
	inner training.Optimizer
	sched training.LRScheduler

	localEpoch atomic.Int64

	mu          sync.Mutex
	accumulated int

	tracker *tracker

	pending chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// New validates the configuration, instantiates the inner optimizer (through
// the factory when one is given) and starts the progress tracker.
func New(cfg Config) (*Optimizer, error) {
	if cfg.DHT == nil {
		return nil, errors.New("a started peer handle is required")
	}
	if cfg.TargetBatchSize <= 0 {
		return nil, fmt.Errorf("target batch size must be positive, got %d", cfg.TargetBatchSize)
	}
	if cfg.BatchSizePerStep <= 0 {
		return nil, fmt.Errorf("batch size per step must be positive, got %d", cfg.BatchSizePerStep)
	}
	if cfg.RunID == "" {
		return nil, errors.New("a run id is required")
	}
	if cfg.MatchmakingTime <= 0 {
		cfg.MatchmakingTime = 5 * time.Second
	}
	if cfg.AveragingTimeout <= 0 {
		cfg.AveragingTimeout = 30 * time.Second
	}
	if cfg.Averager.RequestTimeout <= 0 {
		cfg.Averager.RequestTimeout = time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = hclog.Default().Named("optimizer")
	}
	if cfg.Verbose {
		log.SetLevel(hclog.Debug)
	}

	o := &Optimizer{
		cfg:     cfg,
		log:     log,
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	switch {
	case cfg.Factory != nil:
		if len(cfg.ParamGroups) == 0 {
			return nil, errors.New("an optimizer factory needs the parameter groups to build from")
		}
		o.inner = cfg.Factory(cfg.ParamGroups)
	case cfg.Optimizer != nil:
		o.inner = cfg.Optimizer
	default:
		return nil, errors.New("either an optimizer instance or a factory is required")
	}
	if cfg.Scheduler != nil {
		o.sched = cfg.Scheduler(o.inner)
	}

	o.tracker = newTracker(o)
	o.tracker.start()

	if cfg.DelayOptimizerStep {
		o.wg.Add(1)
		go o.stepWorker()
	}
	return o, nil
}

// Config returns the configuration the optimizer was built with.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// LocalEpoch is the number of completed global optimization steps.
func (o *Optimizer) LocalEpoch() int64 {
	return o.localEpoch.Load()
}

// NumPeers reports how many peers currently participate in the run.
func (o *Optimizer) NumPeers() int {
	return o.tracker.globalProgress().NumPeers
}

// GlobalProgress reports the run-wide accumulation state.
func (o *Optimizer) GlobalProgress() Progress {
	return o.tracker.globalProgress()
}

// ParamGroups exposes the inner optimizer's parameter groups.
func (o *Optimizer) ParamGroups() []*training.ParamGroup {
	return o.inner.ParamGroups()
}

// ZeroGrad clears gradients unless gradient buffers are being reused for
// accumulation, in which case clearing would lose unaveraged gradients.
func (o *Optimizer) ZeroGrad() {
	if o.cfg.ReuseGradBuffers {
		return
	}
	o.inner.ZeroGrad()
}

// Step records one local batch. Once the run-wide accumulation reaches the
// target batch size it triggers a synchronized round, synchronously or on
// the background worker when the optimizer step is delayed.
func (o *Optimizer) Step() {
	if o.closed.Load() {
		return
	}
	o.mu.Lock()
	o.accumulated += o.cfg.BatchSizePerStep
	local := o.accumulated
	o.mu.Unlock()
	o.tracker.publish()

	global := o.tracker.globalProgress().Samples
	if local > global {
		global = local
	}
	if global < o.cfg.TargetBatchSize {
		return
	}
	if o.cfg.DelayOptimizerStep {
		select {
		case o.pending <- struct{}{}:
		default:
			// a delayed round is already in flight
		}
		return
	}
	o.runRound()
}

func (o *Optimizer) stepWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case <-o.pending:
			o.runRound()
		}
	}
}

// LoadStateFromPeers adopts averaged parameters a peer published for this
// run, read from the handle's replicated records. Best effort: a missing or
// malformed record is only logged.
func (o *Optimizer) LoadStateFromPeers() {
	value, ok := o.cfg.DHT.Get(o.stateKey())
	if !ok {
		o.log.Debug("no averaged state available yet", "run_id", o.cfg.RunID)
		return
	}
	var st stateRecord
	if err := json.Unmarshal(value, &st); err != nil {
		o.log.Error("discarding malformed averaged state", "error", err)
		return
	}
	o.applyState(st)
	o.log.Info("loaded averaged state from peers", "epoch", st.Epoch)
}

// Shutdown publishes departure, stops the tracker and drains the background
// worker. Safe to call more than once.
func (o *Optimizer) Shutdown() {
	if !o.closed.CompareAndSwap(false, true) {
		return
	}
	close(o.done)
	o.tracker.stop()
	o.wg.Wait()
	o.log.Info("collaborative optimizer stopped", "epoch", o.LocalEpoch())
}

func (o *Optimizer) stateKey() string {
	return o.cfg.RunID + "/state"
}

type stateRecord struct {
	Epoch  int64       `json:"epoch"`
	Params [][]float32 `json:"params"`
}

func (o *Optimizer) applyState(st stateRecord) {
	params := allParams(o.inner.ParamGroups())
	if len(st.Params) != len(params) {
		o.log.Error("averaged state does not match the model",
			"got", len(st.Params), "want", len(params))
		return
	}
	for i, p := range params {
		if len(st.Params[i]) == len(p.Data) {
			copy(p.Data, st.Params[i])
		}
	}
	if st.Epoch > o.localEpoch.Load() {
		o.localEpoch.Store(st.Epoch)
	}
}

func (o *Optimizer) publishState(epoch int64) {
	params := allParams(o.inner.ParamGroups())
	st := stateRecord{Epoch: epoch, Params: make([][]float32, len(params))}
	for i, p := range params {
		st.Params[i] = append([]float32(nil), p.Data...)
	}
	value, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Averager.RequestTimeout)
	defer cancel()
	if err := o.cfg.DHT.Store(ctx, o.stateKey(), value, time.Minute); err != nil {
		o.log.Debug("state publication failed", "error", err)
	}
}

func allParams(groups []*training.ParamGroup) []*training.Param {
	var params []*training.Param
	for _, g := range groups {
		params = append(params, g.Params...)
	}
	return params
}
