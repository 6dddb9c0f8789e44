package optimizer

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/collabtrain/swarm/dht"
	"github.com/collabtrain/swarm/training"
)

func newTestHandle(t *testing.T, opts ...dht.Option) *dht.DHT {
	t.Helper()
	opts = append([]dht.Option{
		dht.WithListenAddrs([]string{"/ip4/127.0.0.1/tcp/0"}),
		dht.WithWaitTimeout(time.Second),
		dht.WithLogger(hclog.NewNullLogger()),
	}, opts...)
	d, err := dht.New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Shutdown() })
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func singleParamConfig(d *dht.DHT, data []float32, lr float64) (Config, *training.Param) {
	p := training.NewParam(data)
	groups := []*training.ParamGroup{{Params: []*training.Param{p}, LR: lr}}
	cfg := Config{
		DHT:              d,
		RunID:            "test_run",
		Optimizer:        training.NewSGD(groups, 0),
		TargetBatchSize:  4,
		BatchSizePerStep: 2,
		MatchmakingTime:  200 * time.Millisecond,
		AveragingTimeout: 200 * time.Millisecond,
		Logger:           hclog.NewNullLogger(),
	}
	return cfg, p
}

func TestConfigValidation(t *testing.T) {
	d := newTestHandle(t)
	base, _ := singleParamConfig(d, []float32{0}, 0.1)

	cfg := base
	cfg.DHT = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error without a peer handle")
	}
	cfg = base
	cfg.TargetBatchSize = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for a zero target batch size")
	}
	cfg = base
	cfg.RunID = ""
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error without a run id")
	}
	cfg = base
	cfg.Optimizer = nil
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error without an optimizer or a factory")
	}
	cfg = base
	cfg.Optimizer = nil
	cfg.Factory = func(groups []*training.ParamGroup) training.Optimizer {
		return training.NewSGD(groups, 0)
	}
	if _, err := New(cfg); err == nil {
		t.Fatal("expected an error for a factory without parameter groups")
	}
}

func TestAccumulationBelowTarget(t *testing.T) {
	d := newTestHandle(t)
	cfg, p := singleParamConfig(d, []float32{1}, 0.1)
	opt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer opt.Shutdown()

	p.Grad[0] = 1
	opt.Step()
	if opt.LocalEpoch() != 0 {
		t.Fatalf("stepped before reaching the target: epoch %d", opt.LocalEpoch())
	}
	if p.Data[0] != 1 {
		t.Fatalf("parameter moved before reaching the target: %v", p.Data[0])
	}
}

func TestSinglePeerRound(t *testing.T) {
	d := newTestHandle(t)
	cfg, p := singleParamConfig(d, []float32{1}, 0.1)
	cfg.Scheduler = func(opt training.Optimizer) training.LRScheduler {
		return training.NewExponentialLR(opt, 0.5)
	}
	opt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer opt.Shutdown()

	p.Grad[0] = 1
	opt.Step()
	opt.Step()
	if opt.LocalEpoch() != 1 {
		t.Fatalf("expected one completed round, got %d", opt.LocalEpoch())
	}
	if math.Abs(float64(p.Data[0])-0.9) > 1e-6 {
		t.Fatalf("expected 0.9 after the round, got %v", p.Data[0])
	}
	if lr := opt.ParamGroups()[0].LR; lr != 0.05 {
		t.Fatalf("scheduler did not step with the round: lr %v", lr)
	}
	if opt.GlobalProgress().Samples != 0 {
		t.Fatalf("accumulation not reset after the round")
	}

	// the averaged state must have been published for joiners
	if _, ok := d.Get("test_run/state"); !ok {
		t.Fatal("no averaged state published after the round")
	}
}

func TestDelayedStepWorker(t *testing.T) {
	d := newTestHandle(t)
	cfg, p := singleParamConfig(d, []float32{1}, 0.1)
	cfg.DelayOptimizerStep = true
	opt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer opt.Shutdown()

	p.Grad[0] = 1
	opt.Step()
	opt.Step()
	waitFor(t, "delayed round", func() bool { return opt.LocalEpoch() == 1 })
	if math.Abs(float64(p.Data[0])-0.9) > 1e-6 {
		t.Fatalf("expected 0.9 after the delayed round, got %v", p.Data[0])
	}
}

func TestZeroGradWithReusedBuffers(t *testing.T) {
	d := newTestHandle(t)
	cfg, p := singleParamConfig(d, []float32{0}, 0.1)
	cfg.ReuseGradBuffers = true
	opt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer opt.Shutdown()

	p.Grad[0] = 2
	opt.ZeroGrad()
	if p.Grad[0] != 2 {
		t.Fatal("ZeroGrad cleared reused gradient buffers")
	}
}

func TestTwoPeerGradientAveraging(t *testing.T) {
	d1 := newTestHandle(t)
	d2 := newTestHandle(t, dht.WithInitialPeers(d1.BoundAddrs()))
	waitFor(t, "join", func() bool { return d1.NumPeers() == 2 && d2.NumPeers() == 2 })

	build := func(d *dht.DHT, grad float32) (*Optimizer, *training.Param) {
		cfg, p := singleParamConfig(d, []float32{0}, 0.1)
		cfg.TargetBatchSize = 8
		cfg.MatchmakingTime = 2 * time.Second
		cfg.AveragingTimeout = 3 * time.Second
		p.Grad[0] = grad
		opt, err := New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(opt.Shutdown)
		return opt, p
	}
	opt1, p1 := build(d1, 1)
	opt2, p2 := build(d2, 3)

	step := func(opt *Optimizer) {
		for opt.LocalEpoch() < 1 {
			opt.Step()
			time.Sleep(20 * time.Millisecond)
		}
	}
	go step(opt2)
	step(opt1)
	waitFor(t, "both rounds", func() bool { return opt2.LocalEpoch() >= 1 })

	// averaged gradients land strictly between the two local ones, so each
	// update is strictly between -0.3 and -0.1
	for i, p := range []*training.Param{p1, p2} {
		v := float64(p.Data[0])
		if v <= -0.29 || v >= -0.11 {
			t.Fatalf("peer %d stepped with unaveraged gradients: %v", i+1, v)
		}
	}
}

func TestLoadStateFromPeers(t *testing.T) {
	d := newTestHandle(t)
	cfg, p := singleParamConfig(d, []float32{0}, 0.1)
	opt, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer opt.Shutdown()

	// nothing published yet, must be a no-op
	opt.LoadStateFromPeers()
	if opt.LocalEpoch() != 0 || p.Data[0] != 0 {
		t.Fatal("state load from an empty run changed the optimizer")
	}

	st, err := json.Marshal(stateRecord{Epoch: 3, Params: [][]float32{{0.5}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Store(context.Background(), "test_run/state", st, time.Minute); err != nil {
		t.Fatal(err)
	}
	opt.LoadStateFromPeers()
	if opt.LocalEpoch() != 3 {
		t.Fatalf("epoch not adopted from the averaged state: %d", opt.LocalEpoch())
	}
	if p.Data[0] != 0.5 {
		t.Fatalf("parameters not adopted from the averaged state: %v", p.Data[0])
	}
}

func TestGradScaler(t *testing.T) {
	s := NewGradScaler()
	if got := s.Scale(1); got != defaultScale {
		t.Fatalf("expected %v, got %v", float64(defaultScale), got)
	}

	p := training.NewParam([]float32{0})
	p.Grad[0] = defaultScale
	groups := []*training.ParamGroup{{Params: []*training.Param{p}, LR: 1}}
	s.Unscale(groups)
	if p.Grad[0] != 1 {
		t.Fatalf("unscale expected 1, got %v", p.Grad[0])
	}

	// scale and unscale must be exact inverses on finite gradients
	p.Grad[0] = 0.5
	s.ScaleGrads(groups)
	if p.Grad[0] != 0.5*defaultScale {
		t.Fatalf("scale expected %v, got %v", 0.5*defaultScale, p.Grad[0])
	}
	s.Unscale(groups)
	if p.Grad[0] != 0.5 {
		t.Fatalf("round trip expected 0.5, got %v", p.Grad[0])
	}
	s.Update()
	if s.ScaleFactor() != defaultScale {
		t.Fatalf("clean update changed the scale: %v", s.ScaleFactor())
	}

	// an update with no unscale in between is a no-op, not an error
	s.Update()
	if s.ScaleFactor() != defaultScale {
		t.Fatalf("idle update changed the scale: %v", s.ScaleFactor())
	}

	p.Grad[0] = float32(math.Inf(1))
	s.Unscale(groups)
	s.Update()
	if s.ScaleFactor() != defaultScale*backoffFactor {
		t.Fatalf("overflow did not back the scale off: %v", s.ScaleFactor())
	}
}
