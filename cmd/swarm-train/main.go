package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"

	"github.com/collabtrain/swarm/strategy"
	"github.com/collabtrain/swarm/training"
)

func main() {
	targetBatchSize := flag.Int("target-batch-size", 64, "samples accumulated across the run before one synchronized step")
	batchSize := flag.Int("batch-size", 0, "per-process batch size, 0 infers it from the data")
	peers := flag.String("peers", "", "comma-separated initial peers, empty starts a new run")
	listen := flag.String("listen", "", "comma-separated listen multiaddrs")
	runID := flag.String("run-id", "swarm_run", "identifier shared by every peer of the run")
	epochs := flag.Int("epochs", 3, "training epochs")
	lr := flag.Float64("lr", 0.05, "learning rate")
	gamma := flag.Float64("gamma", 0.95, "learning-rate decay per global step")
	verbose := flag.Bool("verbose", false, "report internal optimizer events")
	flag.Parse()

	logger := slog.New(pterm.NewSlogHandler(&pterm.DefaultLogger))
	pterm.Print("\n")
	title, err := pterm.DefaultBigText.WithLetters(
		putils.LettersFromStringWithStyle("Swarm ", pterm.FgYellow.ToStyle()),
		putils.LettersFromStringWithStyle("Train", pterm.FgDarkGray.ToStyle()),
	).Srender()
	if err != nil {
		logger.Error(err.Error())
	}
	pterm.Print(title)

	cfg := strategy.Config{
		TargetBatchSize: *targetBatchSize,
		BatchSize:       *batchSize,
		RunID:           *runID,
		MatchmakingTime: 2 * time.Second,
		Verbose:         *verbose,
		Logger:          hclog.New(&hclog.LoggerOptions{Name: "swarm", Level: hclog.Info}),
	}
	if *peers != "" {
		cfg.InitialPeers = strings.Split(*peers, ",")
	}
	if *listen != "" {
		cfg.ListenAddrs = strings.Split(*listen, ",")
	}
	if *verbose {
		cfg.Logger.SetLevel(hclog.Debug)
	}

	strat, err := strategy.New(cfg)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	if len(cfg.InitialPeers) == 0 {
		visible := strings.Join(strat.DHT().VisibleAddrs(), ",")
		pterm.Info.Printfln("Other machines can join with:")
		pterm.Info.Printfln("  %s=%s swarm-train ...", strategy.InitialPeersEnv, visible)
		pterm.Info.Printfln("or: swarm-train -peers %s", visible)
	}

	model := newLinearModel(8, *lr, *gamma)
	trainer := training.NewTrainer(strat, training.WithMaxEpochs(*epochs))

	batches := syntheticBatches(model, 64, 16)
	if err := trainer.Fit(model, batches); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	pterm.Success.Printfln("Training done: %d peers, global step %d",
		strat.NumPeers(), strat.Optimizer().LocalEpoch())
}

// linearModel fits y = w.x + b by gradient descent on the squared error.
type linearModel struct {
	training.BaseModule
	weights *training.Param
	bias    *training.Param
	lr      float64
	gamma   float64
}

func newLinearModel(features int, lr, gamma float64) *linearModel {
	w := make([]float32, features)
	for i := range w {
		w[i] = rand.Float32() - 0.5
	}
	return &linearModel{
		weights: training.NewParam(w),
		bias:    training.NewParam([]float32{0}),
		lr:      lr,
		gamma:   gamma,
	}
}

func (m *linearModel) Parameters() []*training.Param {
	return []*training.Param{m.weights, m.bias}
}

func (m *linearModel) ConfigureOptimizers() ([]training.Optimizer, []training.LRScheduler) {
	groups := []*training.ParamGroup{{Params: m.Parameters(), LR: m.lr}}
	opt := training.NewSGD(groups, 0.9)
	return []training.Optimizer{opt}, []training.LRScheduler{training.NewExponentialLR(opt, m.gamma)}
}

type sample struct {
	features []float32
	target   float32
}

func (m *linearModel) TrainingStep(batch any) (float64, error) {
	samples, ok := batch.([]sample)
	if !ok {
		return 0, fmt.Errorf("unexpected batch type %T", batch)
	}
	var loss float64
	for _, s := range samples {
		pred := m.bias.Data[0]
		for i, x := range s.features {
			pred += m.weights.Data[i] * x
		}
		diff := pred - s.target
		loss += float64(diff) * float64(diff)
		scale := 2 * diff / float32(len(samples))
		for i, x := range s.features {
			m.weights.Grad[i] += scale * x
		}
		m.bias.Grad[0] += scale
	}
	return loss / float64(len(samples)), nil
}

// syntheticBatches draws batches from a fixed random linear function so
// every run converges toward the same weights.
func syntheticBatches(m *linearModel, count, size int) []any {
	truth := make([]float32, len(m.weights.Data))
	for i := range truth {
		truth[i] = float32(i%3) - 1
	}
	batches := make([]any, count)
	for b := range batches {
		samples := make([]sample, size)
		for i := range samples {
			features := make([]float32, len(truth))
			var target float32
			for j := range features {
				features[j] = rand.Float32()*2 - 1
				target += truth[j] * features[j]
			}
			samples[i] = sample{features: features, target: target + 0.5}
		}
		batches[b] = samples
	}
	return batches
}
