package optimizer

import (
	"context"
	"encoding/json"
	"time"
)

const (
	trackerInterval = time.Second
	trackerTTL      = 5 * time.Second
)

// Progress is the run-wide accumulation state derived from every peer's
// published report.
type Progress struct {
	NumPeers int
	Epoch    int64
	Samples  int
}

type progressReport struct {
	PeerID  string `json:"peer_id"`
	Epoch   int64  `json:"epoch"`
	Samples int    `json:"samples"`
}

// tracker publishes this peer's accumulation to the run's progress records
// and aggregates everyone's reports into the global view the optimizer
// consults before triggering a round.
type tracker struct {
	opt  *Optimizer
	done chan struct{}
}

func newTracker(o *Optimizer) *tracker {
	return &tracker{opt: o, done: make(chan struct{})}
}

func (t *tracker) start() {
	t.publish()
	go func() {
		ticker := time.NewTicker(trackerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
				t.publish()
			}
		}
	}()
}

func (t *tracker) stop() {
	close(t.done)
}

func (t *tracker) key() string {
	return t.opt.cfg.RunID + "/progress/" + t.opt.cfg.DHT.ID()
}

func (t *tracker) publish() {
	t.opt.mu.Lock()
	samples := t.opt.accumulated
	t.opt.mu.Unlock()
	report, err := json.Marshal(progressReport{
		PeerID:  t.opt.cfg.DHT.ID(),
		Epoch:   t.opt.localEpoch.Load(),
		Samples: samples,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opt.cfg.Averager.RequestTimeout)
	defer cancel()
	if err := t.opt.cfg.DHT.Store(ctx, t.key(), report, trackerTTL); err != nil {
		t.opt.log.Debug("progress publication failed", "error", err)
	}
}

func (t *tracker) globalProgress() Progress {
	prefix := t.opt.cfg.RunID + "/progress/"
	reports := t.opt.cfg.DHT.GetPrefix(prefix)
	progress := Progress{}
	for _, value := range reports {
		var report progressReport
		if err := json.Unmarshal(value, &report); err != nil {
			continue
		}
		progress.NumPeers++
		progress.Samples += report.Samples
		if report.Epoch > progress.Epoch {
			progress.Epoch = report.Epoch
		}
	}
	if progress.NumPeers == 0 {
		progress.NumPeers = 1
	}
	return progress
}
