package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type roundTicket struct {
	PeerID  string `json:"peer_id"`
	Samples int    `json:"samples"`
}

type gradRecord struct {
	PeerID  string      `json:"peer_id"`
	Samples int         `json:"samples"`
	Grads   [][]float32 `json:"grads"`
}

// runRound performs one synchronized optimization step: matchmaking,
// gradient averaging across the matched group, then the inner step.
func (o *Optimizer) runRound() {
	epoch := o.localEpoch.Load()
	o.mu.Lock()
	samples := o.accumulated
	o.mu.Unlock()

	group := o.matchmake(epoch, samples)
	o.log.Debug("matched group", "epoch", epoch, "peers", len(group))

	o.averageGradients(epoch, samples, group)

	o.inner.Step()
	if o.sched != nil {
		o.sched.Step()
	}

	o.localEpoch.Store(epoch + 1)
	o.mu.Lock()
	o.accumulated = 0
	o.mu.Unlock()
	o.tracker.publish()
	if !o.cfg.DelayStateAveraging {
		o.publishState(epoch + 1)
	} else {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.publishState(epoch + 1)
		}()
	}
	o.log.Info("global step done", "epoch", epoch+1, "peers", len(group))
}

// matchmake registers for the round and waits up to the matchmaking time
// for the rest of the run to register too. Returns the ids of every peer in
// the matched group, this one included.
func (o *Optimizer) matchmake(epoch int64, samples int) []string {
	prefix := fmt.Sprintf("%s/round/%d/", o.cfg.RunID, epoch)
	key := prefix + o.cfg.DHT.ID()
	ticket, err := json.Marshal(roundTicket{PeerID: o.cfg.DHT.ID(), Samples: samples})
	if err != nil {
		return []string{o.cfg.DHT.ID()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Averager.RequestTimeout)
	if err := o.cfg.DHT.Store(ctx, key, ticket, o.cfg.MatchmakingTime+o.cfg.AveragingTimeout); err != nil {
		o.log.Debug("matchmaking registration failed", "error", err)
	}
	cancel()

	deadline := time.Now().Add(o.cfg.MatchmakingTime)
	expected := o.tracker.globalProgress().NumPeers
	var group []string
	for {
		group = group[:0]
		for k := range o.cfg.DHT.GetPrefix(prefix) {
			group = append(group, strings.TrimPrefix(k, prefix))
		}
		if len(group) >= expected || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return group
}

// averageGradients publishes this peer's gradients and folds in the
// gradients of every other group member, weighting by accumulated samples.
// Peers that do not deliver before the averaging timeout are skipped; with
// no deliveries at all the local gradients are used as they are.
func (o *Optimizer) averageGradients(epoch int64, samples int, group []string) {
	prefix := fmt.Sprintf("%s/grads/%d/", o.cfg.RunID, epoch)
	params := allParams(o.inner.ParamGroups())

	own := gradRecord{PeerID: o.cfg.DHT.ID(), Samples: samples, Grads: make([][]float32, len(params))}
	for i, p := range params {
		own.Grads[i] = append([]float32(nil), p.Grad...)
	}
	payload, err := json.Marshal(own)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Averager.RequestTimeout)
	if err := o.cfg.DHT.Store(ctx, prefix+own.PeerID, payload, o.cfg.AveragingTimeout); err != nil {
		o.log.Debug("gradient publication failed", "error", err)
	}
	cancel()

	want := make(map[string]bool, len(group))
	for _, id := range group {
		if id != o.cfg.DHT.ID() {
			want[id] = true
		}
	}
	if len(want) == 0 {
		return
	}

	received := map[string]gradRecord{}
	deadline := time.Now().Add(o.cfg.AveragingTimeout)
	for len(received) < len(want) && time.Now().Before(deadline) {
		for key, value := range o.cfg.DHT.GetPrefix(prefix) {
			id := strings.TrimPrefix(key, prefix)
			if !want[id] || received[id].PeerID != "" {
				continue
			}
			var rec gradRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				continue
			}
			received[id] = rec
		}
		if len(received) < len(want) {
			time.Sleep(50 * time.Millisecond)
		}
	}
	if len(received) < len(want) {
		o.log.Warn("averaging timed out, proceeding with local gradients",
			"epoch", epoch, "received", len(received), "expected", len(want))
	}
	if len(received) == 0 {
		return
	}

	totalWeight := float64(maxInt(samples, 1))
	for _, rec := range received {
		totalWeight += float64(maxInt(rec.Samples, 1))
	}
	ownWeight := float64(maxInt(samples, 1)) / totalWeight
	for i, p := range params {
		for j := range p.Grad {
			p.Grad[j] = float32(float64(p.Grad[j]) * ownWeight)
		}
		for _, rec := range received {
			if i >= len(rec.Grads) || len(rec.Grads[i]) != len(p.Grad) {
				continue
			}
			w := float64(maxInt(rec.Samples, 1)) / totalWeight
			for j := range p.Grad {
				p.Grad[j] += float32(float64(rec.Grads[i][j]) * w)
			}
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
