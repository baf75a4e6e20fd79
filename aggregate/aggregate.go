// Package aggregate turns a batch of client updates into one updated global
// model. Two strategies share the round-lifecycle contract: plain
// sample-count-weighted FedAvg, and a hybrid that protects a selected subset
// of layers with CKKS encrypted-delta aggregation. A strategy is a pure
// function of (global parameters, client updates); it never mutates its
// inputs and holds no reference back to the round coordinator.
package aggregate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fedagg/codec"
	"fedagg/model"
	"fedagg/tensor"
)

// ErrNoValidUpdates is returned when every client update fails validation.
var ErrNoValidUpdates = errors.New("no valid client updates")

// Strategy aggregates one round of client updates into a new global
// parameter set.
type Strategy interface {
	Name() string
	Aggregate(global *model.Parameters, updates []*model.ClientUpdate) (*model.Parameters, *model.RoundResult, error)
}

// filterValid drops updates that cannot contribute (missing layers, shape
// mismatch, non-positive sample count). A dropped client never fails the
// round on its own.
func filterValid(global *model.Parameters, updates []*model.ClientUpdate, logger *slog.Logger) []*model.ClientUpdate {
	valid := updates[:0:0]
	for _, u := range updates {
		if err := u.Validate(global); err != nil {
			logger.Warn("dropping client update", "client", u.ClientID, "reason", err.Error())
			continue
		}
		valid = append(valid, u)
	}
	return valid
}

// weightedAverage computes sum(w_i * n_i) / sum(n_i) for one layer across
// all contributing clients.
func weightedAverage(name string, shape *tensor.Tensor, updates []*model.ClientUpdate, totalSamples int) (*tensor.Tensor, error) {
	out := tensor.New(shape.Shape...)
	for _, u := range updates {
		w, _ := u.Weights.Get(name)
		if err := out.AddScaled(float64(u.NumSamples)/float64(totalSamples), w); err != nil {
			return nil, fmt.Errorf("layer %q, client %s: %w", name, u.ClientID, err)
		}
	}
	return out, nil
}

func totalSampleCount(updates []*model.ClientUpdate) int {
	total := 0
	for _, u := range updates {
		total += u.NumSamples
	}
	return total
}

// weightedMetrics summarizes client-reported loss/accuracy weighted by
// sample count.
func weightedMetrics(updates []*model.ClientUpdate) (loss, accuracy float64) {
	total := totalSampleCount(updates)
	if total == 0 {
		return 0, 0
	}
	for _, u := range updates {
		w := float64(u.NumSamples) / float64(total)
		loss += w * u.Loss
		accuracy += w * u.Accuracy
	}
	return loss, accuracy
}

// PlainFedAvg is standard federated averaging: every layer is the
// sample-count-weighted average of the client parameters.
type PlainFedAvg struct {
	Logger *slog.Logger
}

// Name implements Strategy.
func (s *PlainFedAvg) Name() string { return model.ModePlain }

// Aggregate implements Strategy.
func (s *PlainFedAvg) Aggregate(global *model.Parameters, updates []*model.ClientUpdate) (*model.Parameters, *model.RoundResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	valid := filterValid(global, updates, logger)
	if len(valid) == 0 {
		return nil, nil, ErrNoValidUpdates
	}
	total := totalSampleCount(valid)

	next := model.NewParameters()
	layerMeta := make(map[string]model.LayerAggregation, global.NumLayers())
	for _, name := range global.Names() {
		gt, _ := global.Get(name)
		avg, err := weightedAverage(name, gt, valid, total)
		if err != nil {
			return nil, nil, err
		}
		next.Set(name, avg)
		layerMeta[name] = model.LayerAggregation{Mode: "plain", Contributors: len(valid)}
	}

	loss, acc := weightedMetrics(valid)
	return next, &model.RoundResult{
		Mode:       model.ModePlain,
		Layers:     layerMeta,
		NumClients: len(valid),
		Elapsed:    time.Since(start),
		Loss:       loss,
		Accuracy:   acc,
	}, nil
}

// HEHybrid aggregates unselected layers with plain FedAvg and selected
// layers through the encrypted-delta path: per client, delta = trained -
// global is clipped and encrypted; the ciphertexts are summed
// homomorphically; only the sum is ever decrypted, divided by the
// contributor count, and folded back into the global layer. No individual
// client's encrypted contribution is decrypted in isolation.
type HEHybrid struct {
	Codec    *codec.Codec
	Selector model.LayerSelector
	Logger   *slog.Logger
}

// Name implements Strategy.
func (s *HEHybrid) Name() string { return model.ModeHE }

// Aggregate implements Strategy.
func (s *HEHybrid) Aggregate(global *model.Parameters, updates []*model.ClientUpdate) (*model.Parameters, *model.RoundResult, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	valid := filterValid(global, updates, logger)
	if len(valid) == 0 {
		return nil, nil, ErrNoValidUpdates
	}
	total := totalSampleCount(valid)

	next := model.NewParameters()
	layerMeta := make(map[string]model.LayerAggregation, global.NumLayers())
	for _, name := range global.Names() {
		gt, _ := global.Get(name)
		if !s.Selector.Encrypted(name) {
			avg, err := weightedAverage(name, gt, valid, total)
			if err != nil {
				return nil, nil, err
			}
			next.Set(name, avg)
			layerMeta[name] = model.LayerAggregation{Mode: "plain", Contributors: len(valid)}
			continue
		}

		merged, contributors := s.aggregateEncrypted(name, gt, valid, logger)
		next.Set(name, merged)
		mode := "encrypted"
		if contributors == 0 {
			// No client contributed validly; the layer keeps its previous value.
			mode = "skipped"
		}
		layerMeta[name] = model.LayerAggregation{Mode: mode, Contributors: contributors}
	}

	loss, acc := weightedMetrics(valid)
	return next, &model.RoundResult{
		Mode:       model.ModeHE,
		Layers:     layerMeta,
		NumClients: len(valid),
		Elapsed:    time.Since(start),
		Loss:       loss,
		Accuracy:   acc,
	}, nil
}

// aggregateEncrypted runs the encrypted-delta path for one layer and
// returns the updated layer plus the number of clients whose contribution
// made it into the homomorphic sum. A ciphertext failure drops that
// client's contribution for this layer only; if nothing survives, the layer
// is returned unchanged.
func (s *HEHybrid) aggregateEncrypted(name string, gt *tensor.Tensor, updates []*model.ClientUpdate, logger *slog.Logger) (*tensor.Tensor, int) {
	var acc *codec.EncryptedLayer
	contributors := 0

	for _, u := range updates {
		w, _ := u.Weights.Get(name)
		delta, err := tensor.Sub(w, gt)
		if err != nil {
			logger.Warn("encrypted layer delta failed", "layer", name, "client", u.ClientID, "error", err.Error())
			continue
		}
		el, err := s.Codec.EncodeAndEncrypt(delta)
		if err != nil {
			logger.Warn("encrypt failed, dropping contribution", "layer", name, "client", u.ClientID, "error", err.Error())
			continue
		}
		if acc == nil {
			acc = el
			contributors++
			continue
		}
		if err := s.Codec.AddInPlace(acc, el); err != nil {
			logger.Warn("homomorphic add failed, dropping contribution", "layer", name, "client", u.ClientID, "error", err.Error())
			continue
		}
		contributors++
	}

	if acc == nil {
		return gt.Clone(), 0
	}

	sum, err := s.Codec.DecryptAndReshape(acc)
	if err != nil {
		// A layer that cannot be safely decrypted this round keeps its
		// previous value rather than being written with garbage.
		logger.Error("decrypt failed, leaving layer unchanged", "layer", name, "error", err.Error())
		return gt.Clone(), 0
	}

	// Mean delta across contributing clients, folded into the global layer.
	sum.Scale(1 / float64(contributors))
	merged, err := tensor.Add(gt, sum)
	if err != nil {
		logger.Error("delta fold-in failed, leaving layer unchanged", "layer", name, "error", err.Error())
		return gt.Clone(), 0
	}
	return merged, contributors
}
