// Package trainer produces client-side model updates: it takes the global
// parameters from a fit instruction, runs bounded local SGD on the client's
// private dataset, and returns the trained weights with sample count and
// training metrics. The model is a softmax linear classifier over named
// layers, which keeps every parameter addressable by the aggregation layers.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"time"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"fedagg/model"
	"fedagg/progress"
	"fedagg/tensor"
)

// Layer names of the linear classifier. The weight layer is the usual HE
// target; the bias stays plaintext.
const (
	WeightLayer = "fc.weight"
	BiasLayer   = "fc.bias"
)

// NewLinearModel builds zero-initialised classifier parameters with a
// [classes x features] weight layer and a [classes] bias layer.
func NewLinearModel(features, classes int) *model.Parameters {
	p := model.NewParameters()
	p.Set(WeightLayer, tensor.New(classes, features))
	p.Set(BiasLayer, tensor.New(classes))
	return p
}

// Dataset is one client's local training data: a row-per-sample feature
// matrix and integer class labels.
type Dataset struct {
	X          *mat.Dense
	Labels     []int
	NumClasses int
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	r, _ := d.X.Dims()
	return r
}

// Features returns the feature dimension.
func (d *Dataset) Features() int {
	_, c := d.X.Dims()
	return c
}

// SyntheticDataset draws a labelled Gaussian-blob classification set. Each
// class gets a mean vector sampled once, then samples scatter around it with
// unit variance. Deterministic for a given seed.
func SyntheticDataset(seed int64, samples, features, classes int) *Dataset {
	rng := rand.New(rand.NewSource(seed))
	src := exprand.NewSource(uint64(seed))
	meanDist := distuv.Normal{Mu: 0, Sigma: 3, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	means := make([][]float64, classes)
	for c := range means {
		means[c] = make([]float64, features)
		for f := range means[c] {
			means[c][f] = meanDist.Rand()
		}
	}

	x := mat.NewDense(samples, features, nil)
	labels := make([]int, samples)
	for i := 0; i < samples; i++ {
		c := rng.Intn(classes)
		labels[i] = c
		for f := 0; f < features; f++ {
			x.Set(i, f, means[c][f]+noise.Rand())
		}
	}
	return &Dataset{X: x, Labels: labels, NumClasses: classes}
}

// Trainer is one simulated or embedded client. It satisfies the
// coordinator's client proxy contract directly, so in-process sessions need
// no transport.
type Trainer struct {
	id       string
	data     *Dataset
	rng      *rand.Rand
	reporter progress.Reporter
	logger   *slog.Logger
}

// New builds a trainer over the given dataset. A nil reporter disables
// progress events.
func New(id string, data *Dataset, reporter progress.Reporter, logger *slog.Logger) (*Trainer, error) {
	if data == nil || data.Len() == 0 {
		return nil, errors.New("trainer needs a non-empty dataset")
	}
	if reporter == nil {
		reporter = progress.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Seed the shuffle RNG from the client identity so every client walks
	// its batches in a different order.
	h := fnv.New64a()
	h.Write([]byte(id))
	return &Trainer{
		id:       id,
		data:     data,
		rng:      rand.New(rand.NewSource(int64(h.Sum64()))),
		reporter: reporter,
		logger:   logger,
	}, nil
}

// ID returns the client identifier.
func (t *Trainer) ID() string { return t.id }

// Fit runs LocalEpochs of mini-batch SGD starting from the instruction's
// weights and returns the trained parameters. If an epoch drives any
// parameter non-finite, training stops and the last finite snapshot is
// returned instead, so one diverging client cannot poison the round.
func (t *Trainer) Fit(ctx context.Context, ins *model.FitInstruction) (*model.ClientUpdate, error) {
	start := time.Now()

	w, b, err := t.loadParams(ins.Weights)
	if err != nil {
		return nil, err
	}

	lastGoodW := mat.DenseCopyOf(w)
	lastGoodB := append([]float64(nil), b...)

	batchSize := ins.BatchSize
	if batchSize <= 0 || batchSize > t.data.Len() {
		batchSize = t.data.Len()
	}

	for epoch := 1; epoch <= ins.LocalEpochs; epoch++ {
		if err := t.runEpoch(ctx, w, b, ins.LearningRate, batchSize, ins.MaxBatches); err != nil {
			return nil, err
		}

		if !matFinite(w) || !sliceFinite(b) {
			t.logger.Warn("training diverged, reverting to last finite snapshot",
				"client", t.id, "round", ins.Round, "epoch", epoch)
			w.Copy(lastGoodW)
			copy(b, lastGoodB)
			break
		}
		lastGoodW.Copy(w)
		copy(lastGoodB, b)

		loss, acc := t.evaluate(w, b)
		t.reporter.Report(ctx, progress.Event{
			ClientID: t.id,
			Round:    ins.Round,
			Phase:    "epoch_complete",
			Epoch:    epoch,
			Epochs:   ins.LocalEpochs,
			Loss:     loss,
			Accuracy: acc,
		})
	}

	loss, acc := t.evaluate(w, b)
	return &model.ClientUpdate{
		ClientID:     t.id,
		Weights:      t.storeParams(ins.Weights, w, b),
		NumSamples:   t.sampleBudget(batchSize, ins.MaxBatches),
		Loss:         loss,
		Accuracy:     acc,
		TrainingTime: time.Since(start),
	}, nil
}

// loadParams pulls the classifier layers out of the named parameter set and
// checks their shapes against the local dataset.
func (t *Trainer) loadParams(p *model.Parameters) (*mat.Dense, []float64, error) {
	wt, ok := p.Get(WeightLayer)
	if !ok {
		return nil, nil, fmt.Errorf("missing layer %q", WeightLayer)
	}
	bt, ok := p.Get(BiasLayer)
	if !ok {
		return nil, nil, fmt.Errorf("missing layer %q", BiasLayer)
	}
	if len(wt.Shape) != 2 || wt.Shape[0] != t.data.NumClasses || wt.Shape[1] != t.data.Features() {
		return nil, nil, fmt.Errorf("layer %q shape %v does not fit %d classes x %d features",
			WeightLayer, wt.Shape, t.data.NumClasses, t.data.Features())
	}
	if bt.NumElements() != t.data.NumClasses {
		return nil, nil, fmt.Errorf("layer %q has %d elements, want %d", BiasLayer, bt.NumElements(), t.data.NumClasses)
	}
	w, err := wt.ToDense()
	if err != nil {
		return nil, nil, fmt.Errorf("layer %q: %w", WeightLayer, err)
	}
	b := append([]float64(nil), bt.Data...)
	return w, b, nil
}

// storeParams writes the trained matrices back into a fresh parameter set
// shaped like the instruction's weights.
func (t *Trainer) storeParams(global *model.Parameters, w *mat.Dense, b []float64) *model.Parameters {
	out := global.Clone()
	out.Set(WeightLayer, tensor.FromDense(w))
	out.Set(BiasLayer, tensor.FromFlat(append([]float64(nil), b...), len(b)))
	return out
}

// runEpoch sweeps shuffled mini-batches once, honoring the per-epoch batch
// cap and cancellation between batches.
func (t *Trainer) runEpoch(ctx context.Context, w *mat.Dense, b []float64, lr float64, batchSize, maxBatches int) error {
	perm := t.rng.Perm(t.data.Len())
	batches := 0
	for startIdx := 0; startIdx < len(perm); startIdx += batchSize {
		if maxBatches > 0 && batches >= maxBatches {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		end := startIdx + batchSize
		if end > len(perm) {
			end = len(perm)
		}
		t.sgdStep(w, b, perm[startIdx:end], lr)
		batches++
	}
	return nil
}

// sgdStep applies one cross-entropy gradient step over the given sample
// indices.
func (t *Trainer) sgdStep(w *mat.Dense, b []float64, batch []int, lr float64) {
	classes, features := w.Dims()
	scale := lr / float64(len(batch))

	gradW := mat.NewDense(classes, features, nil)
	gradB := make([]float64, classes)

	for _, i := range batch {
		x := t.data.X.RawRowView(i)
		p := softmaxLogits(w, b, x)
		p[t.data.Labels[i]] -= 1 // residual: probabilities minus one-hot label

		for c := 0; c < classes; c++ {
			gRow := gradW.RawRowView(c)
			for f := 0; f < features; f++ {
				gRow[f] += p[c] * x[f]
			}
			gradB[c] += p[c]
		}
	}

	gradW.Scale(scale, gradW)
	w.Sub(w, gradW)
	for c := range b {
		b[c] -= scale * gradB[c]
	}
}

// evaluate computes mean cross-entropy loss and accuracy over the full local
// dataset.
func (t *Trainer) evaluate(w *mat.Dense, b []float64) (loss, accuracy float64) {
	n := t.data.Len()
	correct := 0
	for i := 0; i < n; i++ {
		p := softmaxLogits(w, b, t.data.X.RawRowView(i))
		label := t.data.Labels[i]
		loss += -math.Log(math.Max(p[label], 1e-12))
		if argmax(p) == label {
			correct++
		}
	}
	return loss / float64(n), float64(correct) / float64(n)
}

// sampleBudget is the number of samples one epoch actually touches given the
// batch cap; it weights this client in the federated average.
func (t *Trainer) sampleBudget(batchSize, maxBatches int) int {
	n := t.data.Len()
	if maxBatches > 0 && maxBatches*batchSize < n {
		return maxBatches * batchSize
	}
	return n
}

// softmaxLogits returns the class probabilities for one sample, computed in
// a numerically stable way.
func softmaxLogits(w *mat.Dense, b []float64, x []float64) []float64 {
	classes, _ := w.Dims()
	logits := make([]float64, classes)
	maxLogit := math.Inf(-1)
	for c := 0; c < classes; c++ {
		logits[c] = mat.Dot(mat.NewVecDense(len(x), x), w.RowView(c)) + b[c]
		if logits[c] > maxLogit {
			maxLogit = logits[c]
		}
	}
	var sum float64
	for c := range logits {
		logits[c] = math.Exp(logits[c] - maxLogit)
		sum += logits[c]
	}
	for c := range logits {
		logits[c] /= sum
	}
	return logits
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func matFinite(m *mat.Dense) bool {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		if !sliceFinite(m.RawRowView(r)) {
			return false
		}
	}
	return true
}

func sliceFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
