package trainer

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"fedagg/model"
	"fedagg/progress"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testInstruction() *model.FitInstruction {
	return &model.FitInstruction{
		Round:        1,
		Weights:      NewLinearModel(4, 3),
		LocalEpochs:  3,
		LearningRate: 0.1,
		BatchSize:    32,
		MaxBatches:   50,
	}
}

func TestSyntheticDatasetDeterministic(t *testing.T) {
	a := SyntheticDataset(7, 50, 4, 3)
	b := SyntheticDataset(7, 50, 4, 3)
	if !mat.Equal(a.X, b.X) {
		t.Error("same seed must produce identical features")
	}
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			t.Fatalf("label %d differs between identical seeds", i)
		}
	}
	if c := SyntheticDataset(8, 50, 4, 3); mat.Equal(a.X, c.X) {
		t.Error("different seeds must produce different features")
	}
}

func TestFitImprovesOnZeroModel(t *testing.T) {
	data := SyntheticDataset(1, 300, 4, 3)
	tr, err := New("client-0", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}

	upd, err := tr.Fit(context.Background(), testInstruction())
	if err != nil {
		t.Fatal(err)
	}

	// A zero model scores ln(3) on three balanced classes; separable
	// Gaussian blobs should beat that comfortably.
	zeroLoss := math.Log(3)
	if upd.Loss >= zeroLoss {
		t.Errorf("loss = %f, want below %f", upd.Loss, zeroLoss)
	}
	if upd.Accuracy <= 0.5 {
		t.Errorf("accuracy = %f, want above 0.5", upd.Accuracy)
	}
	if upd.ClientID != "client-0" || upd.NumSamples <= 0 {
		t.Errorf("unexpected update metadata: %+v", upd)
	}
	if upd.TrainingTime <= 0 {
		t.Error("training time not recorded")
	}
	if err := upd.Validate(testInstruction().Weights); err != nil {
		t.Errorf("update rejected by validation: %v", err)
	}
}

// An absurd learning rate must not leak non-finite weights: the trainer
// reverts to the last finite snapshot, which for a single epoch is the
// starting model.
func TestDivergenceRevertsToLastFiniteSnapshot(t *testing.T) {
	data := SyntheticDataset(2, 128, 4, 3)
	tr, err := New("client-1", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ins := testInstruction()
	ins.LearningRate = math.MaxFloat64
	ins.LocalEpochs = 1
	ins.BatchSize = 16

	upd, err := tr.Fit(context.Background(), ins)
	if err != nil {
		t.Fatal(err)
	}
	if !upd.Weights.Equal(ins.Weights) {
		t.Error("diverged training must return the starting snapshot unchanged")
	}
}

func TestFitHonorsCancellation(t *testing.T) {
	data := SyntheticDataset(3, 100, 4, 3)
	tr, err := New("client-2", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Fit(ctx, testInstruction()); err == nil {
		t.Error("cancelled context must abort training")
	}
}

func TestMaxBatchesCapsSampleBudget(t *testing.T) {
	data := SyntheticDataset(4, 100, 4, 3)
	tr, err := New("client-3", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ins := testInstruction()
	ins.BatchSize = 10
	ins.MaxBatches = 2
	upd, err := tr.Fit(context.Background(), ins)
	if err != nil {
		t.Fatal(err)
	}
	if upd.NumSamples != 20 {
		t.Errorf("NumSamples = %d, want 20 with 2 batches of 10", upd.NumSamples)
	}
}

func TestMissingLayerRejected(t *testing.T) {
	data := SyntheticDataset(5, 50, 4, 3)
	tr, err := New("client-4", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ins := testInstruction()
	ins.Weights = model.NewParameters() // no classifier layers
	if _, err := tr.Fit(context.Background(), ins); err == nil {
		t.Error("instruction without classifier layers must be rejected")
	}
}

// Clients with distinct IDs over identically-sized datasets must not walk
// their batches in the same order.
func TestClientsShuffleIndependently(t *testing.T) {
	data := SyntheticDataset(9, 100, 4, 3)
	tr1, err := New("client-0", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}
	tr2, err := New("client-1", data, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}

	p1 := tr1.rng.Perm(32)
	p2 := tr2.rng.Perm(32)
	same := true
	for i := range p1 {
		if p1[i] != p2[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("equal-length client ids produced identical batch orders")
	}
}

type countingReporter struct{ events []progress.Event }

func (c *countingReporter) Report(_ context.Context, e progress.Event) { c.events = append(c.events, e) }

func TestReportsEpochProgress(t *testing.T) {
	data := SyntheticDataset(6, 100, 4, 3)
	rep := &countingReporter{}
	tr, err := New("client-5", data, rep, quiet)
	if err != nil {
		t.Fatal(err)
	}

	ins := testInstruction()
	ins.LocalEpochs = 2
	if _, err := tr.Fit(context.Background(), ins); err != nil {
		t.Fatal(err)
	}
	if len(rep.events) != 2 {
		t.Fatalf("got %d progress events, want one per epoch", len(rep.events))
	}
	if rep.events[0].Phase != "epoch_complete" || rep.events[0].Epoch != 1 || rep.events[0].Epochs != 2 {
		t.Errorf("unexpected first event: %+v", rep.events[0])
	}
}
