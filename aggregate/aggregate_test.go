package aggregate

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"fedagg/codec"
	"fedagg/core/ckkswrapper"
	"fedagg/model"
	"fedagg/tensor"
)

const epsilon = 1e-3

var heCtx = ckkswrapper.NewHeContextWithLogN(13)

func globalWith(vals map[string]*tensor.Tensor) *model.Parameters {
	p := model.NewParameters()
	for _, name := range []string{"conv.weight", "fc.weight", "fc.bias"} {
		if t, ok := vals[name]; ok {
			p.Set(name, t)
		}
	}
	return p
}

func update(id string, samples int, weights *model.Parameters) *model.ClientUpdate {
	return &model.ClientUpdate{ClientID: id, Weights: weights, NumSamples: samples}
}

// Two clients contribute sample_count=100 and 300 with plaintext layer
// deltas of +1.0 and +3.0 from a global value of 0.0; the weighted average
// must be (100*1.0 + 300*3.0)/400 = 2.5.
func TestPlainWeightedAverageScenario(t *testing.T) {
	global := model.NewParameters()
	global.Set("fc.weight", tensor.NewWithData([]float64{0}))

	w1 := model.NewParameters()
	w1.Set("fc.weight", tensor.NewWithData([]float64{1.0}))
	w2 := model.NewParameters()
	w2.Set("fc.weight", tensor.NewWithData([]float64{3.0}))

	s := &PlainFedAvg{}
	next, res, err := s.Aggregate(global, []*model.ClientUpdate{
		update("a", 100, w1),
		update("b", 300, w2),
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.NumClients)

	got, _ := next.Get("fc.weight")
	require.InDelta(t, 2.5, got.Data[0], 1e-12)
}

// Two clients contribute encrypted-layer deltas of +2.0 and -1.0 from a
// global value of 5.0; the post-aggregation value must be about
// 5.0 + (2.0 - 1.0)/2 = 5.5.
func TestHEHybridScenario(t *testing.T) {
	global := model.NewParameters()
	global.Set("fc.bias", tensor.NewWithData([]float64{5.0}))

	w1 := model.NewParameters()
	w1.Set("fc.bias", tensor.NewWithData([]float64{7.0}))
	w2 := model.NewParameters()
	w2.Set("fc.bias", tensor.NewWithData([]float64{4.0}))

	s := &HEHybrid{
		Codec:    codec.New(heCtx),
		Selector: model.NewLayerSelector("fc.bias"),
	}
	next, res, err := s.Aggregate(global, []*model.ClientUpdate{
		update("a", 100, w1),
		update("b", 100, w2),
	})
	require.NoError(t, err)
	require.Equal(t, model.ModeHE, res.Mode)
	require.Equal(t, "encrypted", res.Layers["fc.bias"].Mode)
	require.Equal(t, 2, res.Layers["fc.bias"].Contributors)

	got, _ := next.Get("fc.bias")
	require.InDelta(t, 5.5, got.Data[0], epsilon)
}

// Aggregating an encrypted layer must match running the same weighted
// plaintext logic on the clipped deltas, within the scheme tolerance.
func TestHEMatchesPlaintextShadow(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const dim = 32
	const numClients = 3

	globalLayer := tensor.New(dim)
	for i := range globalLayer.Data {
		globalLayer.Data[i] = rng.Float64()*2 - 1
	}
	global := model.NewParameters()
	global.Set("fc.weight", globalLayer)

	cdc := codec.New(heCtx)
	updates := make([]*model.ClientUpdate, 0, numClients)
	// Shadow computation: mean of clipped deltas added to the global layer
	shadow := globalLayer.Clone()
	meanDelta := tensor.New(dim)
	for c := 0; c < numClients; c++ {
		w := tensor.New(dim)
		delta := tensor.New(dim)
		for i := range w.Data {
			// Deltas beyond the bound exercise the clamp
			d := rng.Float64()*30 - 15
			delta.Data[i] = d
			w.Data[i] = globalLayer.Data[i] + d
		}
		delta.Clamp(cdc.Bound())
		require.NoError(t, meanDelta.AddScaled(1.0/numClients, delta))

		p := model.NewParameters()
		p.Set("fc.weight", w)
		updates = append(updates, update(string(rune('a'+c)), 100, p))
	}
	require.NoError(t, shadow.AddInPlace(meanDelta))

	s := &HEHybrid{Codec: cdc, Selector: model.NewLayerSelector("fc.weight")}
	next, _, err := s.Aggregate(global, updates)
	require.NoError(t, err)

	got, _ := next.Get("fc.weight")
	diff, err := tensor.MaxAbsDiff(got, shadow)
	require.NoError(t, err)
	require.LessOrEqual(t, diff, epsilon, "HE aggregation diverged from plaintext shadow")
}

// Aggregation must be invariant to the order in which client updates arrive.
func TestPermutationInvariance(t *testing.T) {
	globalLayer := tensor.NewWithData([]float64{1, -1, 0.5})
	makeGlobal := func() *model.Parameters {
		p := model.NewParameters()
		p.Set("fc.weight", globalLayer.Clone())
		return p
	}

	mkUpdate := func(id string, samples int, vals []float64) *model.ClientUpdate {
		p := model.NewParameters()
		p.Set("fc.weight", tensor.NewWithData(vals))
		return update(id, samples, p)
	}
	u1 := mkUpdate("a", 100, []float64{2, 0, 1})
	u2 := mkUpdate("b", 200, []float64{0, -2, 0})
	u3 := mkUpdate("c", 50, []float64{1, 1, 1})

	s := &HEHybrid{Codec: codec.New(heCtx), Selector: model.NewLayerSelector("fc.weight")}

	fwd, _, err := s.Aggregate(makeGlobal(), []*model.ClientUpdate{u1, u2, u3})
	require.NoError(t, err)
	rev, _, err := s.Aggregate(makeGlobal(), []*model.ClientUpdate{u3, u1, u2})
	require.NoError(t, err)

	a, _ := fwd.Get("fc.weight")
	b, _ := rev.Get("fc.weight")
	diff, err := tensor.MaxAbsDiff(a, b)
	require.NoError(t, err)
	require.LessOrEqual(t, diff, epsilon)
}

// A client whose tensors do not match the global shapes is dropped from the
// round's contribution set without failing the round.
func TestShapeMismatchClientDropped(t *testing.T) {
	global := model.NewParameters()
	global.Set("fc.weight", tensor.NewWithData([]float64{0, 0}))

	good := model.NewParameters()
	good.Set("fc.weight", tensor.NewWithData([]float64{2, 2}))
	bad := model.NewParameters()
	bad.Set("fc.weight", tensor.NewWithData([]float64{1, 1, 1})) // wrong shape

	s := &PlainFedAvg{}
	next, res, err := s.Aggregate(global, []*model.ClientUpdate{
		update("good", 100, good),
		update("bad", 100, bad),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.NumClients)

	got, _ := next.Get("fc.weight")
	require.InDelta(t, 2.0, got.Data[0], 1e-12)
}

func TestAllUpdatesInvalid(t *testing.T) {
	global := model.NewParameters()
	global.Set("fc.weight", tensor.NewWithData([]float64{0}))

	bad := model.NewParameters()
	bad.Set("fc.weight", tensor.NewWithData([]float64{1, 2}))

	s := &PlainFedAvg{}
	_, _, err := s.Aggregate(global, []*model.ClientUpdate{update("bad", 10, bad)})
	require.ErrorIs(t, err, ErrNoValidUpdates)
}

// A non-finite client delta must not poison the encrypted sum: the codec
// zeroes it before encryption.
func TestNonFiniteDeltaSanitized(t *testing.T) {
	global := model.NewParameters()
	global.Set("fc.bias", tensor.NewWithData([]float64{1.0, 1.0}))

	w1 := model.NewParameters()
	w1.Set("fc.bias", tensor.NewWithData([]float64{math.NaN(), 3.0}))
	w2 := model.NewParameters()
	w2.Set("fc.bias", tensor.NewWithData([]float64{2.0, 2.0}))

	s := &HEHybrid{Codec: codec.New(heCtx), Selector: model.NewLayerSelector("fc.bias")}
	next, _, err := s.Aggregate(global, []*model.ClientUpdate{
		update("a", 100, w1),
		update("b", 100, w2),
	})
	require.NoError(t, err)

	got, _ := next.Get("fc.bias")
	// First slot: NaN delta is zeroed, so mean delta = (0 + 1)/2 = 0.5
	require.InDelta(t, 1.5, got.Data[0], epsilon)
	// Second slot: mean delta = (2 + 1)/2 = 1.5
	require.InDelta(t, 2.5, got.Data[1], epsilon)
}

func TestUnselectedLayersStayPlain(t *testing.T) {
	global := model.NewParameters()
	global.Set("conv.weight", tensor.NewWithData([]float64{0}))
	global.Set("fc.bias", tensor.NewWithData([]float64{0}))

	w := model.NewParameters()
	w.Set("conv.weight", tensor.NewWithData([]float64{4}))
	w.Set("fc.bias", tensor.NewWithData([]float64{4}))

	s := &HEHybrid{Codec: codec.New(heCtx), Selector: model.NewLayerSelector("fc.bias")}
	next, res, err := s.Aggregate(global, []*model.ClientUpdate{update("a", 10, w)})
	require.NoError(t, err)

	require.Equal(t, "plain", res.Layers["conv.weight"].Mode)
	require.Equal(t, "encrypted", res.Layers["fc.bias"].Mode)

	conv, _ := next.Get("conv.weight")
	require.Equal(t, 4.0, conv.Data[0], "plaintext layer is averaged exactly")
	bias, _ := next.Get("fc.bias")
	require.InDelta(t, 4.0, bias.Data[0], epsilon, "encrypted layer carries scheme noise")
}
