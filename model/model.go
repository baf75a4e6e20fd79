// Package model defines the data types exchanged by the federated
// aggregation core: the global parameter set, the encrypted-layer selector,
// per-round fit instructions and client updates, and round results.
package model

import (
	"fmt"
	"sort"
	"time"

	"fedagg/tensor"
)

// Parameters is an ordered mapping from layer name to parameter tensor.
// Order is insertion order and is preserved by Clone and Snapshot, so two
// parameter sets built from the same model always agree on layer order.
type Parameters struct {
	names  []string
	layers map[string]*tensor.Tensor
}

// NewParameters returns an empty parameter set.
func NewParameters() *Parameters {
	return &Parameters{layers: make(map[string]*tensor.Tensor)}
}

// Set inserts or replaces a layer. New names keep insertion order.
func (p *Parameters) Set(name string, t *tensor.Tensor) {
	if _, ok := p.layers[name]; !ok {
		p.names = append(p.names, name)
	}
	p.layers[name] = t
}

// Get returns the tensor for a layer name.
func (p *Parameters) Get(name string) (*tensor.Tensor, bool) {
	t, ok := p.layers[name]
	return t, ok
}

// Names returns the layer names in insertion order.
func (p *Parameters) Names() []string {
	return append([]string(nil), p.names...)
}

// NumLayers returns the number of layers.
func (p *Parameters) NumLayers() int {
	return len(p.names)
}

// Clone returns a deep copy.
func (p *Parameters) Clone() *Parameters {
	out := NewParameters()
	for _, name := range p.names {
		out.Set(name, p.layers[name].Clone())
	}
	return out
}

// Equal reports exact bit-for-bit equality of layer names, order, shapes
// and values.
func (p *Parameters) Equal(o *Parameters) bool {
	if len(p.names) != len(o.names) {
		return false
	}
	for i, name := range p.names {
		if o.names[i] != name {
			return false
		}
		a, b := p.layers[name], o.layers[name]
		if !a.SameShape(b) {
			return false
		}
		for j := range a.Data {
			if a.Data[j] != b.Data[j] {
				return false
			}
		}
	}
	return true
}

// LayerSnapshot is the serializable form of one named layer.
type LayerSnapshot struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Snapshot converts the parameter set to its serializable form,
// preserving layer order.
func (p *Parameters) Snapshot() []LayerSnapshot {
	out := make([]LayerSnapshot, 0, len(p.names))
	for _, name := range p.names {
		t := p.layers[name]
		out = append(out, LayerSnapshot{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		})
	}
	return out
}

// FromSnapshot rebuilds a parameter set from its serializable form.
func FromSnapshot(layers []LayerSnapshot) (*Parameters, error) {
	p := NewParameters()
	for _, l := range layers {
		n := 1
		for _, d := range l.Shape {
			n *= d
		}
		if n != len(l.Data) {
			return nil, fmt.Errorf("layer %q: shape %v implies %d elements, got %d", l.Name, l.Shape, n, len(l.Data))
		}
		p.Set(l.Name, &tensor.Tensor{
			Data:  append([]float64(nil), l.Data...),
			Shape: append([]int(nil), l.Shape...),
		})
	}
	return p, nil
}

// LayerSelector is the fixed set of layer names whose per-round deltas are
// protected with HE; all other layers are averaged in plaintext. Immutable
// once a session starts.
type LayerSelector map[string]struct{}

// NewLayerSelector builds a selector from layer names.
func NewLayerSelector(names ...string) LayerSelector {
	s := make(LayerSelector, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Encrypted reports whether the named layer is in the encrypted set.
func (s LayerSelector) Encrypted(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the selected layer names, sorted for stable logging.
func (s LayerSelector) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks that every selected layer exists in the given parameter
// set. A selector naming unknown layers is a configuration error, fatal at
// session start.
func (s LayerSelector) Validate(p *Parameters) error {
	for n := range s {
		if _, ok := p.Get(n); !ok {
			return fmt.Errorf("layer selector names unknown layer %q", n)
		}
	}
	return nil
}

// FitInstruction is broadcast by the coordinator to each selected client at
// the start of a round.
type FitInstruction struct {
	Round        int
	Weights      *Parameters
	LocalEpochs  int
	LearningRate float64
	BatchSize    int
	MaxBatches   int
	UseHE        bool
}

// ClientUpdate is produced once per client per round: the fully trained
// parameter set together with the sample count that weights it. Ephemeral;
// consumed by the aggregator and discarded after the round.
type ClientUpdate struct {
	ClientID     string
	Weights      *Parameters
	NumSamples   int
	Loss         float64
	Accuracy     float64
	TrainingTime time.Duration
}

// Validate checks that the update can contribute to aggregation against the
// given global parameter set: positive sample count and every global layer
// present with a matching shape. Any mismatch is a hard failure for this
// client's contribution, not for the round.
func (u *ClientUpdate) Validate(global *Parameters) error {
	if u.Weights == nil {
		return fmt.Errorf("client %s: missing weights", u.ClientID)
	}
	if u.NumSamples <= 0 {
		return fmt.Errorf("client %s: non-positive sample count %d", u.ClientID, u.NumSamples)
	}
	for _, name := range global.Names() {
		gt, _ := global.Get(name)
		ct, ok := u.Weights.Get(name)
		if !ok {
			return fmt.Errorf("client %s: missing layer %q", u.ClientID, name)
		}
		if !ct.SameShape(gt) {
			return fmt.Errorf("client %s: layer %q shape %v, want %v", u.ClientID, name, ct.Shape, gt.Shape)
		}
	}
	return nil
}

// Aggregation mode labels recorded in RoundResult.
const (
	ModePlain  = "fedavg_plain"
	ModeHE     = "fedavg_he_ckks"
	ModeFailed = "round_failed"
)

// LayerAggregation records how one layer was aggregated in a round.
type LayerAggregation struct {
	Mode         string `json:"mode"` // "plain", "encrypted", or "skipped"
	Contributors int    `json:"contributors"`
}

// RoundResult summarizes one completed (or failed) round. Appended to the
// session's round history and persisted alongside checkpoints.
type RoundResult struct {
	Round      int                         `json:"round"`
	Mode       string                      `json:"mode"`
	Layers     map[string]LayerAggregation `json:"layers,omitempty"`
	NumClients int                         `json:"num_clients"`
	Elapsed    time.Duration               `json:"elapsed_ns"`
	Loss       float64                     `json:"loss,omitempty"`
	Accuracy   float64                     `json:"accuracy,omitempty"`
	Error      string                      `json:"error,omitempty"`
}
