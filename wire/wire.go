// Package wire carries the federated protocol between the aggregation
// server and remote clients: a client announces itself, the server streams
// fit instructions, the client answers with trained weights. Messages are
// gob-encoded over any byte stream.
package wire

import (
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"fedagg/model"
)

func init() {
	gob.Register(HelloPayload{})
	gob.Register(FitPayload{})
	gob.Register(UpdatePayload{})
}

// MessageType defines the message types of the federation protocol.
type MessageType int

const (
	MsgHello MessageType = iota
	MsgFit
	MsgUpdate
	MsgDone
	MsgError
)

// Message is one protocol frame.
type Message struct {
	Type    MessageType
	Payload interface{}
}

// HelloPayload is the client's registration announcement.
type HelloPayload struct {
	ClientID string
}

// FitPayload carries one round's fit instruction. Weights travel as layer
// snapshots so the frame is self-describing.
type FitPayload struct {
	Round        int
	Weights      []model.LayerSnapshot
	LocalEpochs  int
	LearningRate float64
	BatchSize    int
	MaxBatches   int
	UseHE        bool
}

// UpdatePayload carries one client's trained weights and metrics back.
type UpdatePayload struct {
	ClientID     string
	Weights      []model.LayerSnapshot
	NumSamples   int
	Loss         float64
	Accuracy     float64
	TrainingTime time.Duration
}

// Protocol handles federation messages over a byte stream.
type Protocol struct {
	encoder *gob.Encoder
	decoder *gob.Decoder
}

// NewProtocol creates a protocol handler reading from r and writing to w.
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	return &Protocol{
		encoder: gob.NewEncoder(w),
		decoder: gob.NewDecoder(r),
	}
}

// Send sends a message.
func (p *Protocol) Send(msg *Message) error {
	return p.encoder.Encode(msg)
}

// Receive receives a message.
func (p *Protocol) Receive() (*Message, error) {
	var msg Message
	if err := p.decoder.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SendHello announces the client to the server.
func (p *Protocol) SendHello(clientID string) error {
	return p.Send(&Message{Type: MsgHello, Payload: HelloPayload{ClientID: clientID}})
}

// SendFit dispatches a fit instruction.
func (p *Protocol) SendFit(ins *model.FitInstruction) error {
	return p.Send(&Message{
		Type: MsgFit,
		Payload: FitPayload{
			Round:        ins.Round,
			Weights:      ins.Weights.Snapshot(),
			LocalEpochs:  ins.LocalEpochs,
			LearningRate: ins.LearningRate,
			BatchSize:    ins.BatchSize,
			MaxBatches:   ins.MaxBatches,
			UseHE:        ins.UseHE,
		},
	})
}

// SendUpdate returns a trained update.
func (p *Protocol) SendUpdate(upd *model.ClientUpdate) error {
	return p.Send(&Message{
		Type: MsgUpdate,
		Payload: UpdatePayload{
			ClientID:     upd.ClientID,
			Weights:      upd.Weights.Snapshot(),
			NumSamples:   upd.NumSamples,
			Loss:         upd.Loss,
			Accuracy:     upd.Accuracy,
			TrainingTime: upd.TrainingTime,
		},
	})
}

// SendDone signals the end of the session.
func (p *Protocol) SendDone() error {
	return p.Send(&Message{Type: MsgDone})
}

// SendError sends an error message.
func (p *Protocol) SendError(err error) error {
	return p.Send(&Message{Type: MsgError, Payload: err.Error()})
}

// ReceiveHello receives the client announcement that opens a connection.
func (p *Protocol) ReceiveHello() (*HelloPayload, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	if msg.Type == MsgError {
		return nil, fmt.Errorf("remote error: %v", msg.Payload)
	}
	if msg.Type != MsgHello {
		return nil, fmt.Errorf("expected hello message, got %d", msg.Type)
	}
	payload, ok := msg.Payload.(HelloPayload)
	if !ok {
		return nil, fmt.Errorf("invalid hello payload type")
	}
	if payload.ClientID == "" {
		return nil, fmt.Errorf("hello without client id")
	}
	return &payload, nil
}

// ReceiveFit receives the next fit instruction. Returns io.EOF after the
// server signals the session is done.
func (p *Protocol) ReceiveFit() (*model.FitInstruction, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	if msg.Type == MsgError {
		return nil, fmt.Errorf("remote error: %v", msg.Payload)
	}
	if msg.Type == MsgDone {
		return nil, io.EOF
	}
	if msg.Type != MsgFit {
		return nil, fmt.Errorf("expected fit message, got %d", msg.Type)
	}
	payload, ok := msg.Payload.(FitPayload)
	if !ok {
		return nil, fmt.Errorf("invalid fit payload type")
	}
	weights, err := model.FromSnapshot(payload.Weights)
	if err != nil {
		return nil, fmt.Errorf("fit weights: %w", err)
	}
	return &model.FitInstruction{
		Round:        payload.Round,
		Weights:      weights,
		LocalEpochs:  payload.LocalEpochs,
		LearningRate: payload.LearningRate,
		BatchSize:    payload.BatchSize,
		MaxBatches:   payload.MaxBatches,
		UseHE:        payload.UseHE,
	}, nil
}

// ReceiveUpdate receives a trained update.
func (p *Protocol) ReceiveUpdate() (*model.ClientUpdate, error) {
	msg, err := p.Receive()
	if err != nil {
		return nil, err
	}
	if msg.Type == MsgError {
		return nil, fmt.Errorf("remote error: %v", msg.Payload)
	}
	if msg.Type != MsgUpdate {
		return nil, fmt.Errorf("expected update message, got %d", msg.Type)
	}
	payload, ok := msg.Payload.(UpdatePayload)
	if !ok {
		return nil, fmt.Errorf("invalid update payload type")
	}
	weights, err := model.FromSnapshot(payload.Weights)
	if err != nil {
		return nil, fmt.Errorf("update weights: %w", err)
	}
	return &model.ClientUpdate{
		ClientID:     payload.ClientID,
		Weights:      weights,
		NumSamples:   payload.NumSamples,
		Loss:         payload.Loss,
		Accuracy:     payload.Accuracy,
		TrainingTime: payload.TrainingTime,
	}, nil
}
