package wire

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"fedagg/model"
)

// Proxy is the server-side handle for one connected client. It runs the
// fit/update exchange over the client's connection and plugs into the
// coordinator as a client proxy. One exchange is in flight at a time.
type Proxy struct {
	id     string
	conn   net.Conn
	proto  *Protocol
	onGone func(id string)
	gone   sync.Once

	mu sync.Mutex
}

// NewProxy wraps an accepted connection whose hello has already been read.
// onGone, if non-nil, is invoked once when the connection becomes unusable,
// so the owner can drop the client from its pool.
func NewProxy(id string, conn net.Conn, onGone func(id string)) *Proxy {
	return &Proxy{
		id:     id,
		conn:   conn,
		proto:  NewProtocol(conn, conn),
		onGone: onGone,
	}
}

// ID returns the client identifier from the hello.
func (p *Proxy) ID() string { return p.id }

// fail retires the connection and reports it upstream once. A gob stream
// cannot be resynchronized after a send or receive error, so any exchange
// failure means the proxy is dead regardless of the error's cause.
func (p *Proxy) fail() {
	p.gone.Do(func() {
		p.conn.Close()
		if p.onGone != nil {
			p.onGone(p.id)
		}
	})
}

// Fit sends the instruction and blocks until the client's update arrives or
// ctx is done. Cancellation unblocks the pending read via a deadline, so a
// stalled client cannot hold the round open. Any transport or protocol error
// retires the proxy.
func (p *Proxy) Fit(ctx context.Context, ins *model.FitInstruction) (*model.ClientUpdate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.proto.SendFit(ins); err != nil {
		p.fail()
		return nil, fmt.Errorf("send fit to %s: %w", p.id, err)
	}

	type result struct {
		upd *model.ClientUpdate
		err error
	}
	ch := make(chan result, 1)
	go func() {
		upd, err := p.proto.ReceiveUpdate()
		ch <- result{upd, err}
	}()

	select {
	case <-ctx.Done():
		p.conn.SetReadDeadline(time.Now())
		<-ch
		p.conn.SetReadDeadline(time.Time{})
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			p.fail()
			return nil, fmt.Errorf("receive update from %s: %w", p.id, res.err)
		}
		if res.upd.ClientID != p.id {
			p.fail()
			return nil, fmt.Errorf("update from %s claims client id %q", p.id, res.upd.ClientID)
		}
		return res.upd, nil
	}
}

// Close signals session completion to the client and drops the connection.
// The done frame is best-effort; a client that stopped reading must not
// stall shutdown.
func (p *Proxy) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
	_ = p.proto.SendDone()
	return p.conn.Close()
}
