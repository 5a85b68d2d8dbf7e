package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
)

// DefaultCallTimeout is the per-call timeout used when the caller does
// not impose a tighter deadline via ctx.
const DefaultCallTimeout = 5 * time.Second

// ErrChannelClosed is returned by Call when the underlying stream
// closes before a reply arrives.
var ErrChannelClosed = errors.New("rpc: channel closed")

// Conn multiplexes one ordered byte stream into concurrent calls. A
// writer goroutine drains an outbound queue; a reader goroutine routes
// each inbound envelope either to a waiting caller (by ReplyTo) or to
// the Inbound channel for server-side dispatch.
type Conn struct {
	nc net.Conn

	outbound chan Envelope
	inbound  chan Envelope

	mu      sync.Mutex
	pending map[ids.MessageId]chan WireMessage

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewConn wraps nc and starts its reader/writer goroutines. inboundCap
// bounds the queue of inbound (non-reply) envelopes delivered to
// Inbound(); it should be small since a slow consumer there backs up
// the whole connection.
func NewConn(nc net.Conn, inboundCap int) *Conn {
	c := &Conn{
		nc:       nc,
		outbound: make(chan Envelope, 16),
		inbound:  make(chan Envelope, inboundCap),
		pending:  make(map[ids.MessageId]chan WireMessage),
		closed:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Inbound yields envelopes that are not replies to a pending Call --
// i.e. requests from the peer that this side must handle.
func (c *Conn) Inbound() <-chan Envelope { return c.inbound }

// Send enqueues env for transmission without waiting for a reply.
func (c *Conn) Send(ctx context.Context, env Envelope) error {
	select {
	case c.outbound <- env:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reply sends payload as a response correlated to the request msgID.
func (c *Conn) Reply(ctx context.Context, to ids.MessageId, payload WireMessage) error {
	return c.Send(ctx, newReply(to, payload))
}

// Call sends payload as a fresh request and blocks until a correlated
// reply arrives, ctx is done, or DefaultCallTimeout elapses -- whichever
// comes first. The pending-call slot is reclaimed in every case.
func (c *Conn) Call(ctx context.Context, payload WireMessage) (WireMessage, error) {
	env := newRequest(payload)
	replyCh := make(chan WireMessage, 1)

	c.mu.Lock()
	c.pending[env.MsgID] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, env.MsgID)
		c.mu.Unlock()
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	select {
	case c.outbound <- env:
	case <-c.closed:
		return WireMessage{}, ErrChannelClosed
	case <-timeoutCtx.Done():
		return WireMessage{}, timeoutCtx.Err()
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-c.closed:
		return WireMessage{}, ErrChannelClosed
	case <-timeoutCtx.Done():
		return WireMessage{}, timeoutCtx.Err()
	}
}

// Close shuts down the connection and unblocks every pending Call and
// any Inbound reader.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
	})
	return nil
}

// Err reports why the connection stopped, if it stopped due to an
// error rather than an explicit Close.
func (c *Conn) Err() error { return c.closeErr }

// Done is closed once the connection has stopped, for callers (like
// Server.ServeConn) that select on it alongside Inbound().
func (c *Conn) Done() <-chan struct{} { return c.closed }

// RemoteAddr reports the underlying connection's peer address, for
// logging context around rejections and protocol errors.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// PeerCertificateCN returns the Subject Common Name of the first
// certificate the peer presented during the mTLS handshake, if the
// underlying connection is a *tls.Conn and has completed one. It
// reports ok=false for plain TCP
// connections, e.g. in tests that do not exercise TLS.
func (c *Conn) PeerCertificateCN() (string, bool) {
	tc, ok := c.nc.(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tc.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", false
	}
	return state.PeerCertificates[0].Subject.CommonName, true
}

func (c *Conn) writeLoop() {
	for {
		select {
		case env := <-c.outbound:
			if err := writeFrame(c.nc, env); err != nil {
				elog.Warnf("rpc: write loop: %v", err)
				c.fail(err)
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	for {
		env, err := readFrame(c.nc)
		if err != nil {
			c.fail(err)
			return
		}

		if env.ReplyTo != nil {
			c.mu.Lock()
			ch, ok := c.pending[*env.ReplyTo]
			if ok {
				delete(c.pending, *env.ReplyTo)
			}
			c.mu.Unlock()
			if ok {
				ch <- env.Payload
			}
			// A reply with no matching pending entry means the call already
			// timed out; the late reply is dropped without panicking.
			continue
		}

		select {
		case c.inbound <- env:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		if !errors.Is(err, io.EOF) {
			c.closeErr = fmt.Errorf("rpc: connection failed: %w", err)
		} else {
			c.closeErr = ErrChannelClosed
		}
		close(c.closed)
		c.nc.Close()
	})
}
