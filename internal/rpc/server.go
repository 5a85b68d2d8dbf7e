package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/ersha-io/ersha/pkg/elog"
)

// Handler produces the reply for one inbound request of a registered
// Kind. It runs in its own goroutine per request, so concurrent calls
// on the same connection are serviced concurrently.
type Handler func(ctx context.Context, conn *Conn, req Envelope) WireMessage

// Server dispatches inbound envelopes to typed handlers registered
// by message Kind, one per-connection read loop per accepted
// connection.
type Server struct {
	handlers map[Kind]Handler
}

func NewServer() *Server {
	return &Server{handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind. Registering the same kind twice is a
// programming error and panics at startup rather than silently
// shadowing the earlier handler.
func (s *Server) Handle(kind Kind, h Handler) {
	if _, exists := s.handlers[kind]; exists {
		panic("rpc: duplicate handler registration for " + string(kind))
	}
	s.handlers[kind] = h
}

// Bind opens addr (optionally behind tlsConfig for the mutually
// authenticated dispatcher<->prime tunnel) without accepting any
// connections. Splitting bind from serve lets a caller bind a
// privileged rpc_addr and then drop privileges before the accept loop
// starts, as cmd/prime's main does.
func (s *Server) Bind(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig != nil {
		return tls.Listen("tcp", addr, tlsConfig)
	}
	return net.Listen("tcp", addr)
}

// Serve binds addr and serves it until ctx is cancelled; equivalent to
// Bind followed by ServeListener for callers that don't need to split
// binding from serving around a privilege drop.
func (s *Server) Serve(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := s.Bind(addr, tlsConfig)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts connections on an already-bound ln until ctx
// is cancelled or a listener-terminal error occurs; transient accept
// errors pause briefly and resume.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTransientAcceptError(err) {
				elog.Warnf("rpc: transient accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		go s.ServeConn(ctx, nc)
	}
}

// isTransientAcceptError classifies accept errors the same way the
// edge listener does: the connection-family kinds and resource
// exhaustion pause and resume; anything else is listener-terminal.
func isTransientAcceptError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOMEM):
		return true
	}
	return false
}

// ServeConn runs the per-connection dispatch loop for one accepted
// stream until it closes or ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	conn := NewConn(nc, 64)
	defer conn.Close()

	for {
		select {
		case req := <-conn.Inbound():
			go s.dispatch(ctx, conn, req)
		case <-conn.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, req Envelope) {
	h, ok := s.handlers[req.Payload.Kind]
	if !ok {
		// Defensive, not fatal: a version-skewed peer sending a
		// kind this build doesn't know is logged and dropped rather than
		// torn down, since it may be one the peer doesn't expect a reply
		// to either.
		elog.Warnf("rpc: no handler registered for kind %q", req.Payload.Kind)
		return
	}
	reply := h(ctx, conn, req)
	if err := conn.Reply(ctx, req.MsgID, reply); err != nil {
		elog.Warnf("rpc: reply to %s failed: %v", req.MsgID, err)
	}
}
