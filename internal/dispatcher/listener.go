// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatcher hosts the regional aggregator: the edge listener
// that accepts many concurrent device connections, the durable outbox
// that buffers readings until uploaded, and the uploader that owns the
// RPC client lifecycle to the prime.
package dispatcher

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
	"github.com/ersha-io/ersha/pkg/wire"
)

// DisconnectionEvent is enqueued whenever an accepted connection ends,
// for later forwarding to the prime as a DeviceDisconnection.
type DisconnectionEvent struct {
	DeviceID ids.DeviceId
	Reason   model.DisconnectionReason
	At       time.Time
}

// ConnectionTracker records which devices are currently connected and
// collects disconnection events for upstream reporting. Implementations
// must be safe for concurrent use by many connection goroutines.
type ConnectionTracker interface {
	Connected(id ids.DeviceId)
	Disconnected(ev DisconnectionEvent)
}

// MemoryTracker is the default in-process ConnectionTracker.
type MemoryTracker struct {
	mu            sync.Mutex
	connected     map[ids.DeviceId]struct{}
	disconnectLog []DisconnectionEvent
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{connected: make(map[ids.DeviceId]struct{})}
}

func (t *MemoryTracker) Connected(id ids.DeviceId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected[id] = struct{}{}
}

func (t *MemoryTracker) Disconnected(ev DisconnectionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connected, ev.DeviceID)
	t.disconnectLog = append(t.disconnectLog, ev)
}

// Count returns the number of devices currently marked connected.
func (t *MemoryTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.connected)
}

// DrainDisconnections returns and clears the pending disconnection
// events, for forwarding to the prime as DeviceDisconnection RPCs.
func (t *MemoryTracker) DrainDisconnections() []DisconnectionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.disconnectLog
	t.disconnectLog = nil
	return out
}

// Listener binds a TCP address and accepts edge connections, emitting
// canonical SensorReadings to a bounded ingest channel shared by every
// connection. The channel is the sole ordering point between
// connections and the persistence stage.
type Listener struct {
	DispatcherID ids.DispatcherId
	Clock        clock.Clock
	Tracker      ConnectionTracker
	Ingest       chan model.SensorReading

	// Limiter is an optional defensive throttle in front of the bounded
	// ingest channel: a cap on bursts from misbehaving edges, not a
	// substitute for the channel's own backpressure. Nil disables
	// throttling.
	Limiter *rate.Limiter
	Metrics *Metrics

	ln net.Listener
}

// NewListener constructs a Listener with a bounded ingest channel of
// the given capacity.
func NewListener(dispatcherID ids.DispatcherId, clk clock.Clock, tracker ConnectionTracker, channelCap int) *Listener {
	return &Listener{
		DispatcherID: dispatcherID,
		Clock:        clk,
		Tracker:      tracker,
		Ingest:       make(chan model.SensorReading, channelCap),
	}
}

// Bind opens addr without accepting any connections. Splitting bind
// from serve lets cmd/dispatcher's main drop privileges between
// binding a possibly privileged edge.addr and running the accept loop.
func (l *Listener) Bind(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.ln = ln
	return nil
}

// Addr reports the bound listener address, for callers that bound
// port 0.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve binds addr and serves it until ctx is cancelled; equivalent to
// Bind followed by ServeBound for callers that don't need to split
// binding from serving around a privilege drop.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	if err := l.Bind(addr); err != nil {
		return err
	}
	return l.ServeBound(ctx)
}

// ServeBound accepts connections on the already-Bound listener until
// ctx is cancelled or a terminal accept error occurs.
func (l *Listener) ServeBound(ctx context.Context) error {
	ln := l.ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTransientAcceptError(err) {
				elog.Warnf("dispatcher: transient accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		go l.handleConnection(ctx, conn)
	}
}

// isTransientAcceptError classifies accept errors: refused/aborted/reset
// and resource exhaustion are transient; anything else is listener-terminal.
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

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	deviceID, location, err := l.acceptHandshake(conn)
	if err != nil {
		elog.Warnf("dispatcher: handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	l.Tracker.Connected(deviceID)

	reason := l.readLoop(ctx, conn, deviceID, location)
	l.Tracker.Disconnected(DisconnectionEvent{DeviceID: deviceID, Reason: reason, At: l.Clock.Now()})
}

// acceptHandshake mirrors the edge client's Dial handshake.
func (l *Listener) acceptHandshake(conn net.Conn) (ids.DeviceId, ids.H3Cell, error) {
	magic := make([]byte, len(wire.HelloMagic))
	if _, err := io.ReadFull(conn, magic); err != nil {
		return ids.DeviceId{}, 0, err
	}
	if string(magic) != wire.HelloMagic {
		return ids.DeviceId{}, 0, errors.New("dispatcher: bad hello magic")
	}

	var locBuf [wire.H3CellWireSize]byte
	if _, err := io.ReadFull(conn, locBuf[:]); err != nil {
		return ids.DeviceId{}, 0, err
	}
	location := ids.H3Cell(binary.BigEndian.Uint64(locBuf[:]))

	deviceID := ids.NewDeviceId()
	idBytes := deviceID.Bytes()
	if _, err := conn.Write(idBytes[:]); err != nil {
		return ids.DeviceId{}, 0, err
	}
	return deviceID, location, nil
}

// readLoop drains complete frames from conn, converting each reading
// into a canonical SensorReading stamped with this dispatcher's id and
// the current time, and sends it to the ingest channel.
func (l *Listener) readLoop(ctx context.Context, conn net.Conn, deviceID ids.DeviceId, location ids.H3Cell) model.DisconnectionReason {
	buf := make([]byte, 0, wire.MaxMessageSize)
	read := make([]byte, wire.MaxMessageSize)

	for {
		n, err := conn.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
			for {
				result, frame, consumed, reason := wire.Decode(buf)
				switch result {
				case wire.Complete:
					buf = buf[consumed:]
					if err := l.emitReading(ctx, frame, deviceID, location); err != nil {
						elog.Warnf("dispatcher: malformed reading payload from %s: %v", deviceID, err)
						return model.DisconnectProtocolViolation
					}
					continue
				case wire.NeedMore:
				case wire.Invalid:
					elog.Warnf("dispatcher: invalid frame from device %s: %s", deviceID, reason)
					return model.DisconnectProtocolViolation
				}
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return model.DisconnectGraceful
			}
			return model.DisconnectError
		}
	}
}

// emitReading returns an error only when the frame's payload does not
// decode; the caller treats that as a protocol violation.
func (l *Listener) emitReading(ctx context.Context, frame wire.Frame, deviceID ids.DeviceId, location ids.H3Cell) error {
	rp, err := wire.DecodeReading(frame.Payload)
	if err != nil {
		return err
	}

	if l.Limiter != nil {
		reservation := l.Limiter.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			if l.Metrics != nil {
				l.Metrics.IngestThrottled.Inc()
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				reservation.Cancel()
				return nil
			}
		}
	}

	reading := model.SensorReading{
		ID:           ids.NewReadingId(),
		DeviceID:     rp.DeviceID,
		DispatcherID: l.DispatcherID,
		SensorID:     rp.SensorID,
		Metric:       rp.Metric,
		Location:     location,
		Confidence:   100, // not carried on the wire, so every ingested reading gets full confidence
		Seq:          rp.Seq,
		Timestamp:    l.Clock.Now(),
	}

	select {
	case l.Ingest <- reading:
		if l.Metrics != nil {
			l.Metrics.ReadingsIngested.Inc()
		}
	case <-ctx.Done():
	}
	return nil
}
