// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package edge implements the thin client a physical sensor node uses
// to talk to a dispatcher: a one-time handshake followed by a
// write-all loop of framed readings. It deliberately carries no
// reconnection policy -- a device supervisor decides whether and how
// to retry after a client fails.
package edge

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/pkg/ids"
	"github.com/ersha-io/ersha/pkg/wire"
)

// Client owns one long-lived connection to a dispatcher and the
// per-device sequence counter used to tag outgoing readings.
type Client struct {
	conn     net.Conn
	deviceID ids.DeviceId
	sensorID ids.SensorId
	location ids.H3Cell
	seq      uint32
}

// Dial connects to addr and performs the HELLO handshake, returning a
// Client bound to the DeviceId the dispatcher assigned.
func Dial(addr string, location ids.H3Cell, sensorID ids.SensorId, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("edge: dial %s: %w", addr, err)
	}

	deviceID, err := handshake(conn, location)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{conn: conn, deviceID: deviceID, sensorID: sensorID, location: location}, nil
}

func handshake(conn net.Conn, location ids.H3Cell) (ids.DeviceId, error) {
	if _, err := conn.Write([]byte(wire.HelloMagic)); err != nil {
		return ids.DeviceId{}, fmt.Errorf("edge: write hello: %w", err)
	}

	var locBuf [wire.H3CellWireSize]byte
	binary.BigEndian.PutUint64(locBuf[:], uint64(location))
	if err := writeAll(conn, locBuf[:]); err != nil {
		return ids.DeviceId{}, fmt.Errorf("edge: write location: %w", err)
	}

	var idBuf [wire.DeviceIDWireSize]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		return ids.DeviceId{}, fmt.Errorf("edge: read device id: %w", err)
	}
	return ids.DeviceIdFromBytes(idBuf), nil
}

// DeviceID returns the id assigned during the handshake.
func (c *Client) DeviceID() ids.DeviceId { return c.deviceID }

// SendReading encodes and writes one reading, using and incrementing
// the client's wrapping sequence counter.
func (c *Client) SendReading(metric model.SensorMetric) error {
	payload, err := wire.EncodeReading(wire.ReadingPayload{
		DeviceID: c.deviceID,
		SensorID: c.sensorID,
		Seq:      c.seq,
		Metric:   metric,
	})
	if err != nil {
		return fmt.Errorf("edge: encode reading: %w", err)
	}
	c.seq++ // wraps at 2^32; the dispatcher carries it through without deduplicating

	frame, err := wire.Encode(wire.Frame{Type: wire.MsgReading, Payload: payload})
	if err != nil {
		return fmt.Errorf("edge: build frame: %w", err)
	}
	if err := writeAll(c.conn, frame); err != nil {
		return fmt.Errorf("edge: send reading: %w", err)
	}
	return nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// writeAll loops Write until buf is fully drained or an error occurs,
// since net.Conn.Write may perform a short write under load.
func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
