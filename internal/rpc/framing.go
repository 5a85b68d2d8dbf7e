package rpc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single length-prefixed RPC frame to defeat
// adversarial sizes on decode.
const MaxFrameSize = 1 << 20 // 1 MiB; batch uploads are the largest payload

// writeFrame writes a 4-byte big-endian length followed by the
// JSON-encoded envelope, looping on partial writes.
func writeFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpc: marshal envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("rpc: encoded envelope of %d bytes exceeds max frame size %d", len(body), MaxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if err := writeAll(w, lenBuf[:]); err != nil {
		return fmt.Errorf("rpc: write frame length: %w", err)
	}
	if err := writeAll(w, body); err != nil {
		return fmt.Errorf("rpc: write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and decodes its envelope.
func readFrame(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return Envelope{}, fmt.Errorf("rpc: frame of %d bytes exceeds max frame size %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("rpc: read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("rpc: unmarshal envelope: %w", err)
	}
	return env, nil
}

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
