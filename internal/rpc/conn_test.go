package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ersha-io/ersha/internal/rpc"
)

// startEchoServer replies to every inbound envelope with the request's
// own payload unchanged, so each caller can tell its reply apart by
// Kind. Batch-upload requests are answered only after delayBatchUpload.
func startEchoServer(t *testing.T, nc net.Conn, delayBatchUpload time.Duration) {
	t.Helper()
	conn := rpc.NewConn(nc, 16)
	go func() {
		for {
			select {
			case req := <-conn.Inbound():
				go func() {
					if req.Payload.Kind == rpc.KindBatchUploadRequest {
						time.Sleep(delayBatchUpload)
					}
					_ = conn.Reply(context.Background(), req.MsgID, req.Payload)
				}()
			case <-conn.Done():
				return
			}
		}
	}()
}

func TestCallCorrelationUnderConcurrency(t *testing.T) {
	clientConnRaw, serverConnRaw := net.Pipe()
	defer clientConnRaw.Close()
	defer serverConnRaw.Close()

	startEchoServer(t, serverConnRaw, 20*time.Millisecond)
	client := rpc.NewConn(clientConnRaw, 16)
	defer client.Close()

	type result struct {
		kind rpc.Kind
		err  error
	}
	pingResult := make(chan result, 1)
	batchResult := make(chan result, 1)

	go func() {
		reply, err := client.Call(context.Background(), rpc.Ping())
		pingResult <- result{reply.Kind, err}
	}()
	go func() {
		reply, err := client.Call(context.Background(), rpc.WireMessage{Kind: rpc.KindBatchUploadRequest})
		batchResult <- result{reply.Kind, err}
	}()

	p := <-pingResult
	b := <-batchResult

	require.NoError(t, p.err)
	require.NoError(t, b.err)
	assert.Equal(t, rpc.KindPing, p.kind)
	assert.Equal(t, rpc.KindBatchUploadRequest, b.kind)
}

func TestCallTimesOutOnStalledPeer(t *testing.T) {
	clientConnRaw, serverConnRaw := net.Pipe()
	defer clientConnRaw.Close()

	// Server that never replies, simulating a stalled peer.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := serverConnRaw.Read(buf); err != nil {
				return
			}
		}
	}()

	client := rpc.NewConn(clientConnRaw, 16)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, rpc.Ping())
	assert.Error(t, err)
}

func TestCallReturnsChannelClosedOnDisconnect(t *testing.T) {
	clientConnRaw, serverConnRaw := net.Pipe()
	client := rpc.NewConn(clientConnRaw, 16)
	defer client.Close()

	serverConnRaw.Close()

	_, err := client.Call(context.Background(), rpc.Ping())
	assert.ErrorIs(t, err, rpc.ErrChannelClosed)
}
