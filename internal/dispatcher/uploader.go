package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jpillora/backoff"

	"github.com/ersha-io/ersha/internal/dispatcher/outbox"
	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/internal/rpc"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
)

// Uploader owns a single optional RPC client and a drain timer. Each
// tick (re)establishes the client via a hello handshake if none is
// cached, then drains the outbox and uploads a batch.
type Uploader struct {
	DispatcherID ids.DispatcherId
	Location     ids.H3Cell
	RPCAddr      string
	TLSConfig    *tls.Config
	Outbox       outbox.Store
	Clock        clock.Clock
	Metrics      *Metrics

	// Tracker, when set, supplies the connected-edge count for the
	// per-tick status heartbeat and the pending disconnection events
	// forwarded to the prime after each drain.
	Tracker *MemoryTracker

	mu       sync.Mutex
	conn     *rpc.Conn
	backoff  *backoff.Backoff
	sched    gocron.Scheduler
	dialFunc func(network, addr string) (net.Conn, error)
}

// NewUploader constructs an Uploader with reconnect backoff of 1s
// initial, doubling, capped at 60s.
func NewUploader(dispatcherID ids.DispatcherId, location ids.H3Cell, rpcAddr string, tlsConfig *tls.Config, store outbox.Store, clk clock.Clock) *Uploader {
	return &Uploader{
		DispatcherID: dispatcherID,
		Location:     location,
		RPCAddr:      rpcAddr,
		TLSConfig:    tlsConfig,
		Outbox:       store,
		Clock:        clk,
		backoff:      &backoff.Backoff{Min: time.Second, Max: 60 * time.Second, Factor: 2},
		dialFunc:     net.Dial,
	}
}

// Start schedules the drain tick at interval and blocks until the
// scheduler is running; it does not block for the lifetime of the
// uploader.
func (u *Uploader) Start(ctx context.Context, interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("dispatcher: create scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { u.tick(ctx) }),
	); err != nil {
		return fmt.Errorf("dispatcher: schedule upload tick: %w", err)
	}
	u.sched = s
	s.Start()
	return nil
}

// Stop shuts down the drain scheduler and closes any cached client.
func (u *Uploader) Stop() error {
	u.mu.Lock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	u.mu.Unlock()
	if u.sched != nil {
		return u.sched.Shutdown()
	}
	return nil
}

func (u *Uploader) tick(ctx context.Context) {
	conn, err := u.ensureConnected(ctx)
	if err != nil {
		sleep := u.backoff.Duration()
		elog.Warnf("dispatcher: uploader connect failed, backing off %s: %v", sleep, err)
		time.Sleep(sleep)
		return
	}

	if err := u.drain(ctx, conn); err != nil {
		elog.Warnf("dispatcher: drain failed, discarding client: %v", err)
		u.discardClient()
		return
	}
	if err := u.forwardEvents(ctx, conn); err != nil {
		elog.Warnf("dispatcher: event forwarding failed, discarding client: %v", err)
		u.discardClient()
	}
}

func (u *Uploader) discardClient() {
	u.mu.Lock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	u.mu.Unlock()
}

// forwardEvents reports this dispatcher's health and any edge
// disconnections collected since the last tick. Both are informational:
// the prime only acknowledges them, and events lost to a dying stream
// are not retried.
func (u *Uploader) forwardEvents(ctx context.Context, conn *rpc.Conn) error {
	if u.Tracker == nil {
		return nil
	}

	for _, ev := range u.Tracker.DrainDisconnections() {
		_, err := conn.Call(ctx, rpc.WireMessage{
			Kind: rpc.KindDeviceDisconnection,
			DeviceDisconnection: &model.DeviceDisconnection{
				DeviceID:     ev.DeviceID,
				DispatcherID: u.DispatcherID,
				Reason:       ev.Reason,
				Timestamp:    ev.At,
			},
		})
		if err != nil {
			return fmt.Errorf("device_disconnection call: %w", err)
		}
	}

	stats, err := u.Outbox.Stats(ctx)
	if err != nil {
		return fmt.Errorf("outbox stats: %w", err)
	}
	if u.Metrics != nil {
		u.Metrics.OutboxPending.Set(float64(stats.Readings.Pending + stats.Statuses.Pending))
		u.Metrics.OutboxUploaded.Set(float64(stats.Readings.Uploaded + stats.Statuses.Uploaded))
	}
	_, err = conn.Call(ctx, rpc.WireMessage{
		Kind: rpc.KindDispatcherStatus,
		DispatcherStatus: &model.DispatcherStatus{
			DispatcherID:   u.DispatcherID,
			ConnectedEdges: u.Tracker.Count(),
			OutboxPending:  stats.Readings.Pending + stats.Statuses.Pending,
			Timestamp:      u.Clock.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("dispatcher_status call: %w", err)
	}
	return nil
}

func (u *Uploader) ensureConnected(ctx context.Context) (*rpc.Conn, error) {
	u.mu.Lock()
	existing := u.conn
	u.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	var nc net.Conn
	var err error
	if u.TLSConfig != nil {
		nc, err = tls.Dial("tcp", u.RPCAddr, u.TLSConfig)
	} else {
		nc, err = u.dialFunc("tcp", u.RPCAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("dispatcher: dial prime at %s: %w", u.RPCAddr, err)
	}

	conn := rpc.NewConn(nc, 16)
	reply, err := conn.Call(ctx, rpc.WireMessage{
		Kind:         rpc.KindHelloRequest,
		HelloRequest: &model.HelloRequest{DispatcherID: u.DispatcherID, Location: u.Location},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dispatcher: hello call: %w", err)
	}
	if reply.Kind != rpc.KindHelloResponse || reply.HelloResponse == nil || !reply.HelloResponse.Accepted {
		conn.Close()
		reason := model.RejectInternalError
		if reply.HelloResponse != nil {
			reason = reply.HelloResponse.Reason
		}
		return nil, fmt.Errorf("dispatcher: hello rejected: %s", reason)
	}

	u.backoff.Reset()
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return conn, nil
}

func (u *Uploader) drain(ctx context.Context, conn *rpc.Conn) error {
	readings, err := u.Outbox.FetchPendingReadings(ctx)
	if err != nil {
		return fmt.Errorf("fetch pending readings: %w", err)
	}
	statuses, err := u.Outbox.FetchPendingStatuses(ctx)
	if err != nil {
		return fmt.Errorf("fetch pending statuses: %w", err)
	}
	if len(readings) == 0 && len(statuses) == 0 {
		return nil
	}

	readingIDs := make([]ids.ReadingId, len(readings))
	for i, r := range readings {
		readingIDs[i] = r.ID
	}
	statusIDs := make([]ids.StatusId, len(statuses))
	for i, s := range statuses {
		statusIDs[i] = s.ID
	}

	req := model.BatchUploadRequest{
		ID:           ids.NewBatchId(),
		DispatcherID: u.DispatcherID,
		Readings:     readings,
		Statuses:     statuses,
		Timestamp:    u.Clock.Now(),
	}

	reply, err := conn.Call(ctx, rpc.WireMessage{Kind: rpc.KindBatchUploadRequest, BatchUploadRequest: &req})
	if err != nil {
		// Same ids are refetched next tick; this is the at-least-once
		// property.
		if u.Metrics != nil {
			u.Metrics.UploadsTotal.WithLabelValues("failure").Inc()
		}
		return fmt.Errorf("batch_upload call: %w", err)
	}
	if reply.Kind == rpc.KindError {
		if u.Metrics != nil {
			u.Metrics.UploadsTotal.WithLabelValues("failure").Inc()
		}
		return fmt.Errorf("batch_upload rejected: %s", reply.Error.Message)
	}

	now := u.Clock.Now()
	if err := u.Outbox.MarkReadingsUploaded(ctx, readingIDs, now); err != nil {
		return fmt.Errorf("mark readings uploaded: %w", err)
	}
	if err := u.Outbox.MarkStatusesUploaded(ctx, statusIDs, now); err != nil {
		return fmt.Errorf("mark statuses uploaded: %w", err)
	}
	if u.Metrics != nil {
		u.Metrics.UploadsTotal.WithLabelValues("success").Inc()
	}
	elog.Infof("dispatcher: uploaded batch %s (%d readings, %d statuses)", req.ID, len(readings), len(statuses))
	return nil
}
