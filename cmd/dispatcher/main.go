// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command dispatcher runs the regional aggregator: it accepts edge
// connections (or synthesizes mock traffic), buffers readings and
// statuses durably in an outbox, and periodically uploads pending
// entries to a prime over an mTLS RPC tunnel.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ersha-io/ersha/internal/dispatcher"
	"github.com/ersha-io/ersha/internal/dispatcher/outbox"
	"github.com/ersha-io/ersha/internal/dispatchercfg"
	"github.com/ersha-io/ersha/internal/httpstatus"
	"github.com/ersha-io/ersha/internal/runtimeEnv"
	"github.com/ersha-io/ersha/internal/tlsconf"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
	"golang.org/x/time/rate"
)

func main() {
	var (
		configFile = flag.String("config", "./dispatcher.json", "path to the dispatcher configuration file")
		logLevel   = flag.String("loglevel", "info", "log level: debug, info, warn, err")
		logDate    = flag.Bool("logdate", false, "prefix log lines with date/time")
	)
	flag.Parse()

	elog.SetLevel(envOr("ERSHA_LOG", *logLevel))
	elog.SetDateTime(*logDate)

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		elog.Fatalf("dispatcher: load.env: %v", err)
	}

	if err := dispatchercfg.Init(*configFile); err != nil {
		elog.Fatalf("dispatcher: %v", err)
	}
	cfg := dispatchercfg.Keys

	dispatcherID, err := ids.ParseDispatcherId(cfg.Dispatcher.ID)
	if err != nil {
		elog.Fatalf("dispatcher: invalid dispatcher.id: %v", err)
	}
	location, err := parseH3Cell(cfg.Dispatcher.Location)
	if err != nil {
		elog.Fatalf("dispatcher: invalid dispatcher.location: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}
	reg := prometheus.NewRegistry()
	metrics := dispatcher.NewMetrics(reg)

	store, err := openOutbox(cfg.Storage)
	if err != nil {
		elog.Fatalf("dispatcher: open outbox: %v", err)
	}
	defer store.Close()

	tracker := dispatcher.NewMemoryTracker()
	listener := dispatcher.NewListener(dispatcherID, clk, tracker, cfg.IngestChannelCap)
	listener.Metrics = metrics
	// Defensive throttle in front of the bounded ingest channel:
	// generous enough to never bind a well-behaved fleet,
	// present only to cap a burst of misbehaving edges.
	listener.Limiter = rate.NewLimiter(rate.Limit(1000), 200)

	var clientTLS *tls.Config
	if cfg.TLS.Cert != "" {
		clientTLS, err = tlsconf.NewClientConfig(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.RootCA, cfg.TLS.Domain)
		if err != nil {
			elog.Fatalf("dispatcher: TLS config: %v", err)
		}
	}

	uploader := dispatcher.NewUploader(dispatcherID, location, cfg.Prime.RPCAddr, clientTLS, store, clk)
	uploader.Metrics = metrics
	uploader.Tracker = tracker

	cleanup := &dispatcher.CleanupSweep{
		Outbox:    store,
		Clock:     clk,
		Retention: time.Duration(cfg.RetentionSecs) * time.Second,
	}

	go collectIngest(ctx, listener, store, clk)

	if cfg.Edge.Type == "tcp" {
		// Bind before dropping privileges: edge.addr may be a privileged
		// port, so the socket must already be open before the process
		// gives up the rights needed to open it.
		if err := listener.Bind(cfg.Edge.Addr); err != nil {
			elog.Fatalf("dispatcher: bind edge listener: %v", err)
		}
	}
	if err := runtimeEnv.DropPrivileges(cfg.Server.User, cfg.Server.Group); err != nil {
		elog.Fatalf("dispatcher: drop privileges: %v", err)
	}

	switch cfg.Edge.Type {
	case "tcp":
		go func() {
			if err := listener.ServeBound(ctx); err != nil {
				elog.Fatalf("dispatcher: edge listener: %v", err)
			}
		}()
	case "mock":
		mock := dispatcher.NewMockSource(dispatcherID, clk, listener.Ingest, location, maxInt(cfg.Edge.DeviceCount, 1))
		interval := time.Duration(maxInt(cfg.Edge.IntervalMS, 1000)) * time.Millisecond
		go func() {
			if err := mock.Run(ctx, interval); err != nil {
				elog.Warnf("dispatcher: mock source stopped: %v", err)
			}
		}()
	}

	uploadInterval := time.Duration(maxInt(cfg.Prime.UploadIntervalSecs, 1)) * time.Second
	if err := uploader.Start(ctx, uploadInterval); err != nil {
		elog.Fatalf("dispatcher: start uploader: %v", err)
	}
	if err := cleanup.Start(ctx, time.Duration(maxInt(cfg.CleanupIntervalSecs, 1))*time.Second); err != nil {
		elog.Fatalf("dispatcher: start cleanup sweep: %v", err)
	}

	go reportConnectedDevices(ctx, tracker, metrics)

	runtimeEnv.SystemdNotify(true, "running")
	elog.Infof("dispatcher: %s serving edge.type=%s, forwarding to %s", dispatcherID, cfg.Edge.Type, cfg.Prime.RPCAddr)

	if err := httpstatus.Serve(ctx, cfg.Server.HTTPAddr, reg); err != nil {
		elog.Errorf("dispatcher: http status server: %v", err)
	}

	runtimeEnv.SystemdNotify(false, "shutting down")
	_ = uploader.Stop()
	_ = cleanup.Stop()
	elog.Infof("dispatcher: graceful shutdown complete")
}

// collectIngest drains the listener's ingest channel into the outbox.
// It stamps created_at with the same injected clock the outbox and
// cleanup sweep use, rather than calling time.Now() inline, so the
// whole pipeline is deterministic under clock.Fake in tests.
func collectIngest(ctx context.Context, l *dispatcher.Listener, store outbox.Store, clk clock.Clock) {
	for {
		select {
		case reading := <-l.Ingest:
			if err := store.StoreReading(ctx, reading, clk.Now()); err != nil {
				elog.Errorf("dispatcher: outbox store failed for reading %s: %v", reading.ID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func reportConnectedDevices(ctx context.Context, tracker *dispatcher.MemoryTracker, metrics *dispatcher.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.ConnectedDevices.Set(float64(tracker.Count()))
		case <-ctx.Done():
			return
		}
	}
}

func openOutbox(cfg dispatchercfg.StorageConfig) (outbox.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return outbox.OpenSQLite(cfg.Path)
	default:
		return outbox.NewMemory(), nil
	}
}

func parseH3Cell(s string) (ids.H3Cell, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return ids.H3Cell(v), nil
}

func maxInt(v, floor int) int {
	if v <= 0 {
		return floor
	}
	return v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
