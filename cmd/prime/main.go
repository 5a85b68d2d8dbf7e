// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command prime runs the central aggregator: it terminates the mTLS
// RPC tunnel from every dispatcher, validates identity on hello, and
// persists uploaded readings and statuses to the registry.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ersha-io/ersha/internal/httpstatus"
	"github.com/ersha-io/ersha/internal/primecfg"
	"github.com/ersha-io/ersha/internal/registry"
	"github.com/ersha-io/ersha/internal/rpc"
	"github.com/ersha-io/ersha/internal/runtimeEnv"
	"github.com/ersha-io/ersha/internal/tlsconf"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"

	"github.com/ersha-io/ersha/internal/prime"
)

func main() {
	var (
		configFile = flag.String("config", "./prime.json", "path to the prime configuration file")
		logLevel   = flag.String("loglevel", "info", "log level: debug, info, warn, err")
		logDate    = flag.Bool("logdate", false, "prefix log lines with date/time")
	)
	flag.Parse()

	elog.SetLevel(envOr("ERSHA_LOG", *logLevel))
	elog.SetDateTime(*logDate)

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		elog.Fatalf("prime: load.env: %v", err)
	}

	if err := primecfg.Init(*configFile); err != nil {
		elog.Fatalf("prime: %v", err)
	}
	cfg := primecfg.Keys

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := prime.NewMetrics(reg)

	store, err := openRegistry(cfg.Registry)
	if err != nil {
		elog.Fatalf("prime: open registry: %v", err)
	}
	defer store.Close()

	allowed := make(map[string]ids.DispatcherId, len(cfg.TLS.AllowedDispatchers))
	for cn, idStr := range cfg.TLS.AllowedDispatchers {
		dispatcherID, err := ids.ParseDispatcherId(idStr)
		if err != nil {
			elog.Fatalf("prime: tls.allowed_dispatchers: invalid dispatcher id %q for CN %q: %v", idStr, cn, err)
		}
		allowed[cn] = dispatcherID
	}

	handlers := &prime.Handlers{
		Registry:           store,
		Clock:              clock.Real{},
		Metrics:            metrics,
		AllowedDispatchers: allowed,
	}

	srv := rpc.NewServer()
	handlers.Register(srv)

	var serverTLS *tls.Config
	if cfg.TLS.Cert != "" {
		serverTLS, err = tlsconf.NewServerConfig(cfg.TLS.Cert, cfg.TLS.Key, cfg.TLS.RootCA)
		if err != nil {
			elog.Fatalf("prime: TLS config: %v", err)
		}
	}

	// Bind before dropping privileges: server.rpc_addr may be a
	// privileged port, so the socket must already be open before the
	// process gives up the rights needed to open it.
	rpcListener, err := srv.Bind(cfg.Server.RPCAddr, serverTLS)
	if err != nil {
		elog.Fatalf("prime: bind rpc server: %v", err)
	}
	if err := runtimeEnv.DropPrivileges(cfg.Server.User, cfg.Server.Group); err != nil {
		elog.Fatalf("prime: drop privileges: %v", err)
	}

	go func() {
		if err := srv.ServeListener(ctx, rpcListener); err != nil {
			elog.Fatalf("prime: rpc server: %v", err)
		}
	}()

	go reportKnownEntities(ctx, store, metrics)

	runtimeEnv.SystemdNotify(true, "running")
	elog.Infof("prime: serving rpc on %s (tls=%t), registry.type=%s", cfg.Server.RPCAddr, serverTLS != nil, cfg.Registry.Type)

	if err := httpstatus.Serve(ctx, cfg.Server.HTTPAddr, reg); err != nil {
		elog.Errorf("prime: http status server: %v", err)
	}

	runtimeEnv.SystemdNotify(false, "shutting down")
	elog.Infof("prime: graceful shutdown complete")
}

func openRegistry(cfg primecfg.RegistryConfig) (registry.Registry, error) {
	switch cfg.Type {
	case "sqlite":
		return registry.OpenSQLiteRegistry(cfg.Path)
	case "clickhouse":
		return registry.OpenClickHouse(cfg.Addr, cfg.Database, cfg.Username, cfg.Password)
	default:
		return registry.NewMemory(), nil
	}
}

func reportKnownEntities(ctx context.Context, reg registry.Registry, metrics *prime.Metrics) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := reg.CountDevices(ctx, registry.QueryOptions{}); err == nil {
				metrics.KnownDevices.Set(float64(n))
			}
			if dispatchers, err := reg.ListDispatchers(ctx, registry.QueryOptions{}); err == nil {
				metrics.KnownDispatchers.Set(float64(len(dispatchers)))
			}
		case <-ctx.Done():
			return
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
