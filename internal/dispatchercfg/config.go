// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dispatchercfg loads the dispatcher binary's configuration
// file into a package-level Keys struct populated once at startup by
// Init, decoded with DisallowUnknownFields so a typo in the config
// file fails loudly instead of being silently ignored.
package dispatchercfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// StorageConfig selects and configures the outbox backend. Path is
// required when Type is "sqlite" and ignored for
// "memory".
type StorageConfig struct {
	Type string `json:"type"` // "memory" | "sqlite"
	Path string `json:"path,omitempty"`
}

// PrimeConfig configures the uploader's RPC client.
type PrimeConfig struct {
	RPCAddr           string `json:"rpc_addr"`
	UploadIntervalSecs int   `json:"upload_interval_secs"`
}

// EdgeConfig selects the dispatcher's ingest source. DeviceCount and
// IntervalMS only apply to Type == "mock"; Addr only applies to
// Type == "tcp".
type EdgeConfig struct {
	Type        string `json:"type"` // "mock" | "tcp"
	Addr        string `json:"addr,omitempty"`
	DeviceCount int    `json:"device_count,omitempty"`
	IntervalMS  int    `json:"interval_ms,omitempty"`
}

// TLSConfig configures the mTLS tunnel to the prime.
type TLSConfig struct {
	Cert   string `json:"cert"`
	Key    string `json:"key"`
	RootCA string `json:"root_ca"`
	Domain string `json:"domain"`
}

// DispatcherIdentity names this dispatcher. Location is an H3 cell
// encoded as a hex string since JSON numbers lose precision above
// 2^53.
type DispatcherIdentity struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

// ServerConfig configures the dispatcher's own listening addresses:
// http_addr serves /healthz and /metrics. User and Group, if set, are
// dropped into after the edge listener binds --
// the dispatcher may need a privileged edge.addr port, but has no
// business keeping those rights once bound.
type ServerConfig struct {
	HTTPAddr string `json:"http_addr"`
	User     string `json:"user,omitempty"`
	Group    string `json:"group,omitempty"`
}

// ProgramConfig is the dispatcher's complete configuration surface.
// The zero value is not valid; Init must populate it from a file
// before use.
type ProgramConfig struct {
	Dispatcher          DispatcherIdentity `json:"dispatcher"`
	Server              ServerConfig       `json:"server"`
	Storage             StorageConfig      `json:"storage"`
	Prime               PrimeConfig        `json:"prime"`
	Edge                EdgeConfig         `json:"edge"`
	TLS                 TLSConfig          `json:"tls"`
	IngestChannelCap    int                `json:"ingest_channel_cap,omitempty"`
	CleanupIntervalSecs int                `json:"cleanup_interval_secs,omitempty"`
	RetentionSecs       int                `json:"retention_secs,omitempty"`
}

// Keys holds the process-wide configuration once Init has run.
var Keys ProgramConfig = ProgramConfig{
	Server:              ServerConfig{HTTPAddr: ":8081"},
	Storage:             StorageConfig{Type: "memory"},
	Edge:                EdgeConfig{Type: "tcp", Addr: ":7000"},
	IngestChannelCap:    100,
	CleanupIntervalSecs: 3600,
	RetentionSecs:       86400,
}

// Init reads path and decodes it into Keys, rejecting unknown fields so
// a misspelled key is caught at startup rather than silently ignored.
func Init(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dispatchercfg: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return fmt.Errorf("dispatchercfg: decode %s: %w", path, err)
	}
	return Keys.validate()
}

func (c ProgramConfig) validate() error {
	if c.Dispatcher.ID == "" {
		return fmt.Errorf("dispatchercfg: dispatcher.id is required")
	}
	switch c.Storage.Type {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("dispatchercfg: storage.path is required when storage.type=sqlite")
		}
	default:
		return fmt.Errorf("dispatchercfg: unknown storage.type %q", c.Storage.Type)
	}
	switch c.Edge.Type {
	case "mock", "tcp":
	default:
		return fmt.Errorf("dispatchercfg: unknown edge.type %q", c.Edge.Type)
	}
	if c.Prime.RPCAddr == "" {
		return fmt.Errorf("dispatchercfg: prime.rpc_addr is required")
	}
	return nil
}
