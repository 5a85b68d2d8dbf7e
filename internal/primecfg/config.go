// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package primecfg loads the prime binary's configuration file, the
// mirror of internal/dispatchercfg for the central aggregator.
package primecfg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig selects and configures the registry backend. Path
// applies to "sqlite"; Addr/Database/Username/Password
// apply to "clickhouse".
type RegistryConfig struct {
	Type     string `json:"type"` // "memory" | "sqlite" | "clickhouse"
	Path     string `json:"path,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Database string `json:"database,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ServerConfig configures the prime's two listening addresses:
// rpc_addr for the mTLS dispatcher tunnel, http_addr for /healthz and
// /metrics. User and Group, if set, are dropped into once rpc_addr is
// bound.
type ServerConfig struct {
	RPCAddr  string `json:"rpc_addr"`
	HTTPAddr string `json:"http_addr"`
	User     string `json:"user,omitempty"`
	Group    string `json:"group,omitempty"`
}

// TLSConfig configures the mTLS tunnel's server side.
// AllowedDispatchers is a static map from a client certificate's
// Subject CN to the dispatcher id it is authorized to claim in Hello.
// Empty/nil disables the check, relying on Hello's claimed id alone.
type TLSConfig struct {
	Cert               string            `json:"cert"`
	Key                string            `json:"key"`
	RootCA             string            `json:"root_ca"`
	Domain             string            `json:"domain"`
	AllowedDispatchers map[string]string `json:"allowed_dispatchers,omitempty"`
}

// ProgramConfig is the prime's complete configuration surface.
type ProgramConfig struct {
	Server   ServerConfig   `json:"server"`
	Registry RegistryConfig `json:"registry"`
	TLS      TLSConfig      `json:"tls"`
}

// Keys holds the process-wide configuration once Init has run.
var Keys ProgramConfig = ProgramConfig{
	Server:   ServerConfig{RPCAddr: ":7443", HTTPAddr: ":8082"},
	Registry: RegistryConfig{Type: "memory"},
}

// Init reads path and decodes it into Keys, rejecting unknown fields.
func Init(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("primecfg: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return fmt.Errorf("primecfg: decode %s: %w", path, err)
	}
	return Keys.validate()
}

func (c ProgramConfig) validate() error {
	switch c.Registry.Type {
	case "memory":
	case "sqlite":
		if c.Registry.Path == "" {
			return fmt.Errorf("primecfg: registry.path is required when registry.type=sqlite")
		}
	case "clickhouse":
		if c.Registry.Addr == "" || c.Registry.Database == "" {
			return fmt.Errorf("primecfg: registry.addr and registry.database are required when registry.type=clickhouse")
		}
	default:
		return fmt.Errorf("primecfg: unknown registry.type %q", c.Registry.Type)
	}
	if c.Server.RPCAddr == "" {
		return fmt.Errorf("primecfg: server.rpc_addr is required")
	}
	return nil
}
