// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tlsconf builds the mutually-authenticated TLS 1.3 configs the
// dispatcher-prime RPC tunnel runs over: both sides present an
// X.509 certificate verified against a shared root CA, and the client
// additionally verifies the server's certificate against a configured
// domain (SNI). The handshake itself is the TLS stack's concern; this
// package only builds its configuration surface.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewClientConfig builds the uploader's client-side mTLS config:
// it presents certPath/keyPath to the prime and verifies the prime's
// certificate against rootCAPath and the configured domain.
func NewClientConfig(certPath, keyPath, rootCAPath, domain string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: load client certificate: %w", err)
	}

	pool, err := loadCAPool(rootCAPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   domain,
	}, nil
}

// NewServerConfig builds the prime's server-side mTLS
// config: it presents certPath/keyPath and requires every connecting
// dispatcher to present a certificate verified against rootCAPath.
func NewServerConfig(certPath, keyPath, rootCAPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: load server certificate: %w", err)
	}

	pool, err := loadCAPool(rootCAPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:  pool,
		ClientAuth: tls.RequireAndVerifyClientCert,
	}, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: read root CA %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("tlsconf: parse root CA %s: no certificates found", path)
	}
	return pool, nil
}
