// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package prime wires the central aggregator's RPC request handlers to
// the registry: validating dispatcher identity on hello, partitioning
// and storing batch uploads by known-device, and acknowledging the
// informational request kinds.
package prime

import (
	"context"
	"errors"

	"github.com/ersha-io/ersha/internal/model"
	"github.com/ersha-io/ersha/internal/registry"
	"github.com/ersha-io/ersha/internal/rpc"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
	"github.com/ersha-io/ersha/pkg/ids"
)

// Handlers holds the shared application state every registered RPC
// handler closes over: the registry to validate and persist against,
// a clock, and optional metrics. The acknowledgements the handlers
// return carry no timestamp.
type Handlers struct {
	Registry registry.Registry
	Clock    clock.Clock
	Metrics  *Metrics

	// AllowedDispatchers maps a client certificate's Subject CN to the
	// dispatcher id it is authorized to claim: the mTLS handshake
	// authenticates the certificate, but the binding from CN to
	// dispatcher id is configuration (tls.allowed_dispatchers in
	// primecfg), not implicit in the handshake. A nil or empty map
	// skips the check -- deployments without an allowlist configured
	// rely on Hello's claimed id alone, same as a connection with no
	// client cert.
	AllowedDispatchers map[string]ids.DispatcherId
}

// Register attaches one handler per request variant to srv.
func (h *Handlers) Register(srv *rpc.Server) {
	srv.Handle(rpc.KindPing, h.handlePing)
	srv.Handle(rpc.KindHelloRequest, h.handleHello)
	srv.Handle(rpc.KindBatchUploadRequest, h.handleBatchUpload)
	srv.Handle(rpc.KindAlert, h.handleAlert)
	srv.Handle(rpc.KindDispatcherStatus, h.handleDispatcherStatus)
	srv.Handle(rpc.KindDeviceDisconnection, h.handleDeviceDisconnection)
}

func (h *Handlers) handlePing(_ context.Context, _ *rpc.Conn, _ rpc.Envelope) rpc.WireMessage {
	if h.Metrics != nil {
		h.Metrics.RPCCallsTotal.WithLabelValues("ping").Inc()
	}
	return rpc.Pong()
}

// handleHello accepts iff the dispatcher is registered and Active,
// otherwise replies with a typed rejection. The peer certificate's
// Subject CN is cross-checked against the claimed dispatcher id; a
// mismatch is rejected the same way an unknown dispatcher is.
func (h *Handlers) handleHello(ctx context.Context, conn *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
	if h.Metrics != nil {
		h.Metrics.RPCCallsTotal.WithLabelValues("hello").Inc()
	}
	if req.Payload.HelloRequest == nil {
		return reject(ids.DispatcherId{}, model.RejectInternalError)
	}
	claimed := req.Payload.HelloRequest.DispatcherID

	if cn, ok := conn.PeerCertificateCN(); ok && len(h.AllowedDispatchers) > 0 {
		allowed, known := h.AllowedDispatchers[cn]
		if !known || allowed != claimed {
			elog.Warnf("prime: hello from %s claims dispatcher %s, cert CN %q not allowlisted for it", conn.RemoteAddr(), claimed, cn)
			return reject(claimed, model.RejectUnknownDispatcher)
		}
	}

	d, err := h.Registry.GetDispatcher(ctx, claimed)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDispatcher) {
			return reject(claimed, model.RejectUnknownDispatcher)
		}
		elog.Warnf("prime: hello lookup failed for %s: %v", claimed, err)
		return reject(claimed, model.RejectInternalError)
	}
	if d.State != registry.StateActive {
		return reject(claimed, model.RejectDispatcherSuspended)
	}

	return rpc.WireMessage{
		Kind:          rpc.KindHelloResponse,
		HelloResponse: &model.HelloResponse{Accepted: true, DispatcherID: claimed},
	}
}

func reject(id ids.DispatcherId, reason model.RejectReason) rpc.WireMessage {
	return rpc.WireMessage{
		Kind: rpc.KindHelloResponse,
		HelloResponse: &model.HelloResponse{
			Accepted:     false,
			DispatcherID: id,
			Reason:       reason,
		},
	}
}

// handleBatchUpload partitions the batch by known-device, stores the
// valid subset, and reports counts that always sum to the input
// lengths. A storage failure is logged but never
// fails the RPC -- the dispatcher retries the whole batch next tick and
// the registry's upsert-by-id absorbs the duplicate.
func (h *Handlers) handleBatchUpload(ctx context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
	if h.Metrics != nil {
		h.Metrics.RPCCallsTotal.WithLabelValues("batch_upload").Inc()
	}
	batch := req.Payload.BatchUploadRequest
	if batch == nil {
		return rpc.NewError("missing batch_upload_request payload")
	}

	validReadings, rejectedReadings := h.partitionReadings(ctx, batch.Readings)
	validStatuses, rejectedStatuses := h.partitionStatuses(ctx, batch.Statuses)

	if len(validReadings) > 0 {
		if err := h.Registry.StoreReadingBatch(ctx, validReadings); err != nil {
			elog.Warnf("prime: store reading batch %s failed: %v", batch.ID, err)
		}
	}
	if len(validStatuses) > 0 {
		if err := h.Registry.StoreStatusBatch(ctx, validStatuses); err != nil {
			elog.Warnf("prime: store status batch %s failed: %v", batch.ID, err)
		}
	}

	resp := &model.BatchUploadResponse{
		ID:               batch.ID,
		ReadingsStored:   len(validReadings),
		ReadingsRejected: rejectedReadings,
		StatusesStored:   len(validStatuses),
		StatusesRejected: rejectedStatuses,
	}
	if h.Metrics != nil {
		h.Metrics.ReadingsIngestedTotal.Add(float64(resp.ReadingsStored))
	}
	elog.Infof("prime: batch %s from %s: %d/%d readings stored, %d/%d statuses stored",
		batch.ID, batch.DispatcherID, resp.ReadingsStored, len(batch.Readings), resp.StatusesStored, len(batch.Statuses))

	return rpc.WireMessage{Kind: rpc.KindBatchUploadResponse, BatchUploadResponse: resp}
}

func (h *Handlers) partitionReadings(ctx context.Context, readings []model.SensorReading) ([]model.SensorReading, int) {
	valid := make([]model.SensorReading, 0, len(readings))
	rejected := 0
	for _, r := range readings {
		if _, err := h.Registry.GetDevice(ctx, r.DeviceID); err != nil {
			rejected++
			continue
		}
		valid = append(valid, r)
	}
	return valid, rejected
}

func (h *Handlers) partitionStatuses(ctx context.Context, statuses []model.DeviceStatus) ([]model.DeviceStatus, int) {
	valid := make([]model.DeviceStatus, 0, len(statuses))
	rejected := 0
	for _, s := range statuses {
		if _, err := h.Registry.GetDevice(ctx, s.DeviceID); err != nil {
			rejected++
			continue
		}
		valid = append(valid, s)
	}
	return valid, rejected
}

// handleAlert, handleDispatcherStatus and handleDeviceDisconnection are
// informational in this revision: they acknowledge with a minimal
// receipt and otherwise only log.
func (h *Handlers) handleAlert(_ context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
	if h.Metrics != nil {
		h.Metrics.RPCCallsTotal.WithLabelValues("alert").Inc()
	}
	if a := req.Payload.Alert; a != nil {
		elog.Warnf("prime: alert from dispatcher %s: %s", a.DispatcherID, a.Message)
	}
	return rpc.WireMessage{Kind: rpc.KindAlertAck, AlertAck: &struct{}{}}
}

func (h *Handlers) handleDispatcherStatus(_ context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
	if h.Metrics != nil {
		h.Metrics.RPCCallsTotal.WithLabelValues("dispatcher_status").Inc()
	}
	if s := req.Payload.DispatcherStatus; s != nil {
		elog.Infof("prime: dispatcher %s status: %d connected edges, %d outbox pending",
			s.DispatcherID, s.ConnectedEdges, s.OutboxPending)
	}
	return rpc.WireMessage{Kind: rpc.KindDispatcherStatusAck, DispatcherStatusAck: &struct{}{}}
}

func (h *Handlers) handleDeviceDisconnection(_ context.Context, _ *rpc.Conn, req rpc.Envelope) rpc.WireMessage {
	if h.Metrics != nil {
		h.Metrics.RPCCallsTotal.WithLabelValues("device_disconnection").Inc()
	}
	if d := req.Payload.DeviceDisconnection; d != nil {
		elog.Infof("prime: device %s disconnected from dispatcher %s (reason=%d)", d.DeviceID, d.DispatcherID, d.Reason)
	}
	return rpc.WireMessage{Kind: rpc.KindDeviceDisconnectionAck, DeviceDisconnectionAck: &struct{}{}}
}
