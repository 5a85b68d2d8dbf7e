// Copyright (C) 2026 ersha-io contributors.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rpc implements the dispatcher<->prime RPC substrate: a
// length-prefixed envelope carried over one ordered byte stream (a
// mutually-authenticated TLS tunnel in production), multiplexed so
// many concurrent calls can share a single connection, plus the
// server-side per-connection dispatch that routes each inbound
// envelope to a typed handler.
package rpc

import "github.com/ersha-io/ersha/internal/model"

// Kind discriminates the WireMessage variants carried end-to-end.
// It is a closed set. Server.Handle does not check a kind against it;
// it panics only when the same kind is registered twice.
type Kind string

const (
	KindPing                   Kind = "ping"
	KindPong                   Kind = "pong"
	KindHelloRequest           Kind = "hello_request"
	KindHelloResponse          Kind = "hello_response"
	KindBatchUploadRequest     Kind = "batch_upload_request"
	KindBatchUploadResponse    Kind = "batch_upload_response"
	KindAlert                  Kind = "alert"
	KindAlertAck               Kind = "alert_ack"
	KindDispatcherStatus       Kind = "dispatcher_status"
	KindDispatcherStatusAck    Kind = "dispatcher_status_ack"
	KindDeviceDisconnection    Kind = "device_disconnection"
	KindDeviceDisconnectionAck Kind = "device_disconnection_ack"
	KindError                  Kind = "error"
)

// ErrorPayload is the Error{message} variant.
type ErrorPayload struct {
	Message string `json:"message"`
}

// WireMessage is a tagged union over every RPC payload variant. Exactly
// one field besides Kind is populated, matching Kind. Using named
// pointer fields instead of interface{} keeps JSON (de)serialization
// exact without a custom codec.
type WireMessage struct {
	Kind Kind `json:"kind"`

	Ping *struct{} `json:"ping,omitempty"`
	Pong *struct{} `json:"pong,omitempty"`

	HelloRequest  *model.HelloRequest  `json:"hello_request,omitempty"`
	HelloResponse *model.HelloResponse `json:"hello_response,omitempty"`

	BatchUploadRequest  *model.BatchUploadRequest  `json:"batch_upload_request,omitempty"`
	BatchUploadResponse *model.BatchUploadResponse `json:"batch_upload_response,omitempty"`

	Alert    *model.Alert `json:"alert,omitempty"`
	AlertAck *struct{}    `json:"alert_ack,omitempty"`

	DispatcherStatus    *model.DispatcherStatus `json:"dispatcher_status,omitempty"`
	DispatcherStatusAck *struct{}               `json:"dispatcher_status_ack,omitempty"`

	DeviceDisconnection    *model.DeviceDisconnection `json:"device_disconnection,omitempty"`
	DeviceDisconnectionAck *struct{}                  `json:"device_disconnection_ack,omitempty"`

	Error *ErrorPayload `json:"error,omitempty"`
}

func Ping() WireMessage { return WireMessage{Kind: KindPing, Ping: &struct{}{}} }
func Pong() WireMessage { return WireMessage{Kind: KindPong, Pong: &struct{}{}} }

func NewError(message string) WireMessage {
	return WireMessage{Kind: KindError, Error: &ErrorPayload{Message: message}}
}
