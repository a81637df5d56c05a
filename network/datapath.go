/*
 * Zof - An OpenFlow Controller Framework
 *
 * Copyright (C) 2019 William W. Fisher <william.w.fisher@gmail.com>
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package network

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/byllyfish/zof/rpc"

	"github.com/pkg/errors"
)

var (
	// ErrClosedDatapath is returned by datapath operations after the
	// connection went down. A message sent to a closed datapath never
	// reaches the helper.
	ErrClosedDatapath = errors.New("network: closed datapath")
)

// Datapath is a live switch connection. It is created once negotiation
// succeeds and removed when the connection terminates; its task group is
// cancelled and joined before the CHANNEL_DOWN handler runs.
type Datapath struct {
	transport *rpc.Transport
	connID    uint64
	tasks     *TaskGroup

	mu       sync.RWMutex
	dpid     string
	version  uint8
	endpoint string
	features map[string]interface{}
	ports    []interface{}
	closed   bool
}

func newDatapath(transport *rpc.Transport, connID uint64, parent context.Context) *Datapath {
	if transport == nil {
		panic("transport is nil")
	}

	return &Datapath{
		transport: transport,
		connID:    connID,
		tasks:     newTaskGroup(parent),
	}
}

// ConnID returns the helper-assigned connection id.
func (r *Datapath) ConnID() uint64 {
	return r.connID
}

// DPID returns the datapath id, canonically hh:hh:hh:hh:hh:hh:hh:hh.
func (r *Datapath) DPID() string {
	// Read lock
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.dpid
}

// Version returns the negotiated OpenFlow protocol version.
func (r *Datapath) Version() uint8 {
	// Read lock
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.version
}

// Endpoint returns the remote address of the switch.
func (r *Datapath) Endpoint() string {
	// Read lock
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoint
}

// Features returns the FEATURES_REPLY body captured during negotiation.
// The returned map is shared; treat it as read only.
func (r *Datapath) Features() map[string]interface{} {
	// Read lock
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.features
}

// Ports returns the port descriptions captured during negotiation. The
// returned slice is shared; treat it as read only.
func (r *Datapath) Ports() []interface{} {
	// Read lock
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.ports
}

func (r *Datapath) setNegotiated(dpid string, version uint8, endpoint string, features map[string]interface{}, ports []interface{}) {
	// Write lock
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dpid = dpid
	r.version = version
	r.endpoint = endpoint
	r.features = features
	r.ports = ports
}

func (r *Datapath) isClosed() bool {
	// Read lock
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.closed
}

func (r *Datapath) markClosed() {
	// Write lock
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
}

// Send transmits a fire-and-forget OpenFlow message. The message is given
// as the decoded JSON form the helper understands; conn_id is filled in, and
// so is a fresh xid unless the message already carries one.
func (r *Datapath) Send(msg map[string]interface{}) error {
	if r.isClosed() {
		return ErrClosedDatapath
	}

	msg["conn_id"] = r.connID
	if _, ok := msg["xid"]; !ok {
		msg["xid"] = r.transport.NextXid()
	}
	logger.Debugf("send %v to %v", msg["type"], r)

	return r.transport.Notify("OFP.SEND", msg)
}

// Request transmits an OpenFlow message and waits for its reply.
func (r *Datapath) Request(ctx context.Context, msg map[string]interface{}) (json.RawMessage, error) {
	if r.isClosed() {
		return nil, ErrClosedDatapath
	}

	msg["conn_id"] = r.connID
	logger.Debugf("request %v to %v", msg["type"], r)

	return r.transport.Call(ctx, "OFP.REQUEST", msg)
}

// RequestAll transmits an OpenFlow message whose reply is a multipart
// sequence and returns the lazy reply stream.
func (r *Datapath) RequestAll(ctx context.Context, msg map[string]interface{}) (*rpc.Stream, error) {
	if r.isClosed() {
		return nil, ErrClosedDatapath
	}

	msg["conn_id"] = r.connID
	logger.Debugf("request-all %v to %v", msg["type"], r)

	return r.transport.CallStream(ctx, "OFP.REQUEST", msg)
}

// CreateTask spawns fn in the datapath's task group. The task is cancelled
// when the connection goes down and joined before CHANNEL_DOWN dispatch.
func (r *Datapath) CreateTask(fn func(ctx context.Context)) {
	r.tasks.Go(fn)
}

// Close asks the helper to drop the underlying connection. The closing
// transition runs when the resulting CHANNEL_DOWN arrives.
func (r *Datapath) Close() error {
	if r.isClosed() {
		return nil
	}
	logger.Infof("closing %v", r)

	_, err := r.transport.Call(context.Background(), "OFP.CLOSE", map[string]interface{}{"conn_id": r.connID})
	return err
}

func (r *Datapath) String() string {
	if r == nil {
		return "<Datapath nil>"
	}
	return fmt.Sprintf("<Datapath conn_id=%v dpid=%v>", r.connID, r.DPID())
}
