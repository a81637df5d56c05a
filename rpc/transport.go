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

// Package rpc implements the request/reply and notification layer on top of
// the helper channel. It assigns transaction ids, routes replies to waiting
// callers, streams multipart replies, and hands uncorrelated notifications
// to the event loop.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/byllyfish/zof/driver"

	lru "github.com/hashicorp/golang-lru"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var (
	logger = logging.MustGetLogger("rpc")

	// ErrClosed is returned for calls that were outstanding, or submitted,
	// after the helper channel closed.
	ErrClosed = errors.New("rpc: channel closed")
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("rpc: request timeout")
)

const (
	// DefaultTimeout is the per-call deadline used when the transport is
	// constructed without an explicit one.
	DefaultTimeout = 5 * time.Second

	// Replies buffered per call before the reader applies backpressure.
	replyQueueDepth = 16
	eventQueueDepth = 4096
	// Recently abandoned xids we still recognize, so a late reply is
	// demoted to a debug log instead of an error.
	staleXidCacheSize = 512
)

// Channel is the framed JSON pipe the transport runs on. *driver.Driver
// satisfies it.
type Channel interface {
	Send(msg interface{}) error
	Recv() (json.RawMessage, error)
}

// Error is a structured failure reported by the helper for a request.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (r *Error) Error() string {
	return fmt.Sprintf("rpc: error %v: %v", r.Code, r.Message)
}

// Notification is an incoming message that is not correlated with a
// pending request.
type Notification struct {
	Method string
	Params json.RawMessage
}

type request struct {
	ID     uint32      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type notification struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type message struct {
	ID     *uint32         `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Flags  []string        `json:"flags,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
	more   bool
}

type pendingCall struct {
	replies chan *reply
	stream  bool
}

// Transport multiplexes calls and notifications over a single Channel. One
// reader goroutine (Run) owns the receive side; the send side is serialized
// by the channel itself.
type Transport struct {
	channel Channel
	timeout time.Duration
	stale   *lru.Cache
	events  chan Notification

	mu      sync.Mutex
	lastXid uint32
	pending map[uint32]*pendingCall
	closed  bool
}

func NewTransport(channel Channel, timeout time.Duration) *Transport {
	if channel == nil {
		panic("channel is nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	stale, err := lru.New(staleXidCacheSize)
	if err != nil {
		panic(err)
	}

	return &Transport{
		channel: channel,
		timeout: timeout,
		stale:   stale,
		events:  make(chan Notification, eventQueueDepth),
		pending: make(map[uint32]*pendingCall),
	}
}

// Events returns the notification stream. The channel is closed after the
// helper channel terminates and all pending calls have been failed.
func (r *Transport) Events() <-chan Notification {
	return r.events
}

// Run reads incoming messages until the channel terminates, then fails all
// pending calls with ErrClosed and closes the event stream. It returns the
// channel's terminal error.
func (r *Transport) Run() error {
	for {
		data, err := r.channel.Recv()
		if err != nil {
			r.shutdown()
			return err
		}
		r.handleMessage(data)
	}
}

func (r *Transport) handleMessage(data json.RawMessage) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Errorf("unexpected message shape from the helper: %v", err)
		return
	}

	if msg.ID != nil {
		r.handleReply(*msg.ID, &msg)
		return
	}
	if msg.Method != "OFP.MESSAGE" {
		logger.Errorf("ignored notification with method %q", msg.Method)
		return
	}

	// An OFP.MESSAGE may still answer a pending OpenFlow-level request:
	// the helper echoes the request's xid inside the message body.
	var hdr struct {
		Xid  *uint32 `json:"xid"`
		Type string  `json:"type"`
	}
	if err := json.Unmarshal(msg.Params, &hdr); err == nil && hdr.Xid != nil {
		if r.completeMessageReply(*hdr.Xid, hdr.Type, msg.Params) {
			return
		}
	}
	r.events <- Notification{Method: msg.Method, Params: msg.Params}
}

func (r *Transport) handleReply(xid uint32, msg *message) {
	more := hasMoreFlag(msg.Flags)

	r.mu.Lock()
	call := r.pending[xid]
	if call == nil {
		stale := r.stale.Contains(xid)
		r.mu.Unlock()
		if stale {
			logger.Debugf("discarding late reply for abandoned xid %v", xid)
		} else {
			logger.Errorf("reply for unknown xid %v", xid)
		}
		return
	}
	if !more || msg.Error != nil {
		delete(r.pending, xid)
	}
	r.mu.Unlock()

	rep := &reply{result: msg.Result, more: more && msg.Error == nil}
	if msg.Error != nil {
		rep.err = msg.Error
	}
	call.replies <- rep
}

// completeMessageReply resolves a pending call from an OFP.MESSAGE whose
// body carries a matching xid. Returns false if no such call is pending.
func (r *Transport) completeMessageReply(xid uint32, msgType string, params json.RawMessage) bool {
	r.mu.Lock()
	call := r.pending[xid]
	if call == nil {
		stale := r.stale.Contains(xid)
		r.mu.Unlock()
		if stale {
			logger.Debugf("discarding late reply for abandoned xid %v", xid)
			return true
		}
		return false
	}
	delete(r.pending, xid)
	r.mu.Unlock()

	rep := &reply{result: params}
	if msgType == "ERROR" {
		rep.err = &Error{Message: "OpenFlow error reply"}
		rep.result = params
	}
	call.replies <- rep

	return true
}

func hasMoreFlag(flags []string) bool {
	for _, f := range flags {
		if f == "more" || f == "MORE" {
			return true
		}
	}

	return false
}

// nextXidLocked returns a fresh xid: strictly increasing, wrapping past
// zero and past any xid that is still outstanding.
func (r *Transport) nextXidLocked() uint32 {
	for {
		r.lastXid++
		if r.lastXid == 0 {
			continue
		}
		if _, outstanding := r.pending[r.lastXid]; !outstanding {
			return r.lastXid
		}
	}
}

// NextXid reserves a fresh transaction id for a fire-and-forget OpenFlow
// message.
func (r *Transport) NextXid() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.nextXidLocked()
}

func (r *Transport) submit(method string, params interface{}, stream bool) (*pendingCall, uint32, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, 0, ErrClosed
	}
	xid := r.nextXidLocked()
	call := &pendingCall{
		replies: make(chan *reply, replyQueueDepth),
		stream:  stream,
	}
	r.pending[xid] = call
	r.mu.Unlock()

	if err := r.channel.Send(&request{ID: xid, Method: method, Params: params}); err != nil {
		r.abandon(xid)
		return nil, 0, mapChannelErr(err)
	}

	return call, xid, nil
}

// abandon releases a pending slot and remembers the xid so a late reply is
// recognized and quietly discarded.
func (r *Transport) abandon(xid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[xid]; ok {
		delete(r.pending, xid)
		r.stale.Add(xid, struct{}{})
	}
}

// Call sends a request and waits for its single reply.
func (r *Transport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	call, xid, err := r.submit(method, params, false)
	if err != nil {
		return nil, err
	}

	select {
	case rep, ok := <-call.replies:
		if !ok {
			return nil, ErrClosed
		}
		if rep.err != nil {
			return nil, rep.err
		}
		return rep.result, nil
	case <-time.After(r.timeout):
		r.abandon(xid)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.abandon(xid)
		return nil, ctx.Err()
	}
}

// Notify sends a request that expects no reply.
func (r *Transport) Notify(method string, params interface{}) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	return mapChannelErr(r.channel.Send(&notification{Method: method, Params: params}))
}

// CallStream sends a request whose reply is a multipart sequence. The
// returned stream yields fragments in arrival order and terminates after
// the first fragment without the "more" flag.
func (r *Transport) CallStream(ctx context.Context, method string, params interface{}) (*Stream, error) {
	call, xid, err := r.submit(method, params, true)
	if err != nil {
		return nil, err
	}

	return &Stream{transport: r, xid: xid, call: call}, nil
}

// Stream is a lazy sequence of multipart reply fragments.
type Stream struct {
	transport *Transport
	xid       uint32
	call      *pendingCall
	done      bool
}

// Recv returns the next fragment. It returns io.EOF after the final
// fragment has been delivered.
func (r *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	if r.done {
		return nil, io.EOF
	}

	select {
	case rep, ok := <-r.call.replies:
		if !ok {
			r.done = true
			return nil, ErrClosed
		}
		if rep.err != nil {
			r.done = true
			return nil, rep.err
		}
		if !rep.more {
			r.done = true
		}
		return rep.result, nil
	case <-time.After(r.transport.timeout):
		r.done = true
		r.transport.abandon(r.xid)
		return nil, ErrTimeout
	case <-ctx.Done():
		r.done = true
		r.transport.abandon(r.xid)
		return nil, ctx.Err()
	}
}

// shutdown fails every pending call and closes the event stream. It runs on
// the reader goroutine, which is the only reply sender, so closing the
// reply channels here is race free.
func (r *Transport) shutdown() {
	r.mu.Lock()
	r.closed = true
	pending := r.pending
	r.pending = make(map[uint32]*pendingCall)
	r.mu.Unlock()

	for xid, call := range pending {
		logger.Debugf("failing pending request xid=%v: channel closed", xid)
		close(call.replies)
	}
	close(r.events)
}

func mapChannelErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Cause(err) == driver.ErrClosed {
		return ErrClosed
	}

	return err
}
