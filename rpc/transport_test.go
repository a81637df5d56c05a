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

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/byllyfish/zof/driver"
)

// fakeChannel stands in for the helper pipe: it records outgoing requests
// and lets the test inject incoming messages.
type fakeChannel struct {
	mu     sync.Mutex
	sent   []map[string]interface{}
	recvc  chan json.RawMessage
	closed bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{recvc: make(chan json.RawMessage, 64)}
}

func (r *fakeChannel) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	decoded := map[string]interface{}{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return driver.ErrClosed
	}
	r.sent = append(r.sent, decoded)

	return nil
}

func (r *fakeChannel) Recv() (json.RawMessage, error) {
	msg, ok := <-r.recvc
	if !ok {
		return nil, driver.ErrClosed
	}

	return msg, nil
}

func (r *fakeChannel) push(format string, args ...interface{}) {
	r.recvc <- json.RawMessage(fmt.Sprintf(format, args...))
}

func (r *fakeChannel) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	close(r.recvc)
}

// sentRequest waits for the i-th outgoing request and returns it.
func (r *fakeChannel) sentRequest(t *testing.T, i int) map[string]interface{} {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.sent) > i {
			msg := r.sent[i]
			r.mu.Unlock()
			return msg
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request %v was never sent", i)
	return nil
}

func xidOf(t *testing.T, msg map[string]interface{}) uint32 {
	id, ok := msg["id"].(float64)
	if !ok {
		t.Fatalf("outgoing request without an id: %+v", msg)
	}
	return uint32(id)
}

func newTestTransport(timeout time.Duration) (*Transport, *fakeChannel) {
	channel := newFakeChannel()
	transport := NewTransport(channel, timeout)
	go transport.Run()

	return transport, channel
}

func TestCallReplyRouting(t *testing.T) {
	transport, channel := newTestTransport(time.Second)
	defer channel.close()

	type result struct {
		reply json.RawMessage
		err   error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		reply, err := transport.Call(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "A"})
		first <- result{reply, err}
	}()
	go func() {
		reply, err := transport.Call(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "B"})
		second <- result{reply, err}
	}()

	reqA := channel.sentRequest(t, 0)
	reqB := channel.sentRequest(t, 1)
	if reqA["params"].(map[string]interface{})["type"] != "A" {
		reqA, reqB = reqB, reqA
	}
	resultc := map[string]chan result{"A": first, "B": second}

	// Replies are delivered out of submission order on purpose.
	channel.push(`{"id":%v,"result":{"name":"B"}}`, xidOf(t, reqB))
	channel.push(`{"id":%v,"result":{"name":"A"}}`, xidOf(t, reqA))

	for _, name := range []string{"A", "B"} {
		v := <-resultc[name]
		if v.err != nil {
			t.Fatalf("unexpected call error: %v", v.err)
		}
		var decoded struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(v.reply, &decoded); err != nil {
			t.Fatalf("invalid reply: %v", err)
		}
		if decoded.Name != name {
			t.Fatalf("cross-talk between calls: expected=%v, actual=%v", name, decoded.Name)
		}
	}
}

func TestCallError(t *testing.T) {
	transport, channel := newTestTransport(time.Second)
	defer channel.close()

	done := make(chan error, 1)
	go func() {
		_, err := transport.Call(context.Background(), "OFP.LISTEN", nil)
		done <- err
	}()

	req := channel.sentRequest(t, 0)
	channel.push(`{"id":%v,"error":{"code":-32000,"message":"address in use"}}`, xidOf(t, req))

	err := <-done
	rpcErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("unexpected error type: %T (%v)", err, err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "address in use" {
		t.Fatalf("unexpected error fields: %+v", rpcErr)
	}
}

func TestCallTimeout(t *testing.T) {
	transport, channel := newTestTransport(50 * time.Millisecond)
	defer channel.close()

	start := time.Now()
	_, err := transport.Call(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "A"})
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, actual=%v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout fired far too late")
	}

	// A late reply for the abandoned xid must be discarded, not delivered
	// as an event and not crossed into the next call.
	req := channel.sentRequest(t, 0)
	channel.push(`{"id":%v,"result":{"late":true}}`, xidOf(t, req))

	done := make(chan error, 1)
	go func() {
		_, err := transport.Call(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "B"})
		done <- err
	}()
	second := channel.sentRequest(t, 1)
	channel.push(`{"id":%v,"result":{}}`, xidOf(t, second))
	if err := <-done; err != nil {
		t.Fatalf("late reply corrupted a following call: %v", err)
	}

	select {
	case n := <-transport.Events():
		t.Fatalf("late reply leaked into the event stream: %+v", n)
	default:
	}
}

func TestCallStream(t *testing.T) {
	transport, channel := newTestTransport(time.Second)
	defer channel.close()

	stream, err := transport.CallStream(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "FLOW_REQUEST"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	xid := xidOf(t, channel.sentRequest(t, 0))
	channel.push(`{"id":%v,"result":{"part":0},"flags":["more"]}`, xid)
	channel.push(`{"id":%v,"result":{"part":1},"flags":["more"]}`, xid)
	channel.push(`{"id":%v,"result":{"part":2},"flags":["more"]}`, xid)
	channel.push(`{"id":%v,"result":{"part":3}}`, xid)

	for i := 0; i < 4; i++ {
		reply, err := stream.Recv(context.Background())
		if err != nil {
			t.Fatalf("unexpected stream error at %v: %v", i, err)
		}
		var decoded struct {
			Part int `json:"part"`
		}
		if err := json.Unmarshal(reply, &decoded); err != nil {
			t.Fatalf("invalid fragment: %v", err)
		}
		if decoded.Part != i {
			t.Fatalf("out of order fragment: expected=%v, actual=%v", i, decoded.Part)
		}
	}

	if _, err := stream.Recv(context.Background()); err != io.EOF {
		t.Fatalf("expected io.EOF after the final fragment, actual=%v", err)
	}
}

func TestClosedChannel(t *testing.T) {
	transport, channel := newTestTransport(time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := transport.Call(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "A"})
		done <- err
	}()
	channel.sentRequest(t, 0)
	channel.close()

	if err := <-done; err != ErrClosed {
		t.Fatalf("expected ErrClosed for the pending call, actual=%v", err)
	}
	// Submitting after the shutdown fails immediately.
	if _, err := transport.Call(context.Background(), "OFP.REQUEST", nil); err != ErrClosed {
		t.Fatalf("expected ErrClosed for a new call, actual=%v", err)
	}
	// The event stream terminates.
	if _, ok := <-transport.Events(); ok {
		t.Fatal("event stream still open after shutdown")
	}
}

func TestNotificationDispatch(t *testing.T) {
	transport, channel := newTestTransport(time.Second)
	defer channel.close()

	channel.push(`{"method":"OFP.MESSAGE","params":{"type":"PACKET_IN","conn_id":7}}`)

	select {
	case n := <-transport.Events():
		if n.Method != "OFP.MESSAGE" {
			t.Fatalf("unexpected method: %v", n.Method)
		}
		var params struct {
			Type   string `json:"type"`
			ConnID uint64 `json:"conn_id"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			t.Fatalf("invalid params: %v", err)
		}
		if params.Type != "PACKET_IN" || params.ConnID != 7 {
			t.Fatalf("unexpected params: %+v", params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification was never dispatched")
	}
}

func TestMessageReplyCorrelation(t *testing.T) {
	transport, channel := newTestTransport(time.Second)
	defer channel.close()

	done := make(chan json.RawMessage, 1)
	go func() {
		reply, err := transport.Call(context.Background(), "OFP.REQUEST", map[string]interface{}{"type": "BARRIER_REQUEST"})
		if err != nil {
			t.Errorf("unexpected call error: %v", err)
		}
		done <- reply
	}()

	xid := xidOf(t, channel.sentRequest(t, 0))
	// The helper answers OpenFlow-level requests with an OFP.MESSAGE that
	// carries the xid inside the message body.
	channel.push(`{"method":"OFP.MESSAGE","params":{"type":"BARRIER_REPLY","conn_id":1,"xid":%v}}`, xid)

	select {
	case reply := <-done:
		var decoded struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(reply, &decoded); err != nil {
			t.Fatalf("invalid reply: %v", err)
		}
		if decoded.Type != "BARRIER_REPLY" {
			t.Fatalf("unexpected reply type: %v", decoded.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("the correlated message never resolved the call")
	}

	select {
	case n := <-transport.Events():
		t.Fatalf("correlated message leaked into the event stream: %+v", n)
	default:
	}
}

func TestNextXid(t *testing.T) {
	transport, channel := newTestTransport(time.Second)
	defer channel.close()

	seen := map[uint32]bool{}
	last := uint32(0)
	for i := 0; i < 1000; i++ {
		xid := transport.NextXid()
		if xid == 0 {
			t.Fatal("xid zero must be skipped")
		}
		if xid <= last {
			t.Fatalf("xid is not strictly increasing: %v after %v", xid, last)
		}
		if seen[xid] {
			t.Fatalf("duplicated xid: %v", xid)
		}
		seen[xid] = true
		last = xid
	}
}
