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

package driver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/op/go-logging"
)

// cat echoes our frames back unmodified, which is all the framing tests
// need from a helper. Start passes the "jsonrpc" mode argument first; cat
// reports that no such file exists and goes on to copy stdin ("-").
func newEchoDriver(t *testing.T, framing Framing) *Driver {
	d := New(Config{Path: "cat", Args: []string{"-"}, Framing: framing, StopGrace: 2 * time.Second})
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start the echo helper: %v", err)
	}

	return d
}

func TestStartMissingBinary(t *testing.T) {
	d := New(Config{Path: "no-such-helper-binary-zof"})
	err := d.Start()
	if err == nil {
		t.Fatal("expected error, but no error returns")
	}
	if _, ok := err.(*StartupError); !ok {
		t.Fatalf("unexpected error type: %T (%v)", err, err)
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	for _, framing := range []Framing{FramingNUL, FramingLine} {
		d := newEchoDriver(t, framing)

		sent := map[string]interface{}{
			"id":     float64(1),
			"method": "OFP.SEND",
			"params": map[string]interface{}{"type": "BARRIER_REQUEST"},
		}
		if err := d.Send(sent); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}

		data, err := d.Recv()
		if err != nil {
			t.Fatalf("unexpected recv error: %v", err)
		}
		received := map[string]interface{}{}
		if err := json.Unmarshal(data, &received); err != nil {
			t.Fatalf("invalid JSON from the echo helper: %v", err)
		}
		if diff := cmp.Diff(sent, received); diff != "" {
			t.Fatalf("unexpected echoed message (framing=%v): %v", framing, diff)
		}

		if err := d.Stop(); err != nil {
			t.Fatalf("unexpected stop error: %v", err)
		}
	}
}

func TestSendOrdering(t *testing.T) {
	d := newEchoDriver(t, FramingNUL)
	defer d.Stop()

	const n = 100
	for i := 0; i < n; i++ {
		if err := d.Send(map[string]interface{}{"id": i}); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	for i := 0; i < n; i++ {
		data, err := d.Recv()
		if err != nil {
			t.Fatalf("unexpected recv error: %v", err)
		}
		var msg struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if msg.ID != i {
			t.Fatalf("out of order delivery: expected=%v, actual=%v", i, msg.ID)
		}
	}
}

func TestClosedAfterStop(t *testing.T) {
	d := newEchoDriver(t, FramingNUL)
	if err := d.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if err := d.Send(map[string]interface{}{"id": 1}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, actual=%v", err)
	}
	if _, err := d.Recv(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, actual=%v", err)
	}
	// Stop is idempotent.
	if err := d.Stop(); err != nil {
		t.Fatalf("unexpected second stop error: %v", err)
	}
}

func TestHelperCrash(t *testing.T) {
	// "true" exits immediately: the reader sees EOF without a Stop.
	d := New(Config{Path: "true", StopGrace: 2 * time.Second})
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer d.Stop()

	if _, err := d.Recv(); err != ErrCrashed {
		t.Fatalf("expected ErrCrashed, actual=%v", err)
	}
	if err := d.Err(); err != ErrCrashed {
		t.Fatalf("expected terminal ErrCrashed, actual=%v", err)
	}
}

func TestScanNUL(t *testing.T) {
	src := []struct {
		Data    string
		AtEOF   bool
		Advance int
		Token   string
		Error   bool
	}{
		{Data: "{\"a\":1}\x00", Advance: 8, Token: "{\"a\":1}"},
		{Data: "{\"a\":1}\x00{\"b\":2}\x00", Advance: 8, Token: "{\"a\":1}"},
		{Data: "{\"a\":1}", Advance: 0, Token: ""},
		{Data: "{\"a\":1}", AtEOF: true, Error: true},
		{Data: "", AtEOF: true, Advance: 0, Token: ""},
	}

	for _, v := range src {
		advance, token, err := scanNUL([]byte(v.Data), v.AtEOF)
		if v.Error {
			if err == nil {
				t.Fatal("expected error, but no error returns")
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if advance != v.Advance {
			t.Fatalf("unexpected advance: expected=%v, actual=%v", v.Advance, advance)
		}
		if string(token) != v.Token {
			t.Fatalf("unexpected token: expected=%q, actual=%q", v.Token, token)
		}
	}
}

func TestStderrLevel(t *testing.T) {
	src := []struct {
		Line  string
		Level logging.Level
		Rest  string
	}{
		{Line: "[DEBUG] tracing rpc", Level: logging.DEBUG, Rest: "tracing rpc"},
		{Line: "[INFO] listening", Level: logging.INFO, Rest: "listening"},
		{Line: "[WARNING] slow peer", Level: logging.WARNING, Rest: "slow peer"},
		{Line: "[ERROR] bad frame", Level: logging.ERROR, Rest: "bad frame"},
		{Line: "[FATAL] dying", Level: logging.ERROR, Rest: "dying"},
		{Line: "plain line", Level: logging.INFO, Rest: "plain line"},
		{Line: "[bogus] tagless", Level: logging.INFO, Rest: "[bogus] tagless"},
		{Line: "[UNCLOSED tag", Level: logging.INFO, Rest: "[UNCLOSED tag"},
	}

	for _, v := range src {
		level, rest := stderrLevel(v.Line)
		if level != v.Level {
			t.Fatalf("unexpected level for %q: expected=%v, actual=%v", v.Line, v.Level, level)
		}
		if rest != v.Rest {
			t.Fatalf("unexpected rest for %q: expected=%q, actual=%q", v.Line, v.Rest, rest)
		}
	}
}
