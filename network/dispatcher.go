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
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

// dispatcher routes decoded events to the application's handler table. The
// table is built once from interface assertions on the Handler, plus any
// explicit HandleFunc registrations; there is no name-based reflection at
// dispatch time. All dispatch happens on a single goroutine, so handlers
// never race each other.
type dispatcher struct {
	table     map[string]HandlerFunc
	fallback  HandlerFunc
	exception func(err error)
}

func newDispatcher(h Handler) *dispatcher {
	r := &dispatcher{table: make(map[string]HandlerFunc)}

	if v, ok := h.(ChannelUpHandler); ok {
		r.table[TypeChannelUp] = v.OnChannelUp
	}
	if v, ok := h.(ChannelDownHandler); ok {
		r.table[TypeChannelDown] = v.OnChannelDown
	}
	if v, ok := h.(ChannelAlertHandler); ok {
		r.table[TypeChannelAlert] = v.OnChannelAlert
	}
	if v, ok := h.(PacketInHandler); ok {
		r.table["PACKET_IN"] = v.OnPacketIn
	}
	if v, ok := h.(PortStatusHandler); ok {
		r.table["PORT_STATUS"] = v.OnPortStatus
	}
	if v, ok := h.(FlowRemovedHandler); ok {
		r.table["FLOW_REMOVED"] = v.OnFlowRemoved
	}
	if v, ok := h.(ErrorMsgHandler); ok {
		r.table["ERROR"] = v.OnErrorMsg
	}
	if v, ok := h.(MessageHandler); ok {
		r.fallback = v.OnMessage
	}
	if v, ok := h.(ExceptionHandler); ok {
		r.exception = v.OnException
	}
	if _, ok := r.table[TypeChannelAlert]; !ok {
		r.table[TypeChannelAlert] = logChannelAlert
	}

	return r
}

// handle registers fn for an additional message type (case insensitive).
// It replaces any previous registration for that type.
func (r *dispatcher) handle(msgType string, fn HandlerFunc) {
	if fn == nil {
		panic("nil handler func")
	}
	r.table[strings.ToUpper(msgType)] = fn
}

// dispatch invokes the handler for e. Errors and panics escaping the
// handler are wrapped in a HandlerError and routed to the exception
// handler; they never escape the dispatcher.
func (r *dispatcher) dispatch(dp *Datapath, e *Event) {
	fn, ok := r.table[e.Type]
	if !ok {
		fn = r.fallback
	}
	if fn == nil {
		logger.Debugf("no handler for %v (conn_id=%v)", e.Type, e.ConnID)
		return
	}
	if logger.IsEnabledFor(logging.DEBUG) {
		logger.Debugf("dispatch %v (conn_id=%v): %v", e.Type, e.ConnID, spew.Sdump(e.Body))
	}

	if err := r.invoke(fn, dp, e); err != nil {
		r.routeException(&HandlerError{EventType: e.Type, ConnID: e.ConnID, Err: err})
	}
}

func (r *dispatcher) invoke(fn HandlerFunc, dp *Datapath, e *Event) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.Errorf("handler panic: %v", v)
		}
	}()

	return fn(dp, e)
}

// routeException delivers a handler failure to OnException exactly once.
// Failures of the exception handler itself are logged and do not recurse.
func (r *dispatcher) routeException(err error) {
	if r.exception == nil {
		logger.Errorf("%v", err)
		return
	}

	defer func() {
		if v := recover(); v != nil {
			logger.Errorf("exception handler panic: %v", v)
		}
	}()
	r.exception(err)
}

func logChannelAlert(dp *Datapath, e *Event) error {
	logger.Errorf("CHANNEL_ALERT received on %v: %v", dp, e.Body)
	return nil
}
