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
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Event types the controller runtime handles itself: CHANNEL_UP is
// synthesized after negotiation, CHANNEL_DOWN closes the datapath, and
// CHANNEL_ALERT has a default handler. Every other type is whatever message
// type name the helper forwards (PACKET_IN, PORT_STATUS, FLOW_REMOVED,
// ERROR, ...).
const (
	TypeChannelUp    = "CHANNEL_UP"
	TypeChannelDown  = "CHANNEL_DOWN"
	TypeChannelAlert = "CHANNEL_ALERT"
)

// Event is a decoded message from the helper. The body is the raw decoded
// JSON object: the runtime does not model individual OpenFlow messages.
// Events are immutable once dispatched; handlers must not modify Body.
type Event struct {
	Type   string
	ConnID uint64
	Xid    uint32
	Body   map[string]interface{}
}

// decodeEvent parses the params of an OFP.MESSAGE notification.
func decodeEvent(params json.RawMessage) (*Event, error) {
	var body map[string]interface{}
	if err := json.Unmarshal(params, &body); err != nil {
		return nil, errors.Wrap(err, "decoding event")
	}

	msgType, _ := body["type"].(string)
	if msgType == "" {
		return nil, errors.New("event without a type")
	}

	e := &Event{Type: msgType, Body: body}
	if v, ok := body["conn_id"].(float64); ok {
		e.ConnID = uint64(v)
	}
	if v, ok := body["xid"].(float64); ok {
		e.Xid = uint32(v)
	}

	return e, nil
}

// Signal is the in-band event for an OS signal. The handler may clear Exit
// to veto the default graceful shutdown.
type Signal struct {
	Signal os.Signal
	Exit   bool
}
