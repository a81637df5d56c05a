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

	"github.com/pkg/errors"
)

// Per-connection state machine:
//
//	[absent] --helper CHANNEL_UP--> [negotiating]
//	[negotiating] --features+port_desc--> [ready]   (emit CHANNEL_UP)
//	[negotiating] --error|timeout|down--> [absent]  (drop silently)
//	[ready] --helper CHANNEL_DOWN|Close--> tasks cancelled and joined,
//	                                       then [absent] (emit CHANNEL_DOWN)
type sessionState int

const (
	sessionNegotiating sessionState = iota
	sessionReady
)

type session struct {
	connID uint64
	state  sessionState
	// Cancels the negotiation requests while the session is negotiating.
	cancel context.CancelFunc
	dp     *Datapath
}

type negotiationResult struct {
	connID uint64
	dp     *Datapath // nil when negotiation failed
	event  *Event
}

// startNegotiation reacts to the helper's raw CHANNEL_UP: the connection
// becomes visible to the application only after we have collected its
// features and port descriptions.
func (r *Controller) startNegotiation(e *Event) {
	connID := e.ConnID
	if _, ok := r.sessions[connID]; ok {
		logger.Errorf("duplicate CHANNEL_UP for conn_id=%v", connID)
		return
	}

	ctx, cancel := context.WithCancel(r.runCtx)
	r.sessions[connID] = &session{connID: connID, state: sessionNegotiating, cancel: cancel}
	logger.Debugf("negotiating with conn_id=%v (%v)", connID, e.Body["endpoint"])
	go r.negotiate(ctx, e)
}

// negotiate issues the features and port description requests concurrently
// and posts the outcome back to the event loop.
func (r *Controller) negotiate(ctx context.Context, e *Event) {
	connID := e.ConnID

	type outcome struct {
		body map[string]interface{}
		err  error
	}
	request := func(msgType string, c chan<- outcome) {
		reply, err := r.transport.Call(ctx, "OFP.REQUEST", map[string]interface{}{
			"type":    msgType,
			"conn_id": connID,
		})
		if err != nil {
			c <- outcome{err: err}
			return
		}
		var body map[string]interface{}
		if err := json.Unmarshal(reply, &body); err != nil {
			c <- outcome{err: errors.Wrapf(err, "decoding %v reply", msgType)}
			return
		}
		c <- outcome{body: body}
	}

	featuresc := make(chan outcome, 1)
	portsc := make(chan outcome, 1)
	go request("FEATURES_REQUEST", featuresc)
	go request("PORT_DESC_REQUEST", portsc)
	features := <-featuresc
	portDesc := <-portsc

	if err := features.err; err != nil || portDesc.err != nil {
		if err == nil {
			err = portDesc.err
		}
		logger.Infof("negotiation failed for conn_id=%v: %v", connID, err)
		// Ask the helper to drop the connection; it may already be gone.
		r.transport.Notify("OFP.CLOSE", map[string]interface{}{"conn_id": connID})
		r.postInternal(&internalEvent{negotiated: &negotiationResult{connID: connID}})
		return
	}

	dpid, _ := features.body["datapath_id"].(string)
	endpoint, _ := e.Body["endpoint"].(string)
	var version uint8
	if v, ok := e.Body["version"].(float64); ok {
		version = uint8(v)
	}
	var ports []interface{}
	if v, ok := portDesc.body["ports"].([]interface{}); ok {
		ports = v
	}

	dp := newDatapath(r.transport, connID, r.runCtx)
	dp.setNegotiated(dpid, version, endpoint, features.body, ports)

	// The user-visible CHANNEL_UP merges the helper's connection
	// attributes with both negotiation replies.
	body := make(map[string]interface{}, len(e.Body)+3)
	for k, v := range e.Body {
		body[k] = v
	}
	body["datapath_id"] = dpid
	body["features"] = features.body
	body["ports"] = ports

	r.postInternal(&internalEvent{negotiated: &negotiationResult{
		connID: connID,
		dp:     dp,
		event:  &Event{Type: TypeChannelUp, ConnID: connID, Body: body},
	}})
}

// finishNegotiation runs on the event loop and performs the transition to
// ready (or drops the connection on failure).
func (r *Controller) finishNegotiation(res *negotiationResult) {
	s, ok := r.sessions[res.connID]
	if !ok {
		// The connection went down while negotiation was in flight.
		if res.dp != nil {
			res.dp.tasks.Cancel()
		}
		return
	}
	if res.dp == nil {
		delete(r.sessions, res.connID)
		return
	}

	if !r.registry.insert(res.connID, res.dp) {
		// The helper must not reuse a conn_id while it is registered.
		// Drop the newcomer and leave the registered session alone.
		logger.Errorf("conn_id %v is already registered; dropping the new connection", res.connID)
		res.dp.tasks.Cancel()
		r.transport.Notify("OFP.CLOSE", map[string]interface{}{"conn_id": res.connID})
		return
	}

	s.state = sessionReady
	s.dp = res.dp
	logger.Infof("datapath is up: %v version=%v endpoint=%v", res.dp, res.dp.Version(), res.dp.Endpoint())
	r.dispatcher.dispatch(res.dp, res.event)
}

// handleChannelDown performs the closing transition: cancel and join the
// datapath tasks, remove the registry entry, then deliver CHANNEL_DOWN.
func (r *Controller) handleChannelDown(e *Event) {
	s, ok := r.sessions[e.ConnID]
	if !ok {
		logger.Debugf("CHANNEL_DOWN for unknown conn_id=%v", e.ConnID)
		return
	}

	if s.state == sessionNegotiating {
		// Negotiation never completed: no CHANNEL_UP was emitted, so no
		// CHANNEL_DOWN is emitted either.
		s.cancel()
		delete(r.sessions, e.ConnID)
		return
	}

	dp := s.dp
	dp.markClosed()
	dp.tasks.Cancel()
	if !dp.tasks.Wait(r.config.ShutdownGrace) {
		logger.Warningf("abandoning %v unfinished tasks of %v", dp.tasks.Len(), dp)
	}
	r.registry.remove(e.ConnID)
	delete(r.sessions, e.ConnID)
	s.cancel()
	logger.Infof("datapath is down: %v", dp)
	r.dispatcher.dispatch(dp, e)
}
