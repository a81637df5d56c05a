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

// Package monitor logs datapath lifecycle transitions and keeps per-
// datapath message counters.
package monitor

import (
	"fmt"
	"sync"

	"github.com/byllyfish/zof/network"
	"github.com/byllyfish/zof/northbound/app"

	"github.com/davecgh/go-spew/spew"
	"github.com/op/go-logging"
	"github.com/spf13/viper"
)

var (
	logger = logging.MustGetLogger("monitor")
)

type Monitor struct {
	app.BaseProcessor

	logPacketIn bool

	mutex    sync.Mutex
	counters map[uint64]uint64 // conn_id -> forwarded message count
}

func New() *Monitor {
	return &Monitor{
		counters: make(map[uint64]uint64),
	}
}

func (r *Monitor) Init() error {
	r.logPacketIn = viper.GetBool("monitor.log_packet_in")

	return nil
}

func (r *Monitor) Name() string {
	return "Monitor"
}

func (r *Monitor) String() string {
	return fmt.Sprintf("%v", r.Name())
}

func (r *Monitor) OnChannelUp(dp *network.Datapath, e *network.Event) error {
	logger.Warningf("datapath up: dpid=%v, endpoint=%v, version=%v", dp.DPID(), dp.Endpoint(), dp.Version())
	if logger.IsEnabledFor(logging.DEBUG) {
		logger.Debugf("datapath features: %v", spew.Sdump(dp.Features()))
	}

	return r.BaseProcessor.OnChannelUp(dp, e)
}

func (r *Monitor) OnChannelDown(dp *network.Datapath, e *network.Event) error {
	r.mutex.Lock()
	count := r.counters[dp.ConnID()]
	delete(r.counters, dp.ConnID())
	r.mutex.Unlock()

	logger.Warningf("datapath down: dpid=%v (%v messages seen)", dp.DPID(), count)

	return r.BaseProcessor.OnChannelDown(dp, e)
}

func (r *Monitor) OnPacketIn(dp *network.Datapath, e *network.Event) error {
	r.count(dp)
	if r.logPacketIn {
		logger.Debugf("PACKET_IN from %v: %v", dp, spew.Sdump(e.Body["msg"]))
	}

	return r.BaseProcessor.OnPacketIn(dp, e)
}

func (r *Monitor) OnMessage(dp *network.Datapath, e *network.Event) error {
	if dp != nil {
		r.count(dp)
	}

	return r.BaseProcessor.OnMessage(dp, e)
}

func (r *Monitor) count(dp *network.Datapath) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.counters[dp.ConnID()]++
}
