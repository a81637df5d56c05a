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

package app

import (
	"github.com/byllyfish/zof/network"
)

// Processor is a northbound application in the dispatch chain. Handlers
// run on the dispatcher goroutine; a processor that needs to block spawns
// a task on the datapath or controller instead.
type Processor interface {
	Init() error
	// Name returns the application name that is globally unique.
	Name() string
	Next() (next Processor, ok bool)
	SetNext(Processor)

	OnChannelUp(dp *network.Datapath, e *network.Event) error
	OnChannelDown(dp *network.Datapath, e *network.Event) error
	OnChannelAlert(dp *network.Datapath, e *network.Event) error
	OnPacketIn(dp *network.Datapath, e *network.Event) error
	OnPortStatus(dp *network.Datapath, e *network.Event) error
	OnFlowRemoved(dp *network.Datapath, e *network.Event) error
	OnErrorMsg(dp *network.Datapath, e *network.Event) error
	OnMessage(dp *network.Datapath, e *network.Event) error
}

// BaseProcessor does nothing for every event and forwards it to the next
// processor in the chain. Applications embed it and override what they
// need.
type BaseProcessor struct {
	next Processor
}

func (r *BaseProcessor) Init() error {
	return nil
}

func (r *BaseProcessor) Name() string {
	return "BaseProcessor"
}

func (r *BaseProcessor) Next() (next Processor, ok bool) {
	if r.next != nil {
		return r.next, true
	}

	return nil, false
}

func (r *BaseProcessor) SetNext(next Processor) {
	r.next = next
}

func (r *BaseProcessor) OnChannelUp(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnChannelUp(dp, e)
}

func (r *BaseProcessor) OnChannelDown(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnChannelDown(dp, e)
}

func (r *BaseProcessor) OnChannelAlert(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnChannelAlert(dp, e)
}

func (r *BaseProcessor) OnPacketIn(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnPacketIn(dp, e)
}

func (r *BaseProcessor) OnPortStatus(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnPortStatus(dp, e)
}

func (r *BaseProcessor) OnFlowRemoved(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnFlowRemoved(dp, e)
}

func (r *BaseProcessor) OnErrorMsg(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnErrorMsg(dp, e)
}

func (r *BaseProcessor) OnMessage(dp *network.Datapath, e *network.Event) error {
	next, ok := r.Next()
	if !ok {
		return nil
	}
	return next.OnMessage(dp, e)
}
