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

// Package northbound chains the enabled applications into one handler for
// the controller. Events travel the chain head to tail; an application
// decides whether to forward each event to its successor.
package northbound

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/byllyfish/zof/network"
	"github.com/byllyfish/zof/northbound/app"
	"github.com/byllyfish/zof/northbound/app/monitor"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var (
	logger = logging.MustGetLogger("northbound")
)

type application struct {
	instance app.Processor
	enabled  bool
}

type Manager struct {
	mutex      sync.Mutex
	apps       map[string]*application // Registered applications
	head, tail app.Processor
}

func NewManager() *Manager {
	v := &Manager{
		apps: make(map[string]*application),
	}
	// Registering north-bound applications
	v.register(monitor.New())

	return v
}

func (r *Manager) register(app app.Processor) {
	r.apps[strings.ToUpper(app.Name())] = &application{
		instance: app,
		enabled:  false,
	}
}

func (r *Manager) Enable(appName string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	logger.Debugf("enabling %v application..", appName)
	v, ok := r.apps[strings.ToUpper(appName)]
	if !ok {
		return fmt.Errorf("unknown application: %v", appName)
	}
	app := v.instance

	if err := app.Init(); err != nil {
		return errors.Wrap(err, "initializing application")
	}
	v.enabled = true
	logger.Debugf("enabled %v application", appName)

	if r.head == nil {
		r.head = app
		r.tail = app
		return nil
	}
	r.tail.SetNext(app)
	r.tail = app

	return nil
}

func (r *Manager) String() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	buf := &bytes.Buffer{}
	for p, ok := r.head, r.head != nil; ok; p, ok = p.Next() {
		fmt.Fprintf(buf, "%v -> ", p.Name())
	}
	fmt.Fprintf(buf, "(end)")

	return buf.String()
}

func (r *Manager) chainHead() (app.Processor, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.head == nil {
		return nil, false
	}
	return r.head, true
}

// The manager is the network.Handler: each event enters the chain at the
// head.

func (r *Manager) OnChannelUp(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnChannelUp(dp, e)
}

func (r *Manager) OnChannelDown(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnChannelDown(dp, e)
}

func (r *Manager) OnChannelAlert(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnChannelAlert(dp, e)
}

func (r *Manager) OnPacketIn(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnPacketIn(dp, e)
}

func (r *Manager) OnPortStatus(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnPortStatus(dp, e)
}

func (r *Manager) OnFlowRemoved(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnFlowRemoved(dp, e)
}

func (r *Manager) OnErrorMsg(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnErrorMsg(dp, e)
}

func (r *Manager) OnMessage(dp *network.Datapath, e *network.Event) error {
	head, ok := r.chainHead()
	if !ok {
		return nil
	}
	return head.OnMessage(dp, e)
}

func (r *Manager) OnException(err error) {
	logger.Errorf("application error: %v", err)
}
