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

// Package network implements the controller runtime: the event loop over
// the helper channel, the per-connection state machines, the handler
// dispatcher, and the scoped task groups.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/byllyfish/zof/driver"
	"github.com/byllyfish/zof/rpc"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var (
	logger = logging.MustGetLogger("network")
)

// StartupError reports that the controller could not come up: the helper is
// unresponsive, the TLS identity is unusable, or a listen endpoint could
// not be opened.
type StartupError struct {
	Reason string
	Err    error
}

func (r *StartupError) Error() string {
	return fmt.Sprintf("network: startup failed: %v: %v", r.Reason, r.Err)
}

func (r *StartupError) Cause() error {
	return r.Err
}

func (r *StartupError) Unwrap() error {
	return r.Err
}

type internalEvent struct {
	negotiated *negotiationResult
	sig        *Signal
}

// Controller drives one helper process and dispatches its events to the
// application handler. Multiple controllers may coexist in one process,
// each owning its own helper.
type Controller struct {
	config     Config
	handler    Handler
	dispatcher *dispatcher
	registry   *registry
	sessions   map[uint64]*session

	driver    *driver.Driver
	channel   rpc.Channel // pre-wired channel for tests; nil spawns the helper
	transport *rpc.Transport
	tasks     *TaskGroup

	runCtx    context.Context
	internalc chan *internalEvent
	stopc     chan struct{}
	stopOnce  sync.Once
	running   int32
}

func New(config Config, handler Handler) (*Controller, error) {
	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Controller{
		config:     config,
		handler:    handler,
		dispatcher: newDispatcher(handler),
		registry:   newRegistry(),
		sessions:   make(map[uint64]*session),
		internalc:  make(chan *internalEvent, 64),
		stopc:      make(chan struct{}),
	}, nil
}

// Config returns a copy of the controller settings.
func (r *Controller) Config() Config {
	return r.config
}

// HandleFunc registers fn for an additional message type. It must be
// called before Run.
func (r *Controller) HandleFunc(msgType string, fn HandlerFunc) {
	r.dispatcher.handle(msgType, fn)
}

// CreateTask spawns fn in the controller task group. The task is cancelled
// when the controller shuts down.
func (r *Controller) CreateTask(fn func(ctx context.Context)) {
	if r.tasks == nil {
		logger.Errorf("rejecting a task: the controller is not running")
		return
	}
	r.tasks.Go(fn)
}

// Datapaths returns a snapshot of the connected, ready datapaths.
func (r *Controller) Datapaths() []*Datapath {
	return r.registry.snapshot()
}

// Datapath returns the ready datapath for a conn_id, or nil.
func (r *Controller) Datapath(connID uint64) *Datapath {
	return r.registry.get(connID)
}

// Stop requests a graceful shutdown. It is safe to call from any
// goroutine, and more than once.
func (r *Controller) Stop() {
	r.stopOnce.Do(func() { close(r.stopc) })
}

func (r *Controller) stopRequested() bool {
	select {
	case <-r.stopc:
		return true
	default:
		return false
	}
}

// Run starts the helper, opens the configured listeners, and dispatches
// events until the controller is stopped, the context is cancelled, or the
// helper channel fails. On return all datapaths are closed, the task
// groups are joined (within the shutdown grace window), the stop handler
// has run, and the helper is stopped. Run may be called once.
func (r *Controller) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return errors.New("network: run is already active")
	}
	defer atomic.StoreInt32(&r.running, 0)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	r.runCtx = runCtx
	r.tasks = newTaskGroup(runCtx)

	channel := r.channel
	if channel == nil {
		d := driver.New(r.driverConfig())
		if err := d.Start(); err != nil {
			r.invokeStop()
			return err
		}
		r.driver = d
		defer d.Stop()
		channel = d
	}
	r.transport = rpc.NewTransport(channel, r.config.RPCTimeout)
	transportErr := make(chan error, 1)
	go func() {
		transportErr <- r.transport.Run()
	}()

	runErr := r.startup(runCtx)
	if runErr == nil {
		signalc := r.installSignals(runCtx)
		defer signal.Stop(signalc)

		r.invokeStart()
		runErr = r.eventLoop(runCtx, transportErr)
	}

	r.shutdownDatapaths()
	r.tasks.Cancel()
	if !r.tasks.Wait(r.config.ShutdownGrace) {
		logger.Warningf("abandoning %v unfinished controller tasks", r.tasks.Len())
	}
	r.invokeStop()

	return runErr
}

// startup proves the helper is alive, loads the TLS identity, and opens
// the configured listen endpoints.
func (r *Controller) startup(ctx context.Context) error {
	desc, err := r.transport.Call(ctx, "OFP.DESCRIPTION", nil)
	if err != nil {
		return &StartupError{Reason: "helper is not responding", Err: err}
	}
	logger.Debugf("helper description: %v", string(desc))

	tlsID, err := r.addTLSIdentity(ctx)
	if err != nil {
		return err
	}

	for _, endpoint := range r.config.ListenEndpoints {
		params := map[string]interface{}{
			"endpoint": endpoint,
			"versions": r.config.ListenVersions,
		}
		if tlsID != 0 {
			params["tls_id"] = tlsID
		}
		if _, err := r.transport.Call(ctx, "OFP.LISTEN", params); err != nil {
			return &StartupError{Reason: fmt.Sprintf("cannot listen on %v", endpoint), Err: err}
		}
		logger.Infof("listening on %v (versions=%v)", endpoint, r.config.ListenVersions)
	}

	return nil
}

func (r *Controller) addTLSIdentity(ctx context.Context) (uint64, error) {
	if r.config.TLSCert == "" {
		return 0, nil
	}

	reply, err := r.transport.Call(ctx, "OFP.ADD_IDENTITY", map[string]interface{}{
		"cert":    r.config.TLSCert,
		"privkey": r.config.TLSPrivKey,
		"cacert":  r.config.TLSCACert,
	})
	if err != nil {
		return 0, &StartupError{Reason: "cannot load the TLS identity", Err: err}
	}
	var result struct {
		TLSID uint64 `json:"tls_id"`
	}
	if err := json.Unmarshal(reply, &result); err != nil {
		return 0, &StartupError{Reason: "unexpected ADD_IDENTITY reply", Err: err}
	}
	logger.Infof("loaded TLS identity %v from %v", result.TLSID, r.config.TLSCert)

	return result.TLSID, nil
}

// Connect makes an outgoing OpenFlow connection and returns its conn_id.
// The datapath becomes visible through the usual CHANNEL_UP flow.
func (r *Controller) Connect(ctx context.Context, endpoint string) (uint64, error) {
	if r.transport == nil {
		return 0, errors.New("network: the controller is not running")
	}

	reply, err := r.transport.Call(ctx, "OFP.CONNECT", map[string]interface{}{"endpoint": endpoint})
	if err != nil {
		return 0, err
	}
	var result struct {
		ConnID uint64 `json:"conn_id"`
	}
	if err := json.Unmarshal(reply, &result); err != nil {
		return 0, errors.Wrap(err, "decoding the connect reply")
	}

	return result.ConnID, nil
}

// installSignals translates exit signals into in-band events so that their
// dispatch is ordered with everything else and a handler may veto the
// default termination.
func (r *Controller) installSignals(ctx context.Context) chan os.Signal {
	c := make(chan os.Signal, 5)
	signal.Notify(c, r.config.ExitSignals...)

	go func() {
		for {
			select {
			case s := <-c:
				logger.Debugf("received signal %v", s)
				r.postInternal(&internalEvent{sig: &Signal{Signal: s, Exit: true}})
			case <-ctx.Done():
				return
			}
		}
	}()

	return c
}

func (r *Controller) postInternal(ie *internalEvent) {
	select {
	case r.internalc <- ie:
	case <-r.runCtx.Done():
	}
}

// eventLoop is the dispatcher's single logical thread. Events are handled
// strictly in arrival order; a handler completes before the next event is
// examined.
func (r *Controller) eventLoop(ctx context.Context, transportErr <-chan error) error {
	events := r.transport.Events()
	for {
		select {
		case n, ok := <-events:
			if !ok {
				err := <-transportErr
				if r.stopRequested() {
					return nil
				}
				if err == nil || errors.Cause(err) == driver.ErrClosed {
					err = driver.ErrCrashed
				}
				logger.Errorf("helper channel terminated: %v", err)
				return err
			}
			r.handleNotification(n)
		case ie := <-r.internalc:
			r.handleInternal(ie)
		case <-r.stopc:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Controller) handleNotification(n rpc.Notification) {
	e, err := decodeEvent(n.Params)
	if err != nil {
		logger.Errorf("ignoring a malformed event: %v", err)
		return
	}
	r.handleEvent(e)
}

func (r *Controller) handleEvent(e *Event) {
	switch e.Type {
	case TypeChannelUp:
		r.startNegotiation(e)
	case TypeChannelDown:
		r.handleChannelDown(e)
	default:
		var dp *Datapath
		if e.ConnID != 0 {
			dp = r.registry.get(e.ConnID)
			if dp == nil {
				// The connection is gone or still negotiating.
				logger.Debugf("dropping %v for conn_id=%v: datapath is not ready", e.Type, e.ConnID)
				return
			}
		}
		r.dispatcher.dispatch(dp, e)
	}
}

func (r *Controller) handleInternal(ie *internalEvent) {
	if ie.negotiated != nil {
		r.finishNegotiation(ie.negotiated)
	}
	if ie.sig != nil {
		r.handleSignal(ie.sig)
	}
}

func (r *Controller) handleSignal(sig *Signal) {
	if v, ok := r.handler.(SignalHandler); ok {
		func() {
			defer func() {
				if p := recover(); p != nil {
					logger.Errorf("signal handler panic: %v", p)
				}
			}()
			v.OnSignal(sig)
		}()
	}

	if !sig.Exit {
		logger.Infof("signal %v ignored by the handler", sig.Signal)
		return
	}
	logger.Infof("shutting down on signal %v", sig.Signal)
	r.Stop()
}

// shutdownDatapaths closes every registered datapath: all task groups are
// cancelled in parallel, joined within one shared grace window, and a
// CHANNEL_DOWN is delivered for each.
func (r *Controller) shutdownDatapaths() {
	dps := r.registry.snapshot()
	if len(dps) > 0 {
		logger.Infof("closing %v connected datapaths", len(dps))
	}

	for _, dp := range dps {
		dp.markClosed()
		dp.tasks.Cancel()
	}
	for _, s := range r.sessions {
		if s.state == sessionNegotiating {
			s.cancel()
		}
	}

	deadline := time.Now().Add(r.config.ShutdownGrace)
	for _, dp := range dps {
		if !dp.tasks.Wait(time.Until(deadline)) {
			logger.Warningf("abandoning %v unfinished tasks of %v", dp.tasks.Len(), dp)
		}
		r.registry.remove(dp.ConnID())
		delete(r.sessions, dp.ConnID())
		body := map[string]interface{}{
			"type":    TypeChannelDown,
			"conn_id": float64(dp.ConnID()),
			"reason":  "shutdown",
		}
		r.dispatcher.dispatch(dp, &Event{Type: TypeChannelDown, ConnID: dp.ConnID(), Body: body})
	}
	r.sessions = make(map[uint64]*session)

	if qsize := len(r.transport.Events()); qsize > 0 {
		logger.Warningf("exiting with %v events still queued", qsize)
	}
}

func (r *Controller) invokeStart() {
	v, ok := r.handler.(StartHandler)
	if !ok {
		return
	}
	logger.Debugf("invoking the start handler")

	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = errors.Errorf("handler panic: %v", p)
			}
		}()
		return v.OnStart(r)
	}()
	if err != nil {
		r.dispatcher.routeException(&HandlerError{EventType: "START", Err: err})
	}
}

func (r *Controller) invokeStop() {
	v, ok := r.handler.(StopHandler)
	if !ok {
		return
	}
	logger.Debugf("invoking the stop handler")

	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("stop handler panic: %v", p)
		}
	}()
	v.OnStop()
}

func (r *Controller) driverConfig() driver.Config {
	args := append([]string(nil), r.config.HelperArgs...)
	if os.Getenv("ZOFDEBUG") != "" {
		args = append(args, "--trace=rpc")
	}

	return driver.Config{
		Path:      r.config.HelperPath,
		Args:      args,
		Framing:   r.config.HelperFraming,
		StopGrace: r.config.ShutdownGrace,
	}
}
