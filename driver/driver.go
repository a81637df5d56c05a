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

// Package driver supervises the oftr helper process that terminates the
// OpenFlow connections and translates binary OpenFlow messages to and from
// JSON. The driver owns the helper's stdin, stdout and stderr pipes: it
// frames outgoing JSON objects, splits the incoming byte stream back into
// objects, and forwards the helper's stderr lines to the logger.
package driver

import (
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var (
	logger = logging.MustGetLogger("driver")

	// ErrClosed is returned by Send and Recv after the channel to the
	// helper has been shut down.
	ErrClosed = errors.New("driver: channel closed")
	// ErrCrashed is the terminal Recv error when the helper exits on its
	// own instead of being stopped by us.
	ErrCrashed = errors.New("driver: helper process exited unexpectedly")
)

const (
	defaultPath      = "oftr"
	defaultStopGrace = 3 * time.Second

	sendQueueDepth = 256
	// Same depth as the reader channel we used for raw OpenFlow sockets.
	recvQueueDepth = 4096
)

// StartupError reports that the helper could not be spawned.
type StartupError struct {
	Path string
	Err  error
}

func (r *StartupError) Error() string {
	return fmt.Sprintf("driver: failed to start helper %q: %v", r.Path, r.Err)
}

func (r *StartupError) Cause() error {
	return r.Err
}

func (r *StartupError) Unwrap() error {
	return r.Err
}

// ProtocolError reports malformed framing or JSON on the helper's stdout.
// It is fatal: the channel is closed as soon as one is detected.
type ProtocolError struct {
	Reason string
}

func (r *ProtocolError) Error() string {
	return fmt.Sprintf("driver: protocol error: %v", r.Reason)
}

type Config struct {
	// Path of the helper binary. Defaults to "oftr" found on PATH.
	Path string
	// Extra arguments appended after the "jsonrpc" mode flag.
	Args []string
	// Framing of JSON objects on the helper pipes.
	Framing Framing
	// How long Stop waits for the helper to exit before killing it.
	StopGrace time.Duration
}

// Driver runs the helper as a child process and exchanges framed JSON
// objects with it. Outgoing objects are serialized by a single writer
// goroutine, so Send ordering is preserved end to end.
type Driver struct {
	config Config
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	sendc chan []byte
	recvc chan json.RawMessage
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool // no more Sends
	stopped bool // Stop already ran
	err     error
}

func New(config Config) *Driver {
	if config.Path == "" {
		config.Path = defaultPath
	}
	if config.StopGrace <= 0 {
		config.StopGrace = defaultStopGrace
	}

	return &Driver{
		config: config,
		sendc:  make(chan []byte, sendQueueDepth),
		recvc:  make(chan json.RawMessage, recvQueueDepth),
	}
}

// Start spawns the helper in JSON-RPC mode and begins pumping its pipes.
func (r *Driver) Start() error {
	path, err := exec.LookPath(r.config.Path)
	if err != nil {
		return &StartupError{Path: r.config.Path, Err: err}
	}

	args := append([]string{"jsonrpc"}, r.config.Args...)
	cmd := exec.Command(path, args...)
	// The helper gets its own process group so that terminal-delivered
	// signals reach only us. We decide when the helper goes away.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &StartupError{Path: path, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &StartupError{Path: path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &StartupError{Path: path, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &StartupError{Path: path, Err: err}
	}
	logger.Infof("started helper %v (pid=%v)", path, cmd.Process.Pid)

	r.cmd = cmd
	r.stdin = stdin
	r.wg.Add(3)
	go r.runWriter()
	go r.runReader(stdout)
	go r.forwardStderr(stderr)

	return nil
}

// Send serializes msg to JSON and enqueues it for the helper. Ordering of
// successive Sends is preserved.
func (r *Driver) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshaling outgoing message")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.sendc <- data

	return nil
}

// Recv returns the next JSON object from the helper. After the channel is
// shut down it returns ErrClosed, or the terminal error that closed it
// (ErrCrashed, ProtocolError).
func (r *Driver) Recv() (json.RawMessage, error) {
	msg, ok := <-r.recvc
	if !ok {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}

	return msg, nil
}

// Err returns the terminal error of the channel, or nil if the helper was
// stopped cleanly (or is still running).
func (r *Driver) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.err
}

// Stop closes the channel, waits up to the configured grace window for the
// helper to exit, and then kills it. Stop is idempotent.
func (r *Driver) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	if !r.closed {
		r.closed = true
		close(r.sendc)
	}
	r.mu.Unlock()

	if r.cmd == nil {
		return nil
	}

	err := r.waitHelper(r.config.StopGrace)
	r.wg.Wait()
	if err != nil {
		logger.Infof("helper exited: %v", err)
	}

	return nil
}

func (r *Driver) waitHelper(grace time.Duration) error {
	c := make(chan error, 1)
	go func() {
		c <- r.cmd.Wait()
	}()

	select {
	case err := <-c:
		return err
	case <-time.After(grace):
		logger.Warningf("helper did not exit within %v, killing it", grace)
		r.cmd.Process.Kill()
		return <-c
	}
}

func (r *Driver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Do not overwrite a clean shutdown or an earlier error.
	if r.stopped || r.err != nil {
		return
	}
	r.err = err
}

// runWriter drains the send queue into the helper's stdin, appending the
// frame terminator. It closes stdin once the queue is closed and drained so
// the helper sees a clean EOF.
func (r *Driver) runWriter() {
	defer r.wg.Done()
	defer r.stdin.Close()

	terminator := r.config.Framing.terminator()
	broken := false
	for data := range r.sendc {
		if broken {
			// Keep draining so Send never blocks forever.
			continue
		}
		if _, err := r.stdin.Write(append(data, terminator)); err != nil {
			logger.Errorf("failed to write to the helper: %v", err)
			broken = true
		}
	}
}

// runReader splits the helper's stdout into JSON objects and forwards them
// to the receive queue. A framing or JSON error is fatal for the channel.
func (r *Driver) runReader(stdout io.Reader) {
	defer r.wg.Done()
	defer close(r.recvc)

	scanner := r.config.Framing.scanner(stdout)
	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		if !json.Valid(frame) {
			logger.Errorf("malformed JSON from the helper: %.100q", frame)
			r.setErr(&ProtocolError{Reason: "malformed JSON object"})
			return
		}
		// The scanner reuses its buffer, so copy the frame out.
		msg := make(json.RawMessage, len(frame))
		copy(msg, frame)
		r.recvc <- msg
	}

	if err := scanner.Err(); err != nil {
		logger.Errorf("failed to read from the helper: %v", err)
		r.setErr(&ProtocolError{Reason: err.Error()})
		return
	}
	// EOF. If nobody asked us to stop, the helper died on its own.
	r.setErr(ErrCrashed)
}

// forwardStderr relays the helper's stderr lines to our logger, deriving
// the level from a leading [LEVEL] tag.
func (r *Driver) forwardStderr(stderr io.Reader) {
	defer r.wg.Done()

	scanner := newLineScanner(stderr)
	for scanner.Scan() {
		level, line := stderrLevel(scanner.Text())
		switch level {
		case logging.DEBUG:
			logger.Debugf("helper: %v", line)
		case logging.WARNING:
			logger.Warningf("helper: %v", line)
		case logging.ERROR:
			logger.Errorf("helper: %v", line)
		default:
			logger.Infof("helper: %v", line)
		}
	}
}
