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
	"net"
	"os"
	"syscall"
	"time"

	"github.com/byllyfish/zof/driver"

	"github.com/pkg/errors"
)

const (
	DefaultRPCTimeout    = 5 * time.Second
	DefaultShutdownGrace = 3 * time.Second
)

// Config holds the controller settings. It is validated by New and
// immutable afterwards.
type Config struct {
	// Endpoints to listen on for switch connections, as host:port. An
	// empty list disables listening (outgoing connections still work).
	ListenEndpoints []string
	// Accepted OpenFlow versions (1-6). Defaults to {4} (OpenFlow 1.3).
	ListenVersions []int
	// Signals that request a graceful shutdown. Defaults to SIGINT and
	// SIGTERM.
	ExitSignals []os.Signal

	// TLS identity for the listen endpoints; empty paths disable TLS.
	TLSCert    string
	TLSPrivKey string
	TLSCACert  string

	// Helper binary path and extra arguments.
	HelperPath    string
	HelperArgs    []string
	HelperFraming driver.Framing

	// Per-call deadline for RPC requests.
	RPCTimeout time.Duration
	// Join deadline for handler tasks during connection teardown and
	// controller shutdown.
	ShutdownGrace time.Duration
}

func (r *Config) setDefaults() {
	if len(r.ListenVersions) == 0 {
		r.ListenVersions = []int{4}
	}
	if len(r.ExitSignals) == 0 {
		r.ExitSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if r.HelperPath == "" {
		r.HelperPath = "oftr"
	}
	if r.RPCTimeout <= 0 {
		r.RPCTimeout = DefaultRPCTimeout
	}
	if r.ShutdownGrace <= 0 {
		r.ShutdownGrace = DefaultShutdownGrace
	}
}

func (r *Config) validate() error {
	for _, v := range r.ListenVersions {
		if v < 1 || v > 6 {
			return errors.Errorf("invalid OpenFlow version: %v", v)
		}
	}
	for _, endpoint := range r.ListenEndpoints {
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return errors.Wrapf(err, "invalid listen endpoint %q", endpoint)
		}
	}
	if (r.TLSCert == "") != (r.TLSPrivKey == "") {
		return errors.New("tls_cert and tls_privkey must be configured together")
	}

	return nil
}
