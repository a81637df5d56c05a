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

package main

import (
	slog "log/syslog"

	"github.com/op/go-logging"
)

// syslogBackend bridges go-logging records onto the local syslog daemon.
// Severity filtering stays on the go-logging side; the writer is opened at
// a fixed priority and each record is emitted through the per-severity
// entry point picked from the table below.
type syslogBackend struct {
	writer *slog.Writer
	emit   map[logging.Level]func(string) error
}

func newSyslogBackend(tag string) (logging.Backend, error) {
	w, err := slog.New(slog.LOG_DAEMON|slog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}

	return &syslogBackend{
		writer: w,
		emit: map[logging.Level]func(string) error{
			logging.CRITICAL: w.Crit,
			logging.ERROR:    w.Err,
			logging.WARNING:  w.Warning,
			logging.NOTICE:   w.Notice,
			logging.INFO:     w.Info,
			logging.DEBUG:    w.Debug,
		},
	}, nil
}

func (r *syslogBackend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	emit, ok := r.emit[level]
	if !ok {
		emit = r.writer.Info
	}

	return emit(record.Formatted(calldepth + 1))
}
