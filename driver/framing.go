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

package driver

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/op/go-logging"
)

// Framing selects how JSON objects are delimited on the helper's pipes.
type Framing int

const (
	// FramingNUL terminates every object with a NUL byte. This is what
	// oftr speaks in jsonrpc mode.
	FramingNUL Framing = iota
	// FramingLine terminates every object with a newline.
	FramingLine
)

const maxFrameSize = 8 * 1024 * 1024

func (r Framing) terminator() byte {
	if r == FramingLine {
		return '\n'
	}
	return 0x00
}

func (r Framing) scanner(src io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	if r == FramingLine {
		scanner.Split(bufio.ScanLines)
	} else {
		scanner.Split(scanNUL)
	}

	return scanner
}

// scanNUL is a bufio.SplitFunc for NUL-terminated frames.
func scanNUL(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, 0x00); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}

	return 0, nil, nil
}

func newLineScanner(src io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	return scanner
}

// stderrLevel maps a leading [LEVEL] tag on a helper stderr line to a log
// level. Untagged lines default to INFO.
func stderrLevel(line string) (logging.Level, string) {
	if !strings.HasPrefix(line, "[") {
		return logging.INFO, line
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		return logging.INFO, line
	}

	tag := line[1:end]
	rest := line[end+2:]
	switch tag {
	case "DEBUG", "TRACE":
		return logging.DEBUG, rest
	case "INFO":
		return logging.INFO, rest
	case "WARNING", "WARN":
		return logging.WARNING, rest
	case "ERROR", "FATAL":
		return logging.ERROR, rest
	default:
		return logging.INFO, line
	}
}
