//
// Copyright 2024 The Schedlens Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
// Package traceparser parses raw TraceFS data: event format descriptor files
// and the per-CPU binary ring-buffer dumps they describe.
package traceparser

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TraceParser decodes per-CPU binary trace buffers using a set of parsed
// TraceFS formats.
type TraceParser struct {
	// HeaderFormat describes the layout of a ring-buffer page header.
	HeaderFormat Format
	// Formats maps event format IDs to their parsed formats.
	Formats map[uint16]*EventFormat
	// Endianness is the byte order of the binary trace data.  Only little
	// endian is currently supported.
	Endianness binary.ByteOrder
	// failOnUnknownEventFormat determines whether an event with an
	// unrecognized format ID aborts parsing or is skipped with a warning.
	failOnUnknownEventFormat bool
	// overflowedCPUs records the CPUs whose buffers reported an overwrite.
	overflowedCPUs map[int64]struct{}
}

// New parses the provided header_page content and format file contents and
// returns a TraceParser ready to decode trace buffers described by them.
func New(headerContent string, formatFiles []string) (TraceParser, error) {
	headerFormat, err := parseHeaderFormat(headerContent)
	if err != nil {
		return TraceParser{}, fmt.Errorf("failed to parse header format: %s", err)
	}
	if len(headerFormat.Fields) < 4 {
		return TraceParser{}, fmt.Errorf("header format should have at least 4 fields, got %d", len(headerFormat.Fields))
	}
	formats, err := parseRegularFormats(formatFiles)
	if err != nil {
		return TraceParser{}, fmt.Errorf("failed to parse formats: %s", err)
	}
	return TraceParser{
		HeaderFormat:             *headerFormat,
		Formats:                  formats,
		failOnUnknownEventFormat: true,
		overflowedCPUs:           make(map[int64]struct{}),
	}, nil
}

// SetFailOnUnknownEventFormat configures the parser's behavior when an event
// references a format ID it does not know.  If true (the default), parsing
// fails; otherwise the remainder of the containing page is skipped.
func (tp *TraceParser) SetFailOnUnknownEventFormat(option bool) {
	tp.failOnUnknownEventFormat = option
}

// OverflowedCPUs returns the set of CPUs whose ring buffers reported an
// overwrite during parsing.  Only meaningful after ParseTrace has been called
// for each per-CPU buffer.
func (tp *TraceParser) OverflowedCPUs() map[int64]struct{} {
	return tp.overflowedCPUs
}

// SetNativeEndian makes the TraceParser decode binary data in this machine's
// native byte order.  Currently only little endian is supported.
func (tp *TraceParser) SetNativeEndian() error {
	var one uint16 = 1
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, one)
	if buf[0] == 1 {
		tp.Endianness = binary.LittleEndian
		return nil
	}
	tp.Endianness = binary.BigEndian
	return errors.New("big endian is not supported")
}

// SetLittleEndian makes the TraceParser decode binary data as little endian.
func (tp *TraceParser) SetLittleEndian() {
	tp.Endianness = binary.LittleEndian
}
