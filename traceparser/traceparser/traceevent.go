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
package traceparser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// TraceEvent holds a single trace event as unmarshalled from the raw binary
// trace output.
type TraceEvent struct {
	// Timestamp is the trace timestamp of this event.
	Timestamp uint64
	// CPU is the CPU this event was recorded on.
	CPU int64
	// TextProperties maps text property names to values.  A dynamic array
	// field is stored as a binary blob in TextProperties.
	TextProperties map[string]string
	// NumberProperties maps numeric property names to values.
	NumberProperties map[string]int64
	// FormatID is the format ID of this event, as defined in a loaded format
	// file.
	FormatID uint16
	// Clipped is true if this event fell outside of the known-valid range of a
	// trace which experienced buffer overruns.
	Clipped bool
}

// NewTraceEvent creates a new TraceEvent recorded on the given CPU.
func NewTraceEvent(cpu int64) *TraceEvent {
	return &TraceEvent{
		CPU:              cpu,
		TextProperties:   make(map[string]string),
		NumberProperties: make(map[string]int64),
	}
}

// SaveFieldValue decodes a byte slice into the TraceEvent field described by
// the provided format field.
func (t *TraceEvent) SaveFieldValue(field *FormatField, buf []byte, endianness binary.ByteOrder) error {
	if field.IsDynamicArray {
		t.TextProperties[field.Name] = string(buf)
		return nil
	}

	switch field.PropertyType {
	case "string":
		// Strip trailing NUL padding.
		t.TextProperties[field.Name] = strings.Split(string(buf), "\x00")[0]
	case "int64":
		if len(buf) < 8 {
			padding := [8]byte{}
			switch endianness {
			case binary.LittleEndian:
				copy(padding[:len(buf)], buf)
			case binary.BigEndian:
				return errors.New("big endian is not supported")
			default:
				return errors.New("unknown endianness")
			}
			buf = padding[:]
		}
		t.NumberProperties[field.Name] = int64(endianness.Uint64(buf))
	default:
		return fmt.Errorf("unknown field type %s. only string and int64 are supported", field.PropertyType)
	}
	return nil
}
