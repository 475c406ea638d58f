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

// ringbuffer models the kernel ring buffer's on-disk event and page header
// layouts.

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ringBufferType is an enum of internal ring buffer event types.
type ringBufferType uint8

const (
	// ringbufTypeDataTypeLenMax (0 <= type_len <= 28): a data record.
	//	If type_len is zero:
	//	  array[0] holds the actual length
	//	  array[1..(length+3)/4] holds data
	//	  size = 4 + length (bytes)
	//	else
	//	  length = type_len << 2
	//	  array[0..(length+3)/4-1] holds data
	//	  size = 4 + length (bytes)
	ringbufTypeDataTypeLenMax ringBufferType = 28
	// ringbufTypePadding: leftover page padding or a discarded event.
	//	If time_delta is 0 the array is ignored and the size is however much
	//	padding is needed; otherwise array[0] holds the actual length and
	//	size = 4 + length (bytes).
	ringbufTypePadding ringBufferType = 29
	// ringbufTypeTimeExtend extends the time delta.
	//	event.time_delta contains the bottom 27 bits
	//	array[0] = bits 28..59 of the time delta
	ringbufTypeTimeExtend ringBufferType = 30
	// ringbufTypeTimeStamp is an absolute timestamp in the same layout as
	// ringbufTypeTimeExtend.
	ringbufTypeTimeStamp ringBufferType = 31
)

const (
	// typeLenSize is the size in bits of the type_len field in an event header.
	typeLenSize = 5
	// timeDeltaSize is the size in bits of the time_delta field in an event
	// header.
	timeDeltaSize = 27
)

const (
	// ringBufferEventHeaderSize is the size in bytes of a ring buffer event
	// header, excluding its data array.
	ringBufferEventHeaderSize = (typeLenSize + timeDeltaSize) / 8
	// ringBufferTimeExtendLength is the total size of a time-extend event.
	ringBufferTimeExtendLength = 8
	// ringBufferTimeStampLength is the total size of a timestamp event.
	ringBufferTimeStampLength = 8
)

// ringBufferEvent is a single raw ring buffer event:
//
//	type_len   : 5 bits
//	time_delta : 27 bits (relative to the base timestamp in the page header)
//	array      : variable length, see ringBufferType
type ringBufferEvent struct {
	Bitfield   uint32
	Array      []byte
	endianness binary.ByteOrder
}

// TypeLen returns the type_len field of the event.  type_len encodes both the
// type of the event and the length of its data array: values in [1, 28] mean
// a data event whose array is type_len << 2 bytes long; zero and values above
// 28 are pure type tags whose lengths are stored elsewhere.  See Length.
func (r *ringBufferEvent) TypeLen() (uint8, error) {
	switch r.endianness {
	case binary.LittleEndian:
		return uint8(r.Bitfield & ((1 << typeLenSize) - 1)), nil
	case binary.BigEndian:
		return 0, errors.New("big endian is not supported")
	default:
		return 0, errors.New("unknown endianness")
	}
}

// TimeDelta returns the time_delta field of the event.
func (r *ringBufferEvent) TimeDelta() (uint32, error) {
	switch r.endianness {
	case binary.LittleEndian:
		return r.Bitfield >> typeLenSize, nil
	case binary.BigEndian:
		return 0, errors.New("big endian is not supported")
	default:
		return 0, errors.New("unknown endianness")
	}
}

// TimestampOrExtendedTimeDelta returns the full time value of a time-extend
// or timestamp event: the time_delta field prepended with the first element
// of the data array.  For a time-extend event the value is an extended delta;
// for a timestamp event it is an absolute timestamp.
func (r *ringBufferEvent) TimestampOrExtendedTimeDelta() (uint64, error) {
	typeLen, err := r.TypeLen()
	if err != nil {
		return 0, err
	}
	if rbType := ringBufferType(typeLen); rbType != ringbufTypeTimeExtend && rbType != ringbufTypeTimeStamp {
		return 0, errors.New("TimestampOrExtendedTimeDelta() is only valid on time extend and timestamp events")
	}
	data, err := r.DataFromArray()
	if err != nil {
		return 0, err
	}
	timeDelta, err := r.TimeDelta()
	if err != nil {
		return 0, err
	}

	delta := uint64(r.endianness.Uint32(data))
	delta <<= timeDeltaSize
	delta += uint64(timeDelta)
	return delta, nil
}

// DataFromArray returns the portion of the array that contains data.
// Depending on type_len, the data begins either at the start of the array or
// after a 4-byte length prefix.
func (r *ringBufferEvent) DataFromArray() ([]byte, error) {
	typeLen, err := r.TypeLen()
	if err != nil {
		return nil, err
	}
	if ringBufferType(typeLen) > 0 {
		return r.Array, nil
	}
	return r.Array[4:], nil
}

// LenFromArray returns the first 32 bits of the data array, which hold the
// event length when type_len is ringbufTypePadding or zero.
func (r *ringBufferEvent) LenFromArray() uint32 {
	return r.endianness.Uint32(r.Array)
}

// Length computes the length of the event's data, which varies with type_len.
func (r *ringBufferEvent) Length() (uint32, error) {
	rawTypeLen, err := r.TypeLen()
	if err != nil {
		return 0, err
	}
	typeLen := ringBufferType(rawTypeLen)

	switch {
	case typeLen == ringbufTypePadding:
		timeDelta, err := r.TimeDelta()
		if err != nil {
			return 0, err
		}
		if timeDelta == 0 {
			/* undefined */
			return 0, nil
		}
		return r.LenFromArray(), nil
	case typeLen == ringbufTypeTimeExtend:
		return ringBufferTimeExtendLength - ringBufferEventHeaderSize, nil
	case typeLen == ringbufTypeTimeStamp:
		return ringBufferTimeStampLength - ringBufferEventHeaderSize, nil
	case typeLen == 0:
		return r.LenFromArray(), nil
	case typeLen <= ringbufTypeDataTypeLenMax:
		return uint32(typeLen) << 2, nil
	default:
		return 0, fmt.Errorf("unknown ring buffer type: %d", typeLen)
	}
}

// ringBufferPageHeader is the header of a single ring buffer page.  The
// commit field's width varies with the recording kernel's word size, so two
// concrete layouts implement this interface.
type ringBufferPageHeader interface {
	// Timestamp returns the base timestamp of the page.  Event time deltas are
	// relative to it.
	Timestamp() uint64
	// Overwrite returns nonzero if this page was overwritten.
	Overwrite() uint8
	// Size returns the size in bytes of the data contained in this page.
	Size() uint64
	// Data returns a pointer suitable for binary.Read.
	Data() interface{}
}

// ringBufferPageHeader64 is a page header with a 64-bit commit field.
type ringBufferPageHeader64 struct {
	data struct {
		Timestamp uint64
		// The topmost byte of Commit is the overwrite indicator; the low bits
		// hold the size of the page data.
		Commit uint64
	}
}

func (r *ringBufferPageHeader64) Timestamp() uint64 {
	return r.data.Timestamp
}

func (r *ringBufferPageHeader64) Overwrite() uint8 {
	return uint8(r.data.Commit >> (7 * 8))
}

func (r *ringBufferPageHeader64) Size() uint64 {
	// Only the low 20 bits contain the size.
	return r.data.Commit & 0xfffff
}

func (r *ringBufferPageHeader64) Data() interface{} {
	return &r.data
}

// ringBufferPageHeader32 is a page header with a 32-bit commit field.
type ringBufferPageHeader32 struct {
	data struct {
		Timestamp uint64
		Commit    uint32
	}
}

func (r *ringBufferPageHeader32) Timestamp() uint64 {
	return r.data.Timestamp
}

func (r *ringBufferPageHeader32) Overwrite() uint8 {
	return uint8(r.data.Commit >> (3 * 8))
}

func (r *ringBufferPageHeader32) Size() uint64 {
	// Only the low 20 bits contain the size.
	return uint64(r.data.Commit & 0xfffff)
}

func (r *ringBufferPageHeader32) Data() interface{} {
	return &r.data
}
