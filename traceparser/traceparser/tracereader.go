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

// tracereader reads binary trace data page by page.

import (
	"encoding/binary"
	"fmt"
	"io"

	log "github.com/golang/glog"
)

// TraceReader is an io.Reader that also provides a Discard function.
// bufio.Reader is an example implementation.
type TraceReader interface {
	// Read reads up to len(p) bytes into p.
	Read(p []byte) (n int, err error)
	// Discard skips the next n bytes, returning the number of bytes
	// discarded.  If Discard skips fewer than n bytes, it also returns an
	// error.
	Discard(n int) (discarded int, err error)
}

// ParseTrace accepts a TraceReader (such as a bufio.Reader) from which raw
// trace data may be read, the number of the CPU whose buffer is being read,
// and a callback that receives each TraceEvent parsed from the raw data.  If
// the callback returns false or a non-nil error, ParseTrace returns.  If
// ParseTrace itself returns an error, the raw trace should be considered
// corrupted.
func (tp *TraceParser) ParseTrace(reader TraceReader, cpu int64, callback func(*TraceEvent) (bool, error)) error {
	if tp.Endianness == nil {
		if err := tp.SetNativeEndian(); err != nil {
			return err
		}
	}

	for {
		pageHeader, err := tp.readPageHeader(reader)
		if err != nil {
			if err != io.EOF {
				return err
			}
			return nil
		}
		if pageHeader.Overwrite() != 0 {
			if tp.overflowedCPUs == nil {
				tp.overflowedCPUs = make(map[int64]struct{})
			}
			tp.overflowedCPUs[cpu] = struct{}{}
		}

		page, err := tp.readPageData(reader, pageHeader.Size())
		if err != nil {
			if err != io.EOF {
				return fmt.Errorf("failed to read page. caused by: %s", err)
			}
			return nil
		}

		timeStamp := pageHeader.Timestamp()

		// readEvent advances the page slice, so stop once what remains cannot
		// hold an event header.
		for len(page) >= ringBufferEventHeaderSize {
			traceEvent := NewTraceEvent(cpu)
			rbEvent, err := tp.readEvent(&page)
			if err != nil {
				return err
			}

			rawTypeLen, err := rbEvent.TypeLen()
			if err != nil {
				return err
			}
			typeLen := ringBufferType(rawTypeLen)

			// Handle non-data events.
			if typeLen == ringbufTypeTimeExtend {
				delta, err := rbEvent.TimestampOrExtendedTimeDelta()
				if err != nil {
					return err
				}
				timeStamp += delta
				continue
			} else if typeLen == ringbufTypeTimeStamp {
				// Sync with the external clock.
				newTimestamp, err := rbEvent.TimestampOrExtendedTimeDelta()
				if err != nil {
					return err
				}
				timeStamp = newTimestamp
				continue
			} else if typeLen >= ringbufTypePadding {
				continue
			}

			eventData := rbEvent.Array

			// The format ID is the first two bytes of the event data.
			id := tp.Endianness.Uint16(eventData)

			evtFmt := tp.Formats[id]
			if evtFmt == nil {
				if tp.failOnUnknownEventFormat {
					return fmt.Errorf("no format found with id: %d", id)
				}
				log.Warningf("no format found with id %d, skipping event", id)
				continue
			}
			eFormat := evtFmt.Format
			traceEvent.FormatID = id

			timeDelta, err := rbEvent.TimeDelta()
			if err != nil {
				return err
			}
			timeStamp += uint64(timeDelta)
			traceEvent.Timestamp = timeStamp

			// Read each field at the offset and size given by the format file.
			for _, field := range append(eFormat.CommonFields[1:], eFormat.Fields...) {
				if field.Offset+field.Size > uint64(len(eventData)) {
					return fmt.Errorf("field %q extends past the end of event data", field.Name)
				}
				buf := eventData[field.Offset:(field.Offset + field.Size)]
				if err := traceEvent.SaveFieldValue(field, buf, tp.Endianness); err != nil {
					return err
				}
				if field.IsDynamicArray {
					if field.Size != 4 {
						log.Warningf("field %q is used as a dynamic array, but its structure does not appear to match one. Size should be 4 bytes, but was %d bytes. skipping reading the array", field.Name, field.Size)
						continue
					}
					offset := tp.Endianness.Uint16(buf[:2])
					length := tp.Endianness.Uint16(buf[2:4])
					if uint64(offset)+uint64(length) > uint64(len(eventData)) {
						return fmt.Errorf("dynamic array %q extends past the end of event data", field.Name)
					}
					dynArrBuf := eventData[offset:(offset + length)]
					dynArrField := &FormatField{
						Name:           "__data_loc_" + field.Name,
						IsDynamicArray: true,
					}
					if err := traceEvent.SaveFieldValue(dynArrField, dynArrBuf, tp.Endianness); err != nil {
						return err
					}
				}
			}

			if cont, err := callback(traceEvent); !cont {
				return err
			}
		}

		// If this page wasn't full, skip its padding before the next page.
		if err = tp.skipToNextPage(reader, pageHeader.Size()); err != nil {
			if err != io.EOF {
				return err
			}
			return nil
		}
	}
}

// newPageHeader returns the page header layout matching the parsed
// header_page format: the width of the commit field decides between the
// 32-bit and 64-bit layouts.
func (tp *TraceParser) newPageHeader() (ringBufferPageHeader, error) {
	if len(tp.HeaderFormat.Fields) < 4 {
		return nil, fmt.Errorf("header format should have at least 4 fields, got %d", len(tp.HeaderFormat.Fields))
	}
	commitField := tp.HeaderFormat.Fields[1]
	switch commitField.Size {
	case 8:
		return &ringBufferPageHeader64{}, nil
	case 4:
		return &ringBufferPageHeader32{}, nil
	default:
		return nil, fmt.Errorf("unsupported page header commit size %d", commitField.Size)
	}
}

func (tp *TraceParser) readPageHeader(reader io.Reader) (ringBufferPageHeader, error) {
	pageHeader, err := tp.newPageHeader()
	if err != nil {
		return nil, err
	}
	if err := binary.Read(reader, tp.Endianness, pageHeader.Data()); err != nil {
		return nil, err
	}
	return pageHeader, nil
}

func (tp *TraceParser) readPageData(reader io.Reader, dataSize uint64) ([]byte, error) {
	pageBuf := make([]byte, dataSize)
	n, err := io.ReadFull(reader, pageBuf)
	if uint64(n) != dataSize {
		return nil, fmt.Errorf("not enough bytes left in reader. wanted to read %d, but read %d", dataSize, n)
	}
	if err != nil {
		return nil, err
	}
	return pageBuf, nil
}

func (tp *TraceParser) readEvent(buf *[]byte) (ringBufferEvent, error) {
	if len(*buf) < ringBufferEventHeaderSize {
		return ringBufferEvent{}, fmt.Errorf("not enough bytes to contain ring buffer event header. got: %d, want: %d", len(*buf), ringBufferEventHeaderSize)
	}

	rbEvent := ringBufferEvent{Bitfield: tp.Endianness.Uint32((*buf)[:4]), endianness: tp.Endianness}
	*buf = (*buf)[4:]
	// The length of the data is stored either in the bitfield or in the first
	// four bytes of the data.
	if len(*buf) >= 4 {
		rbEvent.Array = (*buf)[:4]
	} else {
		rbEvent.Array = *buf
	}
	eventLength, err := rbEvent.Length()
	if err != nil {
		return ringBufferEvent{}, fmt.Errorf("unable to get length of event. caused by: %s", err)
	}

	if uint32(len(*buf)) < eventLength {
		return ringBufferEvent{}, fmt.Errorf("not enough bytes to contain ring buffer data. got: %d, want: %d", len(*buf), eventLength)
	}

	rbEvent.Array = (*buf)[:eventLength]
	*buf = (*buf)[eventLength:]

	return rbEvent, nil
}

// skipToNextPage discards the unused remainder of a page.  The page data
// field of the header format records the full page payload size.
func (tp *TraceParser) skipToNextPage(reader TraceReader, bytesRead uint64) error {
	numRemainingBytes := int(tp.HeaderFormat.Fields[3].Size - bytesRead)
	if numRemainingBytes > 0 {
		discarded, err := reader.Discard(numRemainingBytes)
		if discarded != numRemainingBytes {
			return fmt.Errorf("not enough bytes left in reader. wanted to discard %d, but discarded %d", numRemainingBytes, discarded)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
