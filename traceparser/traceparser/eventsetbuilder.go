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

// eventsetbuilder compresses TraceEvents into eventset.EventSets.

import (
	"fmt"
	"sort"

	"github.com/schedlens/schedlens/tracedata/clipping"
	"github.com/schedlens/schedlens/tracedata/eventset"
)

// EventSetBuilder accumulates TraceEvents into a compact eventset.EventSet.
// Create one with NewEventSetBuilder, add formats with AddFormat and events
// with AddTraceEvent as they are parsed, then call Finalize exactly once to
// obtain the completed set.  AddTraceEvent interns strings as it stores
// events, so holding a builder is much cheaper than holding raw TraceEvents.
type EventSetBuilder struct {
	// EventSet is the set under construction.  Treat as read-only until
	// Finalize has been called.
	EventSet *eventset.EventSet

	formats map[uint16]*EventFormat
	// descriptorIndexByFormatID maps format IDs to indices into the event
	// set's descriptor list.
	descriptorIndexByFormatID map[uint16]int64
	strTable                  map[string]int64
	// overwrite mirrors the FTrace "overwrite" option: if true (the default),
	// the oldest events may have been discarded by the kernel; if false, the
	// newest.
	overwrite bool
	// overflowedCPUs is the set of CPUs whose buffers overflowed, used with
	// overwrite to decide which events to mark clipped.
	overflowedCPUs map[int64]struct{}
}

// NewEventSetBuilder constructs a new EventSetBuilder.  If a TraceParser is
// provided, its formats are added as event descriptors and its overflow
// record is adopted.
func NewEventSetBuilder(tp *TraceParser) *EventSetBuilder {
	esb := &EventSetBuilder{
		EventSet:                  &eventset.EventSet{},
		formats:                   make(map[uint16]*EventFormat),
		descriptorIndexByFormatID: make(map[uint16]int64),
		strTable:                  make(map[string]int64),
		overwrite:                 true,
		overflowedCPUs:            make(map[int64]struct{}),
	}
	// Seed the string table with the empty string so an omitted string
	// (default "") is in parity with an omitted string index (default 0).
	esb.addString("")
	if tp != nil {
		// Deterministic iteration over the parser's formats.
		var keys []uint16
		for key := range tp.Formats {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			esb.AddFormat(tp.Formats[key])
		}
		for cpu := range tp.OverflowedCPUs() {
			esb.overflowedCPUs[cpu] = struct{}{}
		}
	}
	return esb
}

// SetOverwrite configures the builder's overwrite property.
func (esb *EventSetBuilder) SetOverwrite(option bool) {
	esb.overwrite = option
}

// SetOverflowedCPUs tells the builder which CPUs overflowed.
func (esb *EventSetBuilder) SetOverflowedCPUs(cpus map[int64]struct{}) {
	esb.overflowedCPUs = cpus
}

// SetDefaultLoadersType records which transition loaders should be used to
// interpret the finished event set.
func (esb *EventSetBuilder) SetDefaultLoadersType(lt eventset.LoadersType) {
	esb.EventSet.DefaultLoadersType = lt
}

// AddFormat adds an event descriptor for the provided format to the event
// set under construction.
func (esb *EventSetBuilder) AddFormat(eFormat *EventFormat) {
	esb.formats[eFormat.ID] = eFormat
	fields := append(append([]*FormatField{}, eFormat.Format.CommonFields...), eFormat.Format.Fields...)

	eventDescriptor := &eventset.EventDescriptor{
		Name: esb.addString(eFormat.Name),
	}

	for _, field := range fields {
		eventDescriptor.PropertyDescriptor = append(eventDescriptor.PropertyDescriptor, &eventset.PropertyDescriptor{
			Name: esb.addString(field.Name),
			Type: propertyType(field),
		})
		if field.IsDynamicArray {
			eventDescriptor.PropertyDescriptor = append(eventDescriptor.PropertyDescriptor, &eventset.PropertyDescriptor{
				Name: esb.addString("__data_loc_" + field.Name),
				Type: eventset.TextProperty,
			})
		}
	}

	esb.descriptorIndexByFormatID[eFormat.ID] = int64(len(esb.EventSet.EventDescriptor))
	esb.EventSet.EventDescriptor = append(esb.EventSet.EventDescriptor, eventDescriptor)
}

// AddTraceEvent adds a new trace event to the event set under construction.
func (esb *EventSetBuilder) AddTraceEvent(traceEvent *TraceEvent) error {
	edIndex, ok := esb.descriptorIndexByFormatID[traceEvent.FormatID]
	if !ok {
		return fmt.Errorf("missing event descriptor for format %d", traceEvent.FormatID)
	}
	eFormat, ok := esb.formats[traceEvent.FormatID]
	if !ok {
		return fmt.Errorf("missing format definition for format %d", traceEvent.FormatID)
	}
	fields := append(append([]*FormatField{}, eFormat.Format.CommonFields...), eFormat.Format.Fields...)

	// Properties must appear in the same order as their descriptors or they
	// cannot be interpreted.
	var properties []int64
	for _, field := range fields {
		switch field.PropertyType {
		case "string":
			prop := traceEvent.TextProperties[field.Name]
			properties = append(properties, esb.addString(prop))
			if field.IsDynamicArray {
				dynProp := traceEvent.TextProperties["__data_loc_"+field.Name]
				properties = append(properties, esb.addString(dynProp))
			}
		case "int64":
			properties = append(properties, traceEvent.NumberProperties[field.Name])
		default:
			return fmt.Errorf("unknown PropertyType: %s", field.PropertyType)
		}
	}

	esb.EventSet.Event = append(esb.EventSet.Event, &eventset.Event{
		EventDescriptor: edIndex,
		CPU:             traceEvent.CPU,
		TimestampNs:     int64(traceEvent.Timestamp),
		Clipped:         traceEvent.Clipped,
		Property:        properties,
	})
	return nil
}

// Clone returns a deep copy of the builder.
func (esb *EventSetBuilder) Clone() (*EventSetBuilder, error) {
	newEsb := &EventSetBuilder{
		EventSet:                  esb.EventSet.Clone(),
		formats:                   make(map[uint16]*EventFormat),
		descriptorIndexByFormatID: make(map[uint16]int64),
		strTable:                  make(map[string]int64),
		overwrite:                 esb.overwrite,
		overflowedCPUs:            make(map[int64]struct{}),
	}
	for k, v := range esb.formats {
		format := *v
		newEsb.formats[k] = &format
	}
	for k, v := range esb.descriptorIndexByFormatID {
		newEsb.descriptorIndexByFormatID[k] = v
	}
	for k, v := range esb.strTable {
		newEsb.strTable[k] = v
	}
	for k := range esb.overflowedCPUs {
		newEsb.overflowedCPUs[k] = struct{}{}
	}
	return newEsb, nil
}

// clip marks clipped events according to the builder's overwrite value and
// overflowed CPUs.  Which events must be clipped is only knowable once all
// events are parsed, so this runs during Finalize.
func (esb *EventSetBuilder) clip() error {
	if esb.overwrite {
		return clipping.ClipFromStartOfTrace(esb.EventSet, esb.overflowedCPUs)
	}
	return clipping.ClipFromEndOfTrace(esb.EventSet, esb.overflowedCPUs)
}

// Finalize clips and returns the completed event set.  Call exactly once,
// after all formats and events have been added.
func (esb *EventSetBuilder) Finalize() (*eventset.EventSet, error) {
	if err := esb.clip(); err != nil {
		return nil, err
	}
	return esb.EventSet, nil
}

func propertyType(field *FormatField) eventset.PropertyType {
	switch field.PropertyType {
	case "string":
		return eventset.TextProperty
	case "int64":
		return eventset.NumberProperty
	default:
		return eventset.UnknownProperty
	}
}

// addString interns a string, returning its index in the string table.
func (esb *EventSetBuilder) addString(key string) int64 {
	curr, ok := esb.strTable[key]
	if !ok {
		curr = int64(len(esb.strTable))
		esb.strTable[key] = curr
		esb.EventSet.StringTable = append(esb.EventSet.StringTable, key)
	}
	return curr
}
