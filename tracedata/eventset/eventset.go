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
// Package eventset defines the compact representation of a parsed trace: a
// string table, a set of event descriptors, and per-event property tuples.
// The representation is deliberately plain so it can be persisted with
// encoding/gob and shared between the parser, the analysis engine, and the
// storage layer.
package eventset

// PropertyType distinguishes text properties from numeric ones.
type PropertyType int

const (
	// UnknownProperty is an unrecognized property type.
	UnknownProperty PropertyType = iota
	// TextProperty marks a property whose value indexes the string table.
	TextProperty
	// NumberProperty marks a property whose value is stored directly.
	NumberProperty
)

// PropertyDescriptor names and types a single event property.  Name indexes
// the enclosing EventSet's string table.
type PropertyDescriptor struct {
	Name int64
	Type PropertyType
}

// EventDescriptor describes the shape of one event type.  Name indexes the
// enclosing EventSet's string table.
type EventDescriptor struct {
	Name               int64
	PropertyDescriptor []*PropertyDescriptor
}

// Event is a single trace event in compact form.  Property values line up
// positionally with the descriptor's PropertyDescriptors; text values index
// the string table, numeric values are stored directly.
type Event struct {
	// EventDescriptor indexes the EventSet's descriptor list.
	EventDescriptor int64
	// CPU is the CPU that logged the event.
	CPU int64
	// TimestampNs is the trace timestamp of the event.
	TimestampNs int64
	// Clipped is true if the event fell outside the known-valid range of a
	// trace that experienced buffer overruns.
	Clipped bool
	Property []int64
}

// LoadersType selects the transition loaders used to interpret an event set.
type LoadersType int

const (
	// LoadersDefault interprets switches, wakeups, new-task wakeups, and
	// migrations.
	LoadersDefault LoadersType = iota
	// LoadersSwitchOnly infers thread state only from switches; wakeups are
	// treated as informational.
	LoadersSwitchOnly
	// LoadersFaultTolerant infers thread state only from switches and
	// tolerates inconsistencies by dropping conflicting events.
	LoadersFaultTolerant
)

func (lt LoadersType) String() string {
	switch lt {
	case LoadersDefault:
		return "DEFAULT"
	case LoadersSwitchOnly:
		return "SWITCH_ONLY"
	case LoadersFaultTolerant:
		return "FAULT_TOLERANT"
	default:
		return "UNKNOWN"
	}
}

// EventSet is the complete compact form of a parsed trace.
type EventSet struct {
	StringTable     []string
	EventDescriptor []*EventDescriptor
	Event           []*Event
	// DefaultLoadersType records which loaders should interpret this set.
	DefaultLoadersType LoadersType
}

// Clone returns a deep copy of the receiver.
func (es *EventSet) Clone() *EventSet {
	newES := &EventSet{
		StringTable:        append([]string{}, es.StringTable...),
		DefaultLoadersType: es.DefaultLoadersType,
	}
	for _, ed := range es.EventDescriptor {
		newED := &EventDescriptor{Name: ed.Name}
		for _, pd := range ed.PropertyDescriptor {
			newPD := *pd
			newED.PropertyDescriptor = append(newED.PropertyDescriptor, &newPD)
		}
		newES.EventDescriptor = append(newES.EventDescriptor, newED)
	}
	for _, ev := range es.Event {
		newEv := &Event{
			EventDescriptor: ev.EventDescriptor,
			CPU:             ev.CPU,
			TimestampNs:     ev.TimestampNs,
			Clipped:         ev.Clipped,
			Property:        append([]int64{}, ev.Property...),
		}
		newES.Event = append(newES.Event, newEv)
	}
	return newES
}
