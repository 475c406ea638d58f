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
// Package trace provides convenient access to tracepoint collections stored
// as eventset.EventSets.  trace.Collection provides basic event accessors;
// derived types embedding Collection can provide more specialized,
// event-specific iteration.
package trace

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schedlens/schedlens/tracedata/eventset"
)

// Timestamp describes a trace event timestamp.  The units of a timestamp
// depend on the trace clock specified during collection.  'local', the
// default trace clock, and 'global' both generate ns-based timestamps; other
// clocks such as 'x86_tsc' produce timestamps convertible to ns, and some,
// such as 'counter', are in units that cannot be converted to ns at all.
type Timestamp int64

// UnknownTimestamp represents an unspecified event timestamp.
const UnknownTimestamp Timestamp = -1

// Event describes a single trace event.  A Collection stores its events in a
// much more compact, but less usable, format than this, so generate Events on
// demand (via Collection.EventByIndex) rather than persisting more than a
// few.
type Event struct {
	// Index uniquely identifies this Event within its Collection.
	Index int `json:"index"`
	// Name is the name of the event's type.
	Name string `json:"name"`
	// CPU is the CPU that logged the event.  Note that the logging CPU may be
	// otherwise unrelated to the event.
	CPU int64 `json:"cpu"`
	// Timestamp is the event timestamp.
	Timestamp Timestamp `json:"timestamp"`
	// Clipped is true if this Event fell outside of the known-valid range of a
	// trace which experienced buffer overruns.  Some kinds of analyses are only
	// valid over unclipped events.
	Clipped bool `json:"clipped"`
	// TextProperties maps text property names to values.
	TextProperties map[string]string `json:"textProperties"`
	// NumberProperties maps numeric property names to values.
	NumberProperties map[string]int64 `json:"numberProperties"`
}

func isPrintable(data string) bool {
	for _, r := range data {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// String returns the receiver formatted as a one-line string.
func (ev Event) String() string {
	out := []string{fmt.Sprintf("%-18d (CPU %d) %s", ev.Timestamp, ev.CPU, ev.Name)}
	var props sort.StringSlice
	for k, v := range ev.TextProperties {
		if !isPrintable(v) {
			v = "<binary>"
		}
		props = append(props, fmt.Sprintf("%s: %s", k, v))
	}
	for k, v := range ev.NumberProperties {
		props = append(props, fmt.Sprintf("%s: %d", k, v))
	}
	sort.Sort(props)
	out = append(out, props...)
	return strings.Join(out, " ")
}

type options struct {
	normalizationOffset Timestamp
}

// NormalizationOffset specifies the timestamp offset subtracted from all
// event timestamps exposed by the Collection.
func NormalizationOffset(normalizationOffset Timestamp) func(o *options) {
	return func(o *options) {
		o.normalizationOffset = normalizationOffset
	}
}

// NewCollection builds and returns a new trace.Collection over the provided
// event set, or nil and an error if one could not be created.  The event set
// is sorted by timestamp in place.
func NewCollection(es *eventset.EventSet, opts ...func(o *options)) (*Collection, error) {
	sort.SliceStable(es.Event, func(a, b int) bool {
		return es.Event[a].TimestampNs < es.Event[b].TimestampNs
	})
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	c := &Collection{
		eventSet: es,
		o:        o,
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

// Collection provides convenience accessors for event traces stored in
// eventset.EventSets.
type Collection struct {
	o              *options
	eventSet       *eventset.EventSet
	startTimestamp Timestamp
	endTimestamp   Timestamp
}

// RawEventSet returns the EventSet contained in this collection.
func (tc Collection) RawEventSet() *eventset.EventSet {
	return tc.eventSet
}

// eventDescriptorByID returns the EventDescriptor with the provided ID, or
// nil if there is no such descriptor.
func (tc Collection) eventDescriptorByID(id int64) *eventset.EventDescriptor {
	if tc.eventSet == nil || id < 0 || id >= int64(len(tc.eventSet.EventDescriptor)) {
		return nil
	}
	return tc.eventSet.EventDescriptor[id]
}

// stringByID returns the string table entry at the provided ID, or
// "<INVALID>" if there is no such string.
func (tc Collection) stringByID(id int64) string {
	if tc.eventSet == nil || id < 0 || id >= int64(len(tc.eventSet.StringTable)) {
		return "<INVALID>"
	}
	return tc.eventSet.StringTable[id]
}

func (tc *Collection) clear() {
	tc.eventSet = nil
	tc.startTimestamp = 0
	tc.endTimestamp = 0
}

// init validates the event set and caches the collection bounds.
func (tc *Collection) init() error {
	// Event names must be unique; empty names are ignored.
	enm := make(map[string]bool)
	for _, en := range tc.EventNames() {
		if en == "" {
			continue
		}
		if enm[en] {
			tc.clear()
			return fmt.Errorf("collection init failed: duplicate event '%s'", en)
		}
		enm[en] = true
	}
	if !tc.Valid() {
		return errors.New("invalid collection (are there any events?)")
	}
	event, err := tc.EventByIndex(0)
	if err != nil {
		tc.clear()
		return err
	}
	tc.startTimestamp = event.Timestamp
	if event, err = tc.EventByIndex(tc.EventCount() - 1); err != nil {
		tc.clear()
		return err
	}
	tc.endTimestamp = event.Timestamp
	return nil
}

// EventCount returns the number of events in the managed EventSet.
func (tc Collection) EventCount() int {
	return len(tc.eventSet.Event)
}

// Valid returns whether tc is a valid initialized Collection.
func (tc Collection) Valid() bool {
	return tc.eventSet != nil && tc.EventCount() > 0
}

// Interval returns the first and last timestamps of the events present in
// this Collection.  Only valid if tc.Valid() is true.
func (tc Collection) Interval() (startTimestamp, endTimestamp Timestamp) {
	return tc.startTimestamp, tc.endTimestamp
}

// EventByIndex returns the event at the provided index in the collection as
// an Event, or an error if there is no such event or it is malformed.
func (tc Collection) EventByIndex(index int) (*Event, error) {
	if !tc.Valid() {
		return nil, errors.New("invalid collection")
	}
	if index < 0 || index >= tc.EventCount() {
		return nil, status.Errorf(codes.NotFound, "event %d not found", index)
	}
	ev := tc.eventSet.Event[index]
	ed := tc.eventDescriptorByID(ev.EventDescriptor)
	if ed == nil {
		return nil, fmt.Errorf("event %d references unknown descriptor %d", index, ev.EventDescriptor)
	}
	if len(ed.PropertyDescriptor) != len(ev.Property) {
		return nil, fmt.Errorf("mismatch between expected (%d) and actual (%d) property count", len(ed.PropertyDescriptor), len(ev.Property))
	}
	nev := &Event{
		Index:            index,
		CPU:              ev.CPU,
		Name:             tc.stringByID(ed.Name),
		Timestamp:        Timestamp(ev.TimestampNs) - tc.o.normalizationOffset,
		Clipped:          ev.Clipped,
		TextProperties:   make(map[string]string),
		NumberProperties: make(map[string]int64),
	}
	for i := range ev.Property {
		pd := ed.PropertyDescriptor[i]
		pdName := tc.stringByID(pd.Name)
		if pd.Type == eventset.TextProperty {
			nev.TextProperties[pdName] = tc.stringByID(ev.Property[i])
		} else {
			nev.NumberProperties[pdName] = ev.Property[i]
		}
	}
	return nev, nil
}

// EventNames returns a sorted list of the names of the events present in
// this Collection.
func (tc Collection) EventNames() sort.StringSlice {
	if tc.eventSet == nil {
		return nil
	}
	var ens sort.StringSlice
	for _, ed := range tc.eventSet.EventDescriptor {
		ens = append(ens, tc.stringByID(ed.Name))
	}
	sort.Sort(ens)
	return ens
}
