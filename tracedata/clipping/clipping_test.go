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
package clipping

import (
	"testing"

	"github.com/schedlens/schedlens/tracedata/eventset"
)

func event(cpu, timestamp int64) *eventset.Event {
	return &eventset.Event{
		CPU:         cpu,
		TimestampNs: timestamp,
	}
}

// sampleEventSet returns an event set whose events interleave three CPUs.
// If CPUs 1 and 2 overflowed, the first (or last) three events should be
// clipped; if CPUs 1 and 3 overflowed, just the first (or last) one.
func sampleEventSet() *eventset.EventSet {
	return &eventset.EventSet{
		Event: []*eventset.Event{
			event(3, 1000),
			event(1, 1500),
			event(1, 2000),
			event(2, 3000),
			event(1, 3500),
			event(2, 4000),
			event(1, 4500),
			event(2, 5000),
			event(1, 5500),
			event(1, 6000),
			event(3, 7000),
		},
	}
}

func TestClipFromStartOfTrace(t *testing.T) {
	tests := []struct {
		description    string
		overflowedCPUs map[int64]struct{}
		wantClipped    map[int]bool
	}{{
		description:    "two overflowed CPUs clip the first three events",
		overflowedCPUs: map[int64]struct{}{1: {}, 2: {}},
		wantClipped:    map[int]bool{0: true, 1: true, 2: true},
	}, {
		description:    "only events before the latest surviving start are clipped",
		overflowedCPUs: map[int64]struct{}{1: {}, 3: {}},
		wantClipped:    map[int]bool{0: true},
	}, {
		description:    "overflow on the earliest CPU clips nothing",
		overflowedCPUs: map[int64]struct{}{3: {}},
		wantClipped:    map[int]bool{},
	}, {
		description:    "no overflowed CPUs clips nothing",
		overflowedCPUs: map[int64]struct{}{},
		wantClipped:    map[int]bool{},
	}}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			es := sampleEventSet()
			if err := ClipFromStartOfTrace(es, test.overflowedCPUs); err != nil {
				t.Fatalf("ClipFromStartOfTrace yielded unexpected error %v", err)
			}
			for i, ev := range es.Event {
				if got, want := ev.Clipped, test.wantClipped[i]; got != want {
					t.Errorf("event %d: got clipped %t, want %t", i, got, want)
				}
			}
		})
	}
}

func TestClipFromEndOfTrace(t *testing.T) {
	tests := []struct {
		description    string
		overflowedCPUs map[int64]struct{}
		wantClipped    map[int]bool
	}{{
		description:    "two overflowed CPUs clip the last three events",
		overflowedCPUs: map[int64]struct{}{1: {}, 2: {}},
		wantClipped:    map[int]bool{8: true, 9: true, 10: true},
	}, {
		description:    "only events after the earliest surviving end are clipped",
		overflowedCPUs: map[int64]struct{}{1: {}, 3: {}},
		wantClipped:    map[int]bool{10: true},
	}, {
		description:    "overflow on the latest CPU clips nothing",
		overflowedCPUs: map[int64]struct{}{3: {}},
		wantClipped:    map[int]bool{},
	}}
	for _, test := range tests {
		t.Run(test.description, func(t *testing.T) {
			es := sampleEventSet()
			if err := ClipFromEndOfTrace(es, test.overflowedCPUs); err != nil {
				t.Fatalf("ClipFromEndOfTrace yielded unexpected error %v", err)
			}
			for i, ev := range es.Event {
				if got, want := ev.Clipped, test.wantClipped[i]; got != want {
					t.Errorf("event %d: got clipped %t, want %t", i, got, want)
				}
			}
		})
	}
}

func TestOverflowedCPUWithoutEvents(t *testing.T) {
	es := sampleEventSet()
	if err := ClipFromStartOfTrace(es, map[int64]struct{}{5: {}}); err == nil {
		t.Error("ClipFromStartOfTrace accepted an overflowed CPU with no events")
	}
	es = sampleEventSet()
	if err := ClipFromEndOfTrace(es, map[int64]struct{}{5: {}}); err == nil {
		t.Error("ClipFromEndOfTrace accepted an overflowed CPU with no events")
	}
}
