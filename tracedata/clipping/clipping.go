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
// Package clipping marks the events that fell outside a trace's known-valid
// window.  When a per-CPU ring buffer overflows, the kernel discards events
// from one end of that buffer, so the interval over which all buffers are
// complete is bounded by the overflowed buffers' surviving events.  Events
// outside that interval are flagged as clipped rather than removed, so the
// analysis layer can still see them but knows not to trust them.
package clipping

import (
	"fmt"

	"github.com/schedlens/schedlens/tracedata/eventset"
)

// ClipFromStartOfTrace clips events recorded before the latest first-surviving
// event of any overflowed CPU.  This is the correct policy for traces captured
// in overwrite mode, where the oldest events are the ones discarded.
func ClipFromStartOfTrace(es *eventset.EventSet, overflowedCPUs map[int64]struct{}) error {
	var clipTimestamp int64 = -1
	for cpu := range overflowedCPUs {
		firstTimestamp, err := firstEventTimestamp(es, cpu)
		if err != nil {
			return err
		}
		if firstTimestamp > clipTimestamp {
			clipTimestamp = firstTimestamp
		}
	}
	if clipTimestamp < 0 {
		return nil
	}
	for _, ev := range es.Event {
		if ev.TimestampNs < clipTimestamp {
			ev.Clipped = true
		}
	}
	return nil
}

// ClipFromEndOfTrace clips events recorded after the earliest last-surviving
// event of any overflowed CPU.  This is the correct policy for traces captured
// with overwrite disabled, where the newest events are the ones discarded.
func ClipFromEndOfTrace(es *eventset.EventSet, overflowedCPUs map[int64]struct{}) error {
	var clipTimestamp int64 = -1
	for cpu := range overflowedCPUs {
		lastTimestamp, err := lastEventTimestamp(es, cpu)
		if err != nil {
			return err
		}
		if clipTimestamp == -1 || lastTimestamp < clipTimestamp {
			clipTimestamp = lastTimestamp
		}
	}
	if clipTimestamp < 0 {
		return nil
	}
	for _, ev := range es.Event {
		if ev.TimestampNs > clipTimestamp {
			ev.Clipped = true
		}
	}
	return nil
}

func firstEventTimestamp(es *eventset.EventSet, cpu int64) (int64, error) {
	for _, ev := range es.Event {
		if ev.CPU == cpu {
			return ev.TimestampNs, nil
		}
	}
	return 0, fmt.Errorf("overflowed CPU %d has no events", cpu)
}

func lastEventTimestamp(es *eventset.EventSet, cpu int64) (int64, error) {
	for i := len(es.Event) - 1; i >= 0; i-- {
		if es.Event[i].CPU == cpu {
			return es.Event[i].TimestampNs, nil
		}
	}
	return 0, fmt.Errorf("overflowed CPU %d has no events", cpu)
}
