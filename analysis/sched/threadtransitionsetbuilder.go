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
package sched

import (
	"github.com/schedlens/schedlens/tracedata/trace"
)

// ThreadTransitionSetBuilder accumulates the threadTransitions produced while
// loading a single trace.Event.  Each transition is started with
// WithTransition, which returns a threadTransitionBuilder whose chainable
// setters adjust the fields of that transition away from their defaults.  A
// fresh transition asserts nothing: commands, priorities, and CPUs are
// Unknown, states are AnyState, nothing propagates through, and all conflict
// policies are Fail.
type ThreadTransitionSetBuilder struct {
	stringBank    *stringBank
	transitionSet []*threadTransition
}

func newThreadTransitionSetBuilder(stringBank *stringBank) *ThreadTransitionSetBuilder {
	return &ThreadTransitionSetBuilder{
		stringBank: stringBank,
	}
}

// WithTransition adds a new transition on the provided PID at the provided
// event and timestamp, and returns a threadTransitionBuilder scoped to that
// transition.
func (ttsb *ThreadTransitionSetBuilder) WithTransition(eventID int, timestamp trace.Timestamp, pid PID) *threadTransitionBuilder {
	tt := &threadTransition{
		EventID:      eventID,
		Timestamp:    timestamp,
		PID:          pid,
		PrevCommand:  UnknownCommand,
		NextCommand:  UnknownCommand,
		PrevPriority: UnknownPriority,
		NextPriority: UnknownPriority,
		PrevCPU:      UnknownCPU,
		NextCPU:      UnknownCPU,
		PrevState:    AnyState,
		NextState:    AnyState,
	}
	ttsb.transitionSet = append(ttsb.transitionSet, tt)
	return &threadTransitionBuilder{
		stringBank: ttsb.stringBank,
		tt:         tt,
	}
}

// transitions returns the transitions accumulated so far, in insertion order.
func (ttsb *ThreadTransitionSetBuilder) transitions() []*threadTransition {
	return ttsb.transitionSet
}

// threadTransitionBuilder adjusts the fields of a single in-progress
// threadTransition.  All its methods return the receiver to facilitate
// chaining.
type threadTransitionBuilder struct {
	stringBank *stringBank
	tt         *threadTransition
}

// WithPrevCommand sets the transition's previous command.
func (ttb *threadTransitionBuilder) WithPrevCommand(command string) *threadTransitionBuilder {
	ttb.tt.PrevCommand = ttb.stringBank.stringIDByString(command)
	return ttb
}

// WithNextCommand sets the transition's next command.
func (ttb *threadTransitionBuilder) WithNextCommand(command string) *threadTransitionBuilder {
	ttb.tt.NextCommand = ttb.stringBank.stringIDByString(command)
	return ttb
}

// WithPrevPriority sets the transition's previous priority.
func (ttb *threadTransitionBuilder) WithPrevPriority(priority Priority) *threadTransitionBuilder {
	ttb.tt.PrevPriority = priority
	return ttb
}

// WithNextPriority sets the transition's next priority.
func (ttb *threadTransitionBuilder) WithNextPriority(priority Priority) *threadTransitionBuilder {
	ttb.tt.NextPriority = priority
	return ttb
}

// WithPrevCPU sets the transition's previous CPU.
func (ttb *threadTransitionBuilder) WithPrevCPU(cpu CPUID) *threadTransitionBuilder {
	ttb.tt.PrevCPU = cpu
	return ttb
}

// WithNextCPU sets the transition's next CPU.
func (ttb *threadTransitionBuilder) WithNextCPU(cpu CPUID) *threadTransitionBuilder {
	ttb.tt.NextCPU = cpu
	return ttb
}

// WithCPUPropagatesThrough sets whether CPUs can propagate through the
// transition during inference.
func (ttb *threadTransitionBuilder) WithCPUPropagatesThrough(propagatesThrough bool) *threadTransitionBuilder {
	ttb.tt.CPUPropagatesThrough = propagatesThrough
	return ttb
}

// WithPrevState sets the transition's previous thread state.
func (ttb *threadTransitionBuilder) WithPrevState(state ThreadState) *threadTransitionBuilder {
	ttb.tt.PrevState = state
	return ttb
}

// WithNextState sets the transition's next thread state.
func (ttb *threadTransitionBuilder) WithNextState(state ThreadState) *threadTransitionBuilder {
	ttb.tt.NextState = state
	return ttb
}

// WithStatePropagatesThrough sets whether thread states can propagate through
// the transition during inference.
func (ttb *threadTransitionBuilder) WithStatePropagatesThrough(propagatesThrough bool) *threadTransitionBuilder {
	ttb.tt.StatePropagatesThrough = propagatesThrough
	return ttb
}

// OnForwardsCPUConflict sets the transition's policy for conflicts on its
// next CPU.
func (ttb *threadTransitionBuilder) OnForwardsCPUConflict(policy ConflictPolicy) *threadTransitionBuilder {
	ttb.tt.onForwardsCPUConflict = policy
	return ttb
}

// OnBackwardsCPUConflict sets the transition's policy for conflicts on its
// previous CPU.
func (ttb *threadTransitionBuilder) OnBackwardsCPUConflict(policy ConflictPolicy) *threadTransitionBuilder {
	ttb.tt.onBackwardsCPUConflict = policy
	return ttb
}

// OnForwardsStateConflict sets the transition's policy for conflicts on its
// next thread state.
func (ttb *threadTransitionBuilder) OnForwardsStateConflict(policy ConflictPolicy) *threadTransitionBuilder {
	ttb.tt.onForwardsStateConflict = policy
	return ttb
}

// OnBackwardsStateConflict sets the transition's policy for conflicts on its
// previous thread state.
func (ttb *threadTransitionBuilder) OnBackwardsStateConflict(policy ConflictPolicy) *threadTransitionBuilder {
	ttb.tt.onBackwardsStateConflict = policy
	return ttb
}
