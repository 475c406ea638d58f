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
	"fmt"

	"github.com/schedlens/schedlens/tracedata/trace"
)

// ConflictPolicy sets a policy to use when two threadTransitions are found to
// be in conflict with one another regarding a thread's state or CPU during
// inference.  Each transition has separate policies for forward-state,
// backward-state, forward-CPU, and backward-CPU conflicts.  If two adjacent
// threadTransitions (A and B in temporal order) conflict -- say, if A's
// NextState conflicts with B's PrevState -- then the two transitions'
// appropriate ConflictPolicies are compared, and the resulting policy
// implemented.
//
// During inference, transitions are accumulated in increasing temporal order
// until a 'forward barrier' transition is reached -- one which has a fixed
// forward state (with known NextCPU and NextState fields) and which cannot be
// dropped on any forward conflict.  When a forward-barrier transition is
// discovered, all conflicts prior to that transition can be resolved;
// conversely, if no forward barrier is discovered before the end of the
// transition stream, all the thread's transitions must be kept in memory and
// reexamined upon any conflict.  The choice of conflict policy can therefore
// significantly affect collection inference time.
type ConflictPolicy int

const (
	// Fail specifies that conflicting thread state or CPU should yield a
	// collection failure.
	Fail ConflictPolicy = 0
	// Drop specifies that a threadTransition in conflict with its neighbor on
	// thread state or CPU may be dropped.
	Drop ConflictPolicy = 1
	// InsertSynthetic specifies that two threadTransitions that are in
	// conflict on thread state or CPU may be resolved by inserting a synthetic
	// threadTransition between them.  Synthetic transitions are only inserted
	// if both conflictees agree on this action.
	InsertSynthetic ConflictPolicy = 2
	// DropOrInsertSynthetic specifies that threadTransition conflicts may be
	// resolved either by dropping conflicting events or inserting synthetic
	// threadTransitions.
	DropOrInsertSynthetic = Drop | InsertSynthetic
)

func (policy ConflictPolicy) String() string {
	switch policy {
	case Fail:
		return "Fail"
	case Drop:
		return "Drop"
	case InsertSynthetic:
		return "Insert Synthetic"
	case DropOrInsertSynthetic:
		return "Drop or Insert Synthetic"
	default:
		return "UNKNOWN"
	}
}

// resolveConflict compares the provided ConflictPolicies and returns their
// resolution, which is always a single policy: Fail, Drop, or
// InsertSynthetic.  The strictest policy satisfying both conflictants is
// returned.  If one policy is Fail and the other can Drop, the event that
// can be dropped is dropped; if one policy is Drop and the other
// InsertSynthetic, the result devolves to Drop.
func resolveConflict(a, b ConflictPolicy) ConflictPolicy {
	if a > b {
		a, b = b, a
	}
	var result ConflictPolicy
	switch {
	case a == b:
		result = a
	case a == Fail && (b&Drop == Drop):
		result = Drop
	case a == Drop && (b&InsertSynthetic == InsertSynthetic):
		result = Drop
	default:
		result = a & b
	}
	if result == DropOrInsertSynthetic {
		result = Drop
	}
	return result
}

// threadTransition represents a transition of a thread's state or CPU at a
// moment of time.  Previous or next state or CPU may be inferred from other
// threadTransitions.
//
// Forwards inferences propagate known values in the direction of increasing
// timestamp, replacing all Unknown fields until a known value (which may
// disagree with the propagating value) is encountered.  Backwards inferences
// propagate known values in the direction of decreasing timestamp in the same
// way.
//
// Ideally, such inference disagreements would not occur.  However, as a
// noncritical monitoring mechanism, tracepoints are occasionally prone to
// them, particularly as tracepoint events are not emitted atomically with the
// phenomenon they describe.  On a disagreement there are three recourses: we
// may raise an inference error, signalling that the trace did not behave as
// expected; we may insert a synthetic threadTransition between the
// disagreeing transitions, at a timestamp lying exactly between them; or we
// may drop the disagreeing transition.
type threadTransition struct {
	// The index of the trace.Event that produced this threadTransition.  If
	// Unknown, there is no such Event: this is a synthetic threadTransition
	// representing, for instance, inferred trace-initial thread state.
	EventID   int
	Timestamp trace.Timestamp
	// The PID described in this threadTransition.
	PID PID
	// The command name for PID prior to, and after, this threadTransition.
	PrevCommand stringID
	NextCommand stringID
	// The priority for PID prior to, and after, this threadTransition.
	PrevPriority Priority
	NextPriority Priority
	// The CPU on which PID was located prior to this threadTransition.  If
	// Unknown, may be inferred from other threadTransitions.
	PrevCPU CPUID
	// The CPU on which PID was located after this threadTransition.  If
	// Unknown, may be inferred from other threadTransitions.
	NextCPU CPUID
	// Whether CPUs can propagate through this transition during inference.
	// True for events that do not alter a thread's CPU, false for events that
	// do, such as migrations.
	CPUPropagatesThrough bool
	// The state PID may have held prior to this threadTransition.
	PrevState ThreadState
	// The state PID held after this threadTransition.  If Unknown, may be
	// inferred from other threadTransitions.
	NextState ThreadState
	// Whether states can propagate through this transition during inference.
	// True for events that do not affect a thread's state, false for events
	// that do.
	StatePropagatesThrough bool
	// Conflict resolution policies.  Some events are unreliable; for example,
	// sched_wakeup can occur on a running or waiting thread.  Events that can
	// be emitted as part of an interrupt are perhaps more prone to require
	// these directives.
	onForwardsStateConflict  ConflictPolicy
	onBackwardsStateConflict ConflictPolicy
	onForwardsCPUConflict    ConflictPolicy
	onBackwardsCPUConflict   ConflictPolicy
	// True if this threadTransition was dropped due to a conflict detected
	// during inference.
	dropped bool
	// True if this is a synthetic threadTransition inserted to resolve a
	// conflict detected during inference.
	synthetic bool
}

// A threadTransition is a 'forward barrier' if its next CPU and state are
// known and the transition may not be dropped on forward inference conflicts.
// Forward barriers mark the point at which no subsequent transition can
// conflict with a prior one, so bulk inference passes run on groups of
// adjacent transitions that end just prior to a forward barrier.
func (tt *threadTransition) isForwardBarrier() bool {
	return tt.NextCPU != UnknownCPU && tt.NextState.isKnown() &&
		(tt.onForwardsStateConflict&Drop) != Drop && (tt.onForwardsCPUConflict&Drop) != Drop
}

// setCPUForwards propagates a CPU, known to hold for the receiver's PID just
// prior to its timestamp, forward into and, if the receiver propagates CPUs,
// through it.  Returns false if the propagating CPU is irreconcilable with
// the receiver.
func (tt *threadTransition) setCPUForwards(cpu CPUID) bool {
	prevCPU, err := mergeCPU(cpu, tt.PrevCPU)
	if err != nil {
		return false
	}
	tt.PrevCPU = prevCPU
	if tt.CPUPropagatesThrough {
		nextCPU, err := mergeCPU(tt.PrevCPU, tt.NextCPU)
		if err != nil {
			return false
		}
		tt.NextCPU = nextCPU
	}
	return true
}

// setCPUBackwards propagates a CPU, known to hold for the receiver's PID just
// after its timestamp, backwards into and, if the receiver propagates CPUs,
// through it.  Returns false if the propagating CPU is irreconcilable with
// the receiver.
func (tt *threadTransition) setCPUBackwards(cpu CPUID) bool {
	nextCPU, err := mergeCPU(cpu, tt.NextCPU)
	if err != nil {
		return false
	}
	tt.NextCPU = nextCPU
	if tt.CPUPropagatesThrough {
		prevCPU, err := mergeCPU(tt.NextCPU, tt.PrevCPU)
		if err != nil {
			return false
		}
		tt.PrevCPU = prevCPU
	}
	return true
}

// setStateForwards propagates a thread state, known to hold for the
// receiver's PID just prior to its timestamp, forward into and, if the
// receiver propagates state, through it.  Returns false if the propagating
// state is irreconcilable with the receiver.
func (tt *threadTransition) setStateForwards(state ThreadState) bool {
	prevState, ok := mergeState(state, tt.PrevState)
	if !ok {
		return false
	}
	tt.PrevState = prevState
	if tt.StatePropagatesThrough {
		nextState, ok := mergeState(tt.PrevState, tt.NextState)
		if !ok {
			return false
		}
		tt.NextState = nextState
	}
	return true
}

// setStateBackwards propagates a thread state, known to hold for the
// receiver's PID just after its timestamp, backwards into and, if the
// receiver propagates state, through it.  Returns false if the propagating
// state is irreconcilable with the receiver.
func (tt *threadTransition) setStateBackwards(state ThreadState) bool {
	nextState, ok := mergeState(state, tt.NextState)
	if !ok {
		return false
	}
	tt.NextState = nextState
	if tt.StatePropagatesThrough {
		prevState, ok := mergeState(tt.NextState, tt.PrevState)
		if !ok {
			return false
		}
		tt.PrevState = prevState
	}
	return true
}

func (tt *threadTransition) String() string {
	if tt == nil {
		return "<nil>"
	}
	ret := "<unknown>"
	if tt.EventID != Unknown {
		ret = fmt.Sprintf("[Event %d] ", tt.EventID)
	}
	if tt.dropped {
		ret = ret + "(dropped) "
	}
	if tt.synthetic {
		ret = ret + "(synthetic) "
	}
	ret = ret + fmt.Sprintf("CPU policies: [%s, %s] ", tt.onBackwardsCPUConflict, tt.onForwardsCPUConflict)
	ret = ret + fmt.Sprintf("State policies: [%s, %s] ", tt.onBackwardsStateConflict, tt.onForwardsStateConflict)
	if tt.CPUPropagatesThrough {
		ret = ret + "(CPU propagates through) "
	}
	if tt.StatePropagatesThrough {
		ret = ret + "(state propagates through) "
	}
	return ret + fmt.Sprintf("@%-18d %s Command: [%d->%d] Priority: [%d->%d] CPU: [%s->%s] State: [%s->%s]", tt.Timestamp, tt.PID, tt.PrevCommand, tt.NextCommand, tt.PrevPriority, tt.NextPriority, tt.PrevCPU, tt.NextCPU, tt.PrevState, tt.NextState)
}
