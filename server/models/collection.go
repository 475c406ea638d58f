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
// Package models contains the structs representing JSON requests and
// responses, and the persisted collection metadata.
package models

import "github.com/schedlens/schedlens/tracedata/eventset"

// CreateCollectionRequest is a request to create or upload a collection.
type CreateCollectionRequest struct {
	// The user tag associated with this collection's creation.
	Creator string `json:"creator"`
	// The user tags to own this collection.  The creator is always an owner
	// and doesn't need to be included in this list.
	Owners []string `json:"owners"`
	// The tags to initially set in this collection.  Tags are string values
	// displayed along with, and modifiable on, collections.
	Tags []string `json:"tags"`
	// A collection description.
	Description string `json:"description"`
	// The time of this collection's creation, in nanoseconds since the epoch.
	// If left empty, it will be autopopulated at the time of collection
	// creation.
	CreationTime int64 `json:"creationTime"`
}

// EditCollectionRequest is a request to edit a given collection's metadata.
type EditCollectionRequest struct {
	CollectionName string `json:"collectionName"`
	// Any tags requested for removal are removed, then any tags requested for
	// addition are added.
	RemoveTags  []string `json:"removeTags"`
	AddTags     []string `json:"addTags"`
	Description string   `json:"description"`
	AddOwners   []string `json:"addOwners"`
}

// Metadata contains metadata about a collection.
type Metadata struct {
	// The unique name of the collection.
	CollectionUniqueName string `json:"collectionUniqueName"`
	// The creator tag provided at this collection's creation.
	Creator string `json:"creator"`
	// This collection's owners.
	Owners []string `json:"owners"`
	// The collection's tags.
	Tags []string `json:"tags"`
	// The collection's description.
	Description string `json:"description"`
	// The time of this collection's creation, in nanoseconds since the epoch.
	CreationTime int64 `json:"creationTime"`
	// The names of the events gathered during the collection.
	FtraceEvents []string `json:"ftraceEvents"`
	// The target machine on which the collection was performed.
	TargetMachine string `json:"targetMachine"`
	// The loaders used by default to interpret this collection.
	DefaultEventLoader eventset.LoadersType `json:"defaultEventLoader"`
}

// CollectionParametersResponse is a response for a collection parameters
// request.
type CollectionParametersResponse struct {
	CollectionName   string   `json:"collectionName"`
	CPUs             []int64  `json:"cpus"`
	StartTimestampNs int64    `json:"startTimestampNs"`
	EndTimestampNs   int64    `json:"endTimestampNs"`
	FtraceEvents     []string `json:"ftraceEvents"`
}

// UnknownLogicalID is a value used to represent a core, NUMA node, die,
// thread, or socket ID that has not been set.
const UnknownLogicalID = -1

// LogicalCore contains metadata describing a logical core.
type LogicalCore struct {
	// This logical core's index in the topology.  Used as a scalar identifier
	// of this CPU in trace events.
	CPUID uint64 `json:"cpuId"`
	// The 0-indexed identifier of the socket of this logical core.  'Socket'
	// represents a distinct IC package.
	SocketID int32 `json:"socketId"`
	// The 0-indexed NUMA node of this logical core.  NUMA nodes are groupings
	// of cores and cache hierarchy that are 'local' to their own memory;
	// accessing non-local memory is costlier than accessing local memory.
	NumaNodeID int32 `json:"numaNodeId"`
	// The 0-indexed die identifier.  Some IC packages may include more than
	// one distinct die.
	DieID int32 `json:"dieId"`
	// The 0-indexed core identifier within its die.  A core is a single
	// processing unit with its own register storage and L1 caches.
	CoreID int32 `json:"coreId"`
	// The 0-indexed hyperthread identifier within its core.  Hyperthreads on
	// a core share the core's functional units and cache hierarchy but
	// maintain independent registers.
	ThreadID int32 `json:"threadId"`
}

// SystemTopology describes the topology of the machine a collection was
// gathered on.
type SystemTopology struct {
	// CPUID fields, if known.
	CPUFamily   int32 `json:"cpuFamily"`
	CPUModel    int32 `json:"cpuModel"`
	CPUStepping int32 `json:"cpuStepping"`
	// The set of logical cores.
	LogicalCores []LogicalCore `json:"logicalCores"`
}

// SystemTopologyResponse is a response to a system topology request.
type SystemTopologyResponse struct {
	CollectionName string         `json:"collectionName"`
	SystemTopology SystemTopology `json:"systemTopology"`
}
