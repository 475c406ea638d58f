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

// EventFormat represents a TraceFS event's format.
type EventFormat struct {
	Name   string
	ID     uint16
	Format Format
}

// Format is a collection of fields contained within an event format.
type Format struct {
	// CommonFields are fields common to all events.
	CommonFields []*FormatField
	// Fields are fields unique to each event type.
	Fields []*FormatField
}

// FormatField describes a single field within a format.
type FormatField struct {
	// FieldType is the C declaration of the field.
	FieldType string
	// Name is the field name extracted from the C declaration in FieldType.
	Name string
	// PropertyType is the decoded type of the field: "string" if the C type is
	// a multi-byte char array, otherwise "int64".
	PropertyType string
	// Offset is the offset of the field from the start of the event in bytes.
	Offset uint64
	// Size is the size of the field in bytes.
	Size uint64
	// NumElements is the number of elements in this field.  Only relevant for
	// array types.
	NumElements uint64
	// ElementSize is the size of each element in bytes.  Only relevant for
	// array types.
	ElementSize uint64
	// Signed states whether the field is signed.  Only relevant for numeric
	// types.
	Signed bool
	// IsDynamicArray is true if this field holds a {uint16 offset, uint16
	// length} descriptor for a dynamic array stored elsewhere in the event.
	IsDynamicArray bool
}
