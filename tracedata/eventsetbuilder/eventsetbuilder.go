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
// Package eventsetbuilder provides utilities for programmatically assembling
// tracepoint collections as eventset.EventSets.
package eventsetbuilder

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/schedlens/schedlens/tracedata/eventset"
	tp "github.com/schedlens/schedlens/traceparser/traceparser"
)

// PropertyDescriptor describes a single property in an event descriptor.
type PropertyDescriptor struct {
	name string
	t    string
}

// Number returns a number-type PropertyDescriptor with the provided name.
func Number(name string) PropertyDescriptor {
	return PropertyDescriptor{
		name: name,
		t:    "int64",
	}
}

// Text returns a text-type PropertyDescriptor with the provided name.
func Text(name string) PropertyDescriptor {
	return PropertyDescriptor{
		name: name,
		t:    "string",
	}
}

// Builder allows successive programmatic assembly of new EventSets.
// Construct event sets by creating a Builder (NewBuilder), then adding event
// descriptors (WithEventDescriptor) and events (WithEvent) to it.  In tests,
// call TestEventSet() on the builder, passing it the test object, to get its
// EventSet.
type Builder struct {
	esb                *tp.EventSetBuilder
	eventFormatsByName map[string]*tp.EventFormat
	errs               []error
}

// NewBuilder constructs and returns a new, empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		esb:                tp.NewEventSetBuilder(nil),
		eventFormatsByName: make(map[string]*tp.EventFormat),
	}
}

// Clone returns a cloned copy of the receiver.
func (b *Builder) Clone() (*Builder, error) {
	newEsb, err := b.esb.Clone()
	if err != nil {
		return nil, errors.New("failed to clone Builder")
	}
	newB := Builder{
		esb:                newEsb,
		eventFormatsByName: make(map[string]*tp.EventFormat),
		errs:               append([]error{}, b.errs...),
	}
	for k, v := range b.eventFormatsByName {
		newB.eventFormatsByName[k] = v
	}
	return &newB, nil
}

// TestClone returns a cloned copy of the receiver, failing on the provided
// testing.T if an error is encountered.
func (b *Builder) TestClone(t *testing.T) *Builder {
	t.Helper()
	newB, err := b.Clone()
	if err != nil {
		t.Fatalf("Failed to clone Builder: %s", err)
	}
	return newB
}

// WithEventDescriptor adds the provided event descriptor (a name and a series
// of PropertyDescriptors) to the receiving Builder, returning that Builder to
// facilitate chaining.
func (b *Builder) WithEventDescriptor(name string, propertyDescriptors ...PropertyDescriptor) *Builder {
	eventFormat := &tp.EventFormat{
		Name: name,
		ID:   uint16(len(b.eventFormatsByName)),
		Format: tp.Format{
			Fields: make([]*tp.FormatField, len(propertyDescriptors)),
		},
	}
	b.eventFormatsByName[name] = eventFormat
	for i, prop := range propertyDescriptors {
		eventFormat.Format.Fields[i] = &tp.FormatField{
			Name:         prop.name,
			PropertyType: prop.t,
		}
	}
	b.esb.AddFormat(eventFormat)
	return b
}

// WithEvent adds the provided event to the receiving Builder, returning that
// Builder to facilitate chaining.
func (b *Builder) WithEvent(eventName string, cpu int64, timestampNs int64, clipped bool, props ...interface{}) *Builder {
	eventFormat := b.eventFormatsByName[eventName]
	if eventFormat == nil {
		b.errs = append(b.errs, fmt.Errorf("expected event descriptor for %s to be stored", eventName))
		return b
	}
	traceEvent := &tp.TraceEvent{
		FormatID:         eventFormat.ID,
		CPU:              cpu,
		Clipped:          clipped,
		Timestamp:        uint64(timestampNs),
		NumberProperties: make(map[string]int64),
		TextProperties:   make(map[string]string),
	}
	if len(props) != len(eventFormat.Format.Fields) {
		b.errs = append(b.errs, fmt.Errorf("expected %d properties, but got %d", len(eventFormat.Format.Fields), len(props)))
		return b
	}
	for i, prop := range props {
		field := eventFormat.Format.Fields[i]
		switch v := prop.(type) {
		case int:
			if field.PropertyType != "int64" {
				b.errs = append(b.errs, fmt.Errorf("expected integer argument for property %d", i))
				return b
			}
			traceEvent.NumberProperties[field.Name] = int64(v)
		case string:
			if field.PropertyType != "string" {
				b.errs = append(b.errs, fmt.Errorf("expected string argument for property %d", i))
				return b
			}
			traceEvent.TextProperties[field.Name] = v
		default:
			b.errs = append(b.errs, fmt.Errorf("unknown type for property %d", i))
			return b
		}
	}
	if err := b.esb.AddTraceEvent(traceEvent); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// WithDefaultLoadersType sets the loaders type recorded on the built event
// set, returning the Builder to facilitate chaining.
func (b *Builder) WithDefaultLoadersType(lt eventset.LoadersType) *Builder {
	b.esb.SetDefaultLoadersType(lt)
	return b
}

// EventSet returns the assembled EventSet along with any accumulated errors.
func (b *Builder) EventSet() (*eventset.EventSet, []error) {
	return b.esb.EventSet, b.errs
}

// TestEventSet returns the EventSet built by the Builder.  If the builder is
// in error, it fails on the provided testing.T.
func (b *Builder) TestEventSet(t *testing.T) *eventset.EventSet {
	t.Helper()
	if len(b.errs) > 0 {
		var errStrs []string
		for _, err := range b.errs {
			errStrs = append(errStrs, err.Error())
		}
		t.Fatalf("Failed to assemble EventSet: %s", strings.Join(errStrs, ", "))
	}
	return b.esb.EventSet
}
