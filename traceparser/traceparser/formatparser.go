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

// formatparser parses TraceFS format descriptor files.

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	nameRe   = regexp.MustCompile(`name:[ \t]*(\w+)`)
	idRe     = regexp.MustCompile(`ID:[ \t]*(\d+)`)
	fieldRe  = regexp.MustCompile(`field:[ \t]*([^;]+);[ \t]*offset:[ \t]*(\d+);[ \t]*size:[ \t]*(\d+);[ \t]*(?:signed:[ \t]*(\d+);)?`)
	typeRe   = regexp.MustCompile(`^((?:\w+\s+)?\w+(?:\s+\**\s*)?(?:\[])?)\s+(\w+)\s*(?:\[\s*(\d+)\s*])?$`)
	charRe   = regexp.MustCompile(`\bchar\b`)
	dynArrRe = regexp.MustCompile(`^__data_loc\b`)
)

type parseState int

const (
	findName parseState = iota
	findID
	findFormat
	findCommonField
	findField
	done
)

// parseRegularFormats parses the contents of TraceFS format files into
// EventFormat structs, keyed by event format ID.  A format file looks like:
//
//	name: some_name
//	ID: 123
//	format:
//		field: C type decl;	offset: 0;	size: 123;	signed: 0;   <- common fields
//		...
//	<blank line>
//		field: C type decl;	offset: 0;	size: 123;	signed: 0;   <- event-specific fields
//		...
//	<blank line>
//	print fmt: C string, printf format parameters
func parseRegularFormats(formatFiles []string) (map[uint16]*EventFormat, error) {
	ret := make(map[uint16]*EventFormat, len(formatFiles))

	for _, formatFileContent := range formatFiles {
		scanner := bufio.NewScanner(strings.NewReader(formatFileContent))

		evtFmt := EventFormat{}
		state := findName

	scan:
		for scanner.Scan() {
			line := scanner.Text()
			trimmed := strings.TrimSpace(line)
			if trimmed == "" && state != findCommonField {
				// Skip empty or whitespace-only lines.
				continue
			}

			switch state {
			case findName:
				name, err := parseName(line)
				if err != nil {
					return nil, err
				}
				evtFmt.Name = name
				state = findID
			case findID:
				id, err := parseID(line)
				if err != nil {
					return nil, err
				}
				evtFmt.ID = id
				state = findFormat
			case findFormat:
				if trimmed != "format:" {
					return nil, fmt.Errorf("expected \"format:\", but got \"%s\" instead", line)
				}
				evtFmt.Format = Format{}
				state = findCommonField
			case findCommonField:
				newCommonField, err := parseField(line)
				if err != nil {
					// A non-field line ends the common-field block.
					state = findField
					continue
				}
				evtFmt.Format.CommonFields = append(evtFmt.Format.CommonFields, newCommonField)
			case findField:
				newField, err := parseField(line)
				if err != nil {
					state = done
					continue
				}
				evtFmt.Format.Fields = append(evtFmt.Format.Fields, newField)
			case done:
				break scan
			}
		}

		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("unable to read format. caused by: %v", err)
		}

		ret[evtFmt.ID] = &evtFmt
	}

	return ret, nil
}

// parseHeaderFormat parses a header_page TraceFS format file, which looks
// like:
//
//	Header:
//		field: C type decl;	offset: 0;	size: 123;	signed: 0;
//		...
func parseHeaderFormat(headerFileContent string) (*Format, error) {
	scanner := bufio.NewScanner(strings.NewReader(headerFileContent))
	ret := Format{}

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "Header:" {
			continue
		}

		newField, err := parseField(line)
		if err != nil {
			return nil, err
		}
		ret.Fields = append(ret.Fields, newField)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("unable to read header format file. caused by: %v", err)
	}

	return &ret, nil
}

func parseName(line string) (string, error) {
	matches := nameRe.FindStringSubmatch(line)
	if matches == nil {
		return "", fmt.Errorf("unexpected string \"%s\"", line)
	}
	return matches[1], nil
}

func parseID(line string) (uint16, error) {
	matches := idRe.FindStringSubmatch(line)
	if matches == nil {
		return 0, fmt.Errorf("unexpected string \"%s\"", line)
	}
	id, err := strconv.ParseUint(matches[1], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("error parsing ID: %s", err)
	}
	return uint16(id), nil
}

func parseField(line string) (*FormatField, error) {
	matches := fieldRe.FindStringSubmatch(line)
	if matches == nil {
		return nil, fmt.Errorf("unexpected string \"%s\"", line)
	}
	fieldType := matches[1]

	size, err := strconv.ParseUint(matches[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing size for field: %s", err)
	}

	field, err := constructFormatField(fieldType, size)
	if err != nil {
		return nil, err
	}

	offset, err := strconv.ParseUint(matches[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing offset for field %s: %s", field.Name, err)
	}
	field.Offset = offset

	// Some kernels omit signed: from their field formats.
	if matches[4] != "" {
		signed, err := strconv.ParseUint(matches[4], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("error parsing signed for field %s: %s", field.Name, err)
		}
		field.Signed = signed != 0
	}

	return &field, nil
}

func constructFormatField(fieldType string, size uint64) (FormatField, error) {
	field := FormatField{FieldType: fieldType, Size: size}
	matches := typeRe.FindStringSubmatch(fieldType)
	if matches == nil {
		return FormatField{}, fmt.Errorf("\"%s\" does not appear to be a C declaration expression", fieldType)
	}

	field.Name = matches[2]

	cType := matches[1]
	// Char fields longer than one byte are treated as strings; single-byte
	// char fields are treated as integers, since many events use them as
	// bitfields whose values need not be valid text.
	if charRe.MatchString(cType) && size > 1 {
		field.PropertyType = "string"
	} else if dynArrRe.MatchString(cType) {
		// A "__data_loc" type describes a dynamic array.
		field.PropertyType = "string"
		field.IsDynamicArray = true
	} else {
		field.PropertyType = "int64"
	}

	if matches[3] != "" {
		numElems, err := strconv.ParseUint(matches[3], 10, 32)
		if err != nil {
			return FormatField{}, fmt.Errorf("unable to parse numElems for field %s. caused by: %s", field.Name, err)
		}
		if numElems == 0 {
			return FormatField{}, fmt.Errorf("field \"%s\" is a zero length array, which is not valid", fieldType)
		}
		field.NumElements = numElems
		field.ElementSize = size / numElems
	} else {
		field.NumElements = 1
		field.ElementSize = size
	}

	return field, nil
}
