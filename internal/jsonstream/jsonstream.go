// Copyright 2025 The Maestro Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package jsonstream reads fields out of in-progress JSON. A streaming
// model response arrives as a growing prefix of a JSON document; Repair
// cuts the prefix back to the last complete token, closes an unterminated
// string value, and closes open containers so the result always
// unmarshals. Planners use it to watch fields stabilize mid-stream.
package jsonstream

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoValue indicates the input holds no usable JSON element yet.
var ErrNoValue = errors.New("no complete JSON value in input")

// frame states for object and array containers.
const (
	objExpectKey = iota
	objExpectColon
	objExpectValue
	objExpectComma
	arrExpectValue
	arrExpectComma
)

type frame struct {
	open  byte // '{' or '['
	state int
}

// Repair returns a valid JSON document derived from the input prefix. The
// second return is false when nothing usable has arrived yet.
func Repair(input string) (string, bool) {
	var stack []frame
	inString := false
	escaped := false
	uniRemaining := 0 // hex digits left in a \uXXXX escape
	stringCut := 0    // last offset inside the open string safe to cut at
	tokenStart := -1  // start of an in-flight number/literal token

	safe := -1        // byte offset after the last complete element
	safeClosers := "" // closers for the stack as of the safe point

	closers := func() string {
		var b strings.Builder
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].open == '{' {
				b.WriteByte('}')
			} else {
				b.WriteByte(']')
			}
		}
		return b.String()
	}

	// markValue records a completed value ending at offset end (exclusive)
	// and advances the containing frame. Object key strings advance toward
	// the colon instead; they are not a safe cut point.
	markValue := func(end int) {
		if len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.open == '{' {
				if top.state != objExpectValue {
					top.state = objExpectColon
					return
				}
				top.state = objExpectComma
			} else {
				top.state = arrExpectComma
			}
		}
		safe = end
		safeClosers = closers()
	}

	literalComplete := func(tok string) bool {
		switch tok {
		case "true", "false", "null":
			return true
		}
		var v any
		return json.Unmarshal([]byte(tok), &v) == nil
	}

	endToken := func(end int) {
		if tokenStart < 0 {
			return
		}
		tok := input[tokenStart:end]
		tokenStart = -1
		if literalComplete(tok) {
			markValue(end)
		}
	}

	for i := 0; i < len(input); i++ {
		c := input[i]

		if inString {
			switch {
			case uniRemaining > 0:
				uniRemaining--
				if uniRemaining == 0 {
					stringCut = i + 1
				}
			case escaped:
				escaped = false
				if c == 'u' {
					uniRemaining = 4
				} else {
					stringCut = i + 1
				}
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				markValue(i + 1)
			default:
				stringCut = i + 1
			}
			continue
		}

		// Separators and structural characters end an in-flight token.
		if tokenStart >= 0 && strings.IndexByte(",}] \t\r\n:", c) >= 0 {
			endToken(i)
		}

		switch c {
		case '"':
			inString = true
			escaped = false
			uniRemaining = 0
			stringCut = i + 1
		case '{':
			stack = append(stack, frame{open: '{', state: objExpectKey})
		case '[':
			stack = append(stack, frame{open: '[', state: arrExpectValue})
		case '}', ']':
			if len(stack) == 0 {
				// Malformed past this point; keep what we have.
				return finish(input, safe, safeClosers)
			}
			stack = stack[:len(stack)-1]
			markValue(i + 1)
		case ':':
			if len(stack) > 0 && stack[len(stack)-1].open == '{' {
				stack[len(stack)-1].state = objExpectValue
			}
		case ',', ' ', '\t', '\r', '\n':
		default:
			if tokenStart < 0 {
				tokenStart = i
			}
		}
	}

	// A number or literal running to EOF may already be complete.
	endToken(len(input))

	// An unterminated string in value position is kept as text so far.
	if inString && stringValuePosition(stack) && stringCut > 0 {
		return input[:stringCut] + `"` + closers(), true
	}

	return finish(input, safe, safeClosers)
}

func finish(input string, safe int, safeClosers string) (string, bool) {
	if safe < 0 {
		return "", false
	}
	return input[:safe] + safeClosers, true
}

// stringValuePosition reports whether an open string is a value rather
// than an object key.
func stringValuePosition(stack []frame) bool {
	if len(stack) == 0 {
		return true
	}
	top := stack[len(stack)-1]
	if top.open == '[' {
		return true
	}
	return top.state == objExpectValue
}

// UnmarshalPartial repairs the input and unmarshals the result into v.
func UnmarshalPartial(input string, v any) error {
	repaired, ok := Repair(input)
	if !ok {
		return ErrNoValue
	}
	return json.Unmarshal([]byte(repaired), v)
}
