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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "doing something")
//	}
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsNotFound reports whether err is a NotFoundError anywhere in its tree.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAlreadyExists reports whether err is an AlreadyExistsError anywhere in
// its tree.
func IsAlreadyExists(err error) bool {
	var ae *AlreadyExistsError
	return errors.As(err, &ae)
}

// IsRecoverable reports whether err can be degraded to a plain-text response
// rather than failing the request.
func IsRecoverable(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Recoverable()
}

// AsParse extracts a ParseError from err's tree, if present.
func AsParse(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// AsProvider extracts a ProviderError from err's tree, if present.
func AsProvider(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// UserMessage derives the single human-readable message for any error in the
// taxonomy. Recoverable parse errors are handled upstream and never reach
// this path.
func UserMessage(err error) string {
	if pe, ok := AsProvider(err); ok {
		return pe.UserMessage()
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return fmt.Sprintf("The requested %s could not be found.", nf.Resource)
	}
	return "Something went wrong while handling your message."
}
