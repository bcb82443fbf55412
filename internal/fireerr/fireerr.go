/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Fireworks Collaboration Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fireerr defines the error taxonomy shared by the Git drivers,
// the custom transport and the task registry.
package fireerr

import (
	"errors"
	"fmt"
)

// Category classifies an error for retry policy and metric labelling.
type Category string

const (
	Network  Category = "network"
	Tls      Category = "tls"
	Auth     Category = "auth"
	Protocol Category = "protocol"
	Cancel   Category = "cancel"
	Verify   Category = "verify"
	Internal Category = "internal"
)

// Retriable reports whether the retry policy applies to this category.
func (c Category) Retriable() bool {
	switch c {
	case Network, Tls:
		return true
	default:
		return false
	}
}

// Error wraps an underlying cause with a category so callers can classify
// a failure without string-matching the message.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category. Returns nil if err is nil.
func New(category Category, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

// Wrap is like New but formats a message around err, matching the
// teacher's fmt.Errorf("...: %w") idiom.
func Wrap(category Category, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Err: fmt.Errorf(format+": %w", append(args, err)...)}
}

// CategoryOf extracts the category from err, defaulting to Internal when
// err was never classified.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	if err == nil {
		return ""
	}
	return Internal
}

// ErrCanceled is the sentinel returned (wrapped with Cancel) when a
// cooperative cancellation token was observed.
var ErrCanceled = errors.New("operation canceled")
