// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package utils

import "time"

// Ptr returns a pointer to v. Useful for optional struct fields.
func Ptr[T any](v T) *T {
	return &v
}

// Deref returns the value p points to, or T's zero value when p is nil.
func Deref[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// Typed aliases kept for readability at call sites.

func StringPtr(s string) *string { return Ptr(s) }

func IntPtr(i int) *int { return Ptr(i) }

func IntValue(i *int) int { return Deref(i) }

func TimePtr(t time.Time) *time.Time { return Ptr(t) }

func TimeValue(t *time.Time) time.Time { return Deref(t) }
