// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package utils

import "cmp"

// CoalesceString returns the first non-empty string from the given
// arguments. Used to layer flag, environment, and default values.
func CoalesceString(values ...string) string {
	return cmp.Or(values...)
}
