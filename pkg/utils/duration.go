// Copyright The CareBridge Authors and each contributor to CareBridge.
// SPDX-License-Identifier: MIT

package utils

import "time"

// WholeMinutesBetween returns the elapsed time between start and end rounded
// to whole minutes. A negative interval (end before start) yields 0 so that
// clock skew between event sources can never produce a negative duration.
func WholeMinutesBetween(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Round(time.Minute) / time.Minute)
}
