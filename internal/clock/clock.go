// Package clock supplies wall-clock milliseconds for chunk timestamps and
// progress timings. Kept as a single indirection so tests can stub it.
package clock

import "time"

// NowMs returns the current wall-clock time in milliseconds.
var NowMs = func() float64 {
	return float64(time.Now().UnixNano()) / 1e6
}
