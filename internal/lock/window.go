package lock

import "math"

// Unbounded marks a window with no lower bound.
const Unbounded int64 = math.MinInt64

// Window is an inclusive [Start, End] range of unix seconds.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Contains reports whether t lies inside the window, bounds included.
func (w Window) Contains(t int64) bool {
	return w.Start <= t && t <= w.End
}

// Check returns ErrDeadlineExceeded when t lies outside the window.
func (w Window) Check(t int64) error {
	if !w.Contains(t) {
		return ErrDeadlineExceeded
	}
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}

func mulInt64(a, n int64) (int64, bool) {
	if a == 0 || n == 0 {
		return 0, true
	}
	c := a * n
	if c/n != a {
		return 0, false
	}
	return c, true
}
