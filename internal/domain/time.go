package domain

import (
	"math"
	"time"
)

// TimeFromTS converts a UTC unix timestamp in seconds to a time with
// microsecond precision.
func TimeFromTS(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	usec := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
}
