package candle

import (
	"fmt"
	"time"
)

// Interval is a closed enumeration of candle timeframes.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

const (
	minuteMs = int64(60 * 1000)
	hourMs   = 60 * minuteMs
	dayMs    = 24 * hourMs
)

// intervalMillis maps every interval to its canonical duration. A month is
// 30 days; the whole system must use the same conversion.
var intervalMillis = map[Interval]int64{
	Interval1m:  minuteMs,
	Interval3m:  3 * minuteMs,
	Interval5m:  5 * minuteMs,
	Interval15m: 15 * minuteMs,
	Interval30m: 30 * minuteMs,
	Interval1h:  hourMs,
	Interval2h:  2 * hourMs,
	Interval4h:  4 * hourMs,
	Interval8h:  8 * hourMs,
	Interval12h: 12 * hourMs,
	Interval1d:  dayMs,
	Interval3d:  3 * dayMs,
	Interval1w:  7 * dayMs,
	Interval1M:  30 * dayMs,
}

// ParseInterval validates a timeframe string.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalMillis[iv]; !ok {
		return "", fmt.Errorf("unknown candle interval %q", s)
	}
	return iv, nil
}

// Millis returns the canonical duration in milliseconds. Unknown intervals
// return 0; callers that accept external input go through ParseInterval.
func (iv Interval) Millis() int64 {
	return intervalMillis[iv]
}

// Duration returns the canonical time.Duration.
func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Millis()) * time.Millisecond
}

// Valid reports whether the interval is a member of the enumeration.
func (iv Interval) Valid() bool {
	_, ok := intervalMillis[iv]
	return ok
}

func (iv Interval) String() string { return string(iv) }
