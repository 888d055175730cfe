package candle

import (
	"sync"
)

// Series is the single per-(symbol, interval) candle sequence. One writer
// (the ingestor) appends or replaces; readers take snapshot copies. Closed
// candles keep strictly increasing T; the newest entry may be in-progress
// and is replaced in place while its bucket is still open.
type Series struct {
	mu       sync.RWMutex
	symbol   string
	interval Interval
	capacity int
	candles  []Candle
}

// NewSeries creates a series bounded to capacity bars (0 means unbounded).
func NewSeries(symbol string, interval Interval, capacity int) *Series {
	return &Series{
		symbol:   symbol,
		interval: interval,
		capacity: capacity,
	}
}

func (s *Series) Symbol() string     { return s.symbol }
func (s *Series) Interval() Interval { return s.interval }

// Upsert merges one candle into the sequence. Equal T replaces the current
// in-progress bar, greater T appends; an older T is rejected. The boolean
// reports whether the candle was accepted.
func (s *Series) Upsert(c Candle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.candles)
	if n == 0 {
		s.candles = append(s.candles, c)
		return true
	}
	last := s.candles[n-1].T
	switch {
	case c.T == last:
		s.candles[n-1] = c
		return true
	case c.T > last:
		s.candles = append(s.candles, c)
		s.trimLocked()
		return true
	default:
		return false
	}
}

// SeedFrom replaces the whole sequence with a validated history fetch.
func (s *Series) SeedFrom(candles []Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles = append(s.candles[:0], candles...)
	s.trimLocked()
}

// Snapshot returns a copy of the sequence.
func (s *Series) Snapshot() []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

// Tail returns a copy of the last n candles (all of them when n exceeds the
// length or is not positive).
func (s *Series) Tail(n int) []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.candles) {
		n = len(s.candles)
	}
	out := make([]Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

// Last returns the newest candle, which may be in-progress.
func (s *Series) Last() (Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// LastT returns the newest timestamp or 0 on an empty series.
func (s *Series) LastT() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return 0
	}
	return s.candles[len(s.candles)-1].T
}

// Len returns the number of stored candles.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

func (s *Series) trimLocked() {
	if s.capacity > 0 && len(s.candles) > s.capacity {
		drop := len(s.candles) - s.capacity
		s.candles = append(s.candles[:0], s.candles[drop:]...)
	}
}
