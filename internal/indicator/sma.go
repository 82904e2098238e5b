// Package indicator holds the price-series math the trailing engine needs.
package indicator

// SMA calculates a Simple Moving Average over a rolling window of prices.
// Uses a preallocated circular buffer for a zero-allocation hot path.
type SMA struct {
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates an SMA with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

// Observe feeds one price into the window.
func (s *SMA) Observe(price float64) {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = price
	s.sum += price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	} else {
		s.current = s.sum / float64(s.count)
	}
}

// Value returns the current average. Before the window fills it is the
// average of the values seen so far.
func (s *SMA) Value() float64 { return s.current }

// Ready reports whether a full window has been observed.
func (s *SMA) Ready() bool { return s.count >= s.period }

// Reset clears the window for reuse.
func (s *SMA) Reset() {
	s.idx = 0
	s.count = 0
	s.sum = 0
	s.current = 0
	for i := range s.buf {
		s.buf[i] = 0
	}
}
