package indicators

import "replayGuard/internal/domain"

// MomentumStream keeps the last period+1 closes in a ring.
type MomentumStream struct {
	period int
	ring   []float64
	next   int
	count  int
}

// NewMomentumStream creates a momentum stream.
func NewMomentumStream(period int) *MomentumStream {
	return &MomentumStream{period: period, ring: make([]float64, period+1)}
}

// Update folds in the candle's close and returns the current value.
func (s *MomentumStream) Update(c domain.Candle) float64 {
	s.ring[s.next] = c.Close
	s.next = (s.next + 1) % len(s.ring)
	s.count++
	return s.Value()
}

// Value returns 0 until period+1 closes have been seen.
func (s *MomentumStream) Value() float64 {
	if !s.Ready() {
		return 0
	}
	// After a write, next points at the oldest close.
	oldest := s.ring[s.next]
	newest := s.ring[(s.next+len(s.ring)-1)%len(s.ring)]
	if oldest == 0 {
		return 0
	}
	return 100 * (newest - oldest) / oldest
}

func (s *MomentumStream) Ready() bool { return s.count > s.period }

func (s *MomentumStream) Reset() {
	s.next, s.count = 0, 0
	for i := range s.ring {
		s.ring[i] = 0
	}
}
