package indicators

import "replayGuard/internal/domain"

// RSIStream is a Wilder-smoothed RSI updated per candle close.
type RSIStream struct {
	period    int
	prevClose float64
	count     int // closes seen
	avgGain   float64
	avgLoss   float64
}

// NewRSIStream creates an RSI stream.
func NewRSIStream(period int) *RSIStream {
	return &RSIStream{period: period}
}

// Update folds in the candle's close and returns the current value.
func (s *RSIStream) Update(c domain.Candle) float64 {
	s.count++
	if s.count == 1 {
		s.prevClose = c.Close
		return s.Value()
	}
	change := c.Close - s.prevClose
	s.prevClose = c.Close
	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	p := float64(s.period)
	changes := s.count - 1
	if changes <= s.period {
		s.avgGain += gain / p
		s.avgLoss += loss / p
		return s.Value()
	}
	s.avgGain = (s.avgGain*(p-1) + gain) / p
	s.avgLoss = (s.avgLoss*(p-1) + loss) / p
	return s.Value()
}

// Value returns the RSI in [0,100]; 50 before the stream is ready.
func (s *RSIStream) Value() float64 {
	if !s.Ready() {
		return 50
	}
	if s.avgLoss == 0 {
		if s.avgGain == 0 {
			return 50
		}
		return 100
	}
	rsi := 100 - 100/(1+s.avgGain/s.avgLoss)
	if rsi > 100 {
		rsi = 100
	} else if rsi < 0 {
		rsi = 0
	}
	return rsi
}

func (s *RSIStream) Ready() bool { return s.count > s.period }

func (s *RSIStream) Reset() {
	*s = RSIStream{period: s.period}
}
