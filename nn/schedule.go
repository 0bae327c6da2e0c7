package nn

import "math"

// CosineAnnealingLR decays the learning rate from a base value to a floor
// over tMax epochs following half a cosine period:
//
//	lr(e) = min + 0.5*(base-min)*(1 + cos(pi*e/tMax))
//
// Step is called once per epoch; past tMax the rate stays at the floor.
type CosineAnnealingLR struct {
	base  float64
	min   float64
	tMax  int
	epoch int
}

// NewCosineAnnealingLR creates the schedule. min is usually 0.
func NewCosineAnnealingLR(base, min float64, tMax int) *CosineAnnealingLR {
	if tMax < 1 {
		tMax = 1
	}
	return &CosineAnnealingLR{base: base, min: min, tMax: tMax}
}

// LR returns the rate for the current epoch.
func (s *CosineAnnealingLR) LR() float64 {
	e := s.epoch
	if e > s.tMax {
		e = s.tMax
	}
	cos := math.Cos(math.Pi * float64(e) / float64(s.tMax))
	return s.min + 0.5*(s.base-s.min)*(1+cos)
}

// Step advances the schedule by one epoch.
func (s *CosineAnnealingLR) Step() {
	s.epoch++
}
