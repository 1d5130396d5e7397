// Package fixed implements the Q7.8 saturating scalar shared by the genome
// codec, the network evaluator and the games.
package fixed

import (
	"fmt"
	"math"
)

// FracBits is the number of fractional bits in a Q value.
const FracBits = 8

const (
	one    = 1 << FracBits
	maxRaw = math.MaxInt16
	minRaw = math.MinInt16
)

// Q is a signed 16-bit fixed-point value with FracBits fractional bits.
type Q int16

const (
	Zero Q = 0
	One  Q = one
	Max  Q = maxRaw
	Min  Q = minRaw
)

// FromRaw wraps a raw register value.
func FromRaw(raw int16) Q { return Q(raw) }

// FromInt converts an integer, saturating at the representable range.
func FromInt(v int) Q {
	return Saturate(int64(v) << FracBits)
}

// FromFloat rounds to the nearest representable value. ok is false when v
// lies outside [Min, Max]; the returned value is then saturated.
func FromFloat(v float64) (Q, bool) {
	if math.IsNaN(v) {
		return Zero, false
	}
	scaled := math.Round(v * one)
	if scaled > maxRaw {
		return Max, false
	}
	if scaled < minRaw {
		return Min, false
	}
	return Q(int16(scaled)), true
}

// Saturate clamps a wide intermediate into Q.
func Saturate(raw int64) Q {
	if raw > maxRaw {
		return Max
	}
	if raw < minRaw {
		return Min
	}
	return Q(raw)
}

func (q Q) Raw() int16 { return int16(q) }

func (q Q) Float() float64 { return float64(q) / one }

// Floor returns the integer part rounded toward negative infinity.
func (q Q) Floor() int { return int(q) >> FracBits }

// Round returns the nearest integer, halves rounded up.
func (q Q) Round() int { return (int(q) + one/2) >> FracBits }

func (q Q) Add(o Q) Q { return Saturate(int64(q) + int64(o)) }

func (q Q) Sub(o Q) Q { return Saturate(int64(q) - int64(o)) }

// Mul multiplies with a wide intermediate; the product is truncated toward
// negative infinity like an arithmetic shift in hardware.
func (q Q) Mul(o Q) Q { return Saturate((int64(q) * int64(o)) >> FracBits) }

func (q Q) Neg() Q { return Saturate(-int64(q)) }

func (q Q) Abs() Q {
	if q < 0 {
		return q.Neg()
	}
	return q
}

// Clamp limits q to [lo, hi].
func (q Q) Clamp(lo, hi Q) Q {
	if q < lo {
		return lo
	}
	if q > hi {
		return hi
	}
	return q
}

func (q Q) String() string {
	return fmt.Sprintf("%.4f", q.Float())
}

// Acc is a wide multiply-accumulate register. Products are kept at 2*FracBits
// fractional bits until Result narrows them back to Q.
type Acc struct {
	sum int64
}

// NewAcc starts an accumulator preloaded with a bias term.
func NewAcc(bias Q) Acc {
	return Acc{sum: int64(bias) << FracBits}
}

// MAC adds w*x to the accumulator.
func (a *Acc) MAC(w, x Q) {
	a.sum += int64(w) * int64(x)
}

// Result narrows the accumulator into Q, saturating instead of wrapping.
func (a Acc) Result() Q {
	return Saturate(a.sum >> FracBits)
}
