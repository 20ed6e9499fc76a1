// Package tick converts between exchange prices and integer tick indices.
//
// A tick index is price/tickSize rounded to the nearest integer. Everything
// downstream of the feed handlers works in tick indices so that price keys
// compare exactly; floats only reappear at the output boundary.
package tick

import (
	"fmt"
	"math"
	"strconv"
)

const (
	// MaxScaleDigits bounds the decimal scale search. 10^12 still leaves
	// plenty of int64 headroom for any real quote price.
	MaxScaleDigits = 12

	integralityTol = 1e-9
)

// Codec maps prices to tick indices for one instrument's tick size.
//
// When the tick size is an exact decimal (the common case: "0.01", "0.5",
// "1e-7"), the codec finds the smallest power of ten that makes it integral
// and does all conversion in scaled int64 arithmetic. Irregular tick sizes
// fall back to float division; Exact reports which mode is active.
type Codec struct {
	tickSize   float64
	decimals   int
	scale      int64 // 10^decimals
	scaledTick int64 // tickSize * scale, integral when exact
	exact      bool
}

// NewCodec builds a codec for tickSize. tickSize must be positive and finite.
func NewCodec(tickSize float64) (*Codec, error) {
	if !(tickSize > 0) || math.IsInf(tickSize, 0) {
		return nil, fmt.Errorf("invalid tick size %v", tickSize)
	}

	c := &Codec{tickSize: tickSize}
	scale := int64(1)
	for d := 0; d <= MaxScaleDigits; d++ {
		scaled := tickSize * float64(scale)
		rounded := math.Round(scaled)
		if rounded >= 1 && math.Abs(scaled-rounded) < integralityTol {
			c.decimals = d
			c.scale = scale
			c.scaledTick = int64(rounded)
			c.exact = true
			return c, nil
		}
		scale *= 10
	}
	return c, nil
}

// TickSize returns the tick size the codec was built for.
func (c *Codec) TickSize() float64 { return c.tickSize }

// Exact reports whether the codec runs on scaled integer arithmetic.
func (c *Codec) Exact() bool { return c.exact }

// Decimals returns the decimal scale in exact mode, 0 otherwise.
func (c *Codec) Decimals() int { return c.decimals }

// TickFromPrice converts a float price to its tick index, rounding half away
// from zero.
func (c *Codec) TickFromPrice(price float64) int64 {
	if !c.exact {
		return int64(math.Round(price / c.tickSize))
	}
	scaled := int64(math.Round(price * float64(c.scale)))
	return divRoundNearest(scaled, c.scaledTick)
}

// TickFromString converts a decimal price string to its tick index. In exact
// mode the string never touches a float, so "0.069" with tickSize 0.001 maps
// to tick 69 regardless of binary representation.
func (c *Codec) TickFromString(s string) (int64, error) {
	if !c.exact {
		price, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		return c.TickFromPrice(price), nil
	}
	scaled, err := ParseScaled(s, c.decimals)
	if err != nil {
		return 0, err
	}
	return divRoundNearest(scaled, c.scaledTick), nil
}

// Price converts a tick index back to a float price.
func (c *Codec) Price(t int64) float64 {
	if !c.exact {
		return float64(t) * c.tickSize
	}
	return float64(t*c.scaledTick) / float64(c.scale)
}

// divRoundNearest divides a by b (b > 0) rounding half away from zero.
func divRoundNearest(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	if a >= 0 {
		return (a + b/2) / b
	}
	return -((-a + b/2) / b)
}
