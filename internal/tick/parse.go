package tick

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// ParseScaled parses a string representation of a decimal into an integer
// scaled by 10^decimals.
// Example: "1.23", decimals=6 -> 1230000
// Extra fractional digits round half away from zero; every price string in
// the process goes through here so all rounding agrees.
func ParseScaled(s string, decimals int) (int64, error) {
	if s == "" {
		return 0, errors.New("empty decimal string")
	}
	if decimals < 0 || decimals > MaxScaleDigits {
		return 0, errors.New("decimals out of range")
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, errors.New("invalid decimal format: multiple dots")
	}

	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}

	sign := int64(1)
	switch {
	case strings.HasPrefix(integerPart, "-"):
		sign = -1
		integerPart = integerPart[1:]
	case strings.HasPrefix(integerPart, "+"):
		integerPart = integerPart[1:]
	}

	var intVal int64
	if integerPart != "" {
		v, err := strconv.ParseUint(integerPart, 10, 63)
		if err != nil {
			return 0, err
		}
		intVal = int64(v)
	} else if fractionalPart == "" {
		return 0, errors.New("invalid decimal format: no digits")
	}

	roundUp := false
	if len(fractionalPart) > decimals {
		extra := fractionalPart[decimals:]
		fractionalPart = fractionalPart[:decimals]
		if extra[0] >= '5' {
			roundUp = true
		}
	} else {
		fractionalPart += strings.Repeat("0", decimals-len(fractionalPart))
	}

	var fracVal int64
	if fractionalPart != "" {
		v, err := strconv.ParseUint(fractionalPart, 10, 63)
		if err != nil {
			return 0, err
		}
		fracVal = int64(v)
	}
	if roundUp {
		fracVal++
	}

	multiplier := int64(1)
	for i := 0; i < decimals; i++ {
		multiplier *= 10
	}

	if intVal > (math.MaxInt64-fracVal)/multiplier {
		return 0, errors.New("decimal overflows int64 at this scale")
	}
	return sign * (intVal*multiplier + fracVal), nil
}
