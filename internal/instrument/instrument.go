// Package instrument handles instrument code parsing, validation, and
// sanity checks on submitted prices.
package instrument

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

// codeRegex matches: {quote}-{base}
// Example: KRW-BTC
var codeRegex = regexp.MustCompile(`^([A-Z]{3,4})-([A-Z0-9]{2,10})$`)

var (
	ErrInvalidCode     = errors.New("instrument: invalid instrument code format")
	ErrUnsupported     = errors.New("instrument: unsupported instrument code")
	ErrPriceOutOfRange = errors.New("instrument: price outside plausible range")
)

// Instrument is a parsed instrument code.
type Instrument struct {
	Code  string `json:"code"`
	Quote string `json:"quote"`
	Base  string `json:"base"`
}

// priceRange bounds the plausible price for a code. Submissions outside
// [Min/2, Max*2] are rejected before they can corrupt fills.
type priceRange struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Instruments tradable in the contest, with rough KRW price bounds used
// for order-price sanity checks.
var priceRanges = map[string]priceRange{
	"KRW-BTC":   {decimal.NewFromInt(50_000_000), decimal.NewFromInt(200_000_000)},
	"KRW-ETH":   {decimal.NewFromInt(2_000_000), decimal.NewFromInt(10_000_000)},
	"KRW-XRP":   {decimal.NewFromInt(300), decimal.NewFromInt(5_000)},
	"KRW-SOL":   {decimal.NewFromInt(50_000), decimal.NewFromInt(500_000)},
	"KRW-DOGE":  {decimal.NewFromInt(100), decimal.NewFromInt(2_000)},
	"KRW-ADA":   {decimal.NewFromInt(200), decimal.NewFromInt(3_000)},
	"KRW-AVAX":  {decimal.NewFromInt(10_000), decimal.NewFromInt(200_000)},
	"KRW-DOT":   {decimal.NewFromInt(3_000), decimal.NewFromInt(50_000)},
	"KRW-LINK":  {decimal.NewFromInt(5_000), decimal.NewFromInt(100_000)},
	"KRW-MATIC": {decimal.NewFromInt(200), decimal.NewFromInt(5_000)},
}

// Supported reports whether the code is tradable in the contest.
func Supported(code string) bool {
	_, ok := priceRanges[code]
	return ok
}

// SupportedCodes returns the tradable instrument codes.
func SupportedCodes() []string {
	codes := make([]string, 0, len(priceRanges))
	for code := range priceRanges {
		codes = append(codes, code)
	}
	return codes
}

// ParseCode parses and validates an instrument code string.
// Format: {quote}-{base}, e.g. KRW-BTC.
func ParseCode(code string) (*Instrument, error) {
	matches := codeRegex.FindStringSubmatch(code)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {quote}-{base})", ErrInvalidCode, code)
	}
	if !Supported(code) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, code)
	}
	return &Instrument{Code: code, Quote: matches[1], Base: matches[2]}, nil
}

var two = decimal.NewFromInt(2)

// ValidatePrice checks a submitted price against the code's plausible
// range, allowing half the floor and double the ceiling. Codes with no
// configured range pass unchecked.
func ValidatePrice(code string, price decimal.Decimal) error {
	r, ok := priceRanges[code]
	if !ok {
		return nil
	}
	lo := r.Min.Div(two)
	hi := r.Max.Mul(two)
	if price.LessThan(lo) || price.GreaterThan(hi) {
		return fmt.Errorf("%w: %s @ %s (allowed %s..%s)", ErrPriceOutOfRange,
			code, price.String(), lo.String(), hi.String())
	}
	return nil
}
