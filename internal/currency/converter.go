// Package currency converts amounts between supported currencies. Every
// conversion is anchored to a single base currency, which is also the
// currency all transactions are stored in.
package currency

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnsupportedCurrency = errors.New("unsupported currency")

// Scale is the number of decimal places kept on stored and converted amounts.
const Scale = 2

var symbols = map[string]string{
	"USD": "$",
	"KES": "KSh",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"NGN": "₦",
	"ZAR": "R",
	"GHS": "₵",
}

// Currencies that drop the fractional part once the amount reaches
// wholeUnitThreshold.
var wholeUnitCurrencies = map[string]bool{"KES": true, "NGN": true, "JPY": true}

var wholeUnitThreshold = decimal.NewFromInt(1000)

// Converter is immutable after construction and safe for concurrent use.
type Converter struct {
	base            string
	fallbackDisplay string
	// rates holds units of currency per one unit of base.
	rates map[string]decimal.Decimal
}

// NewConverter validates the rate table. The base currency must be present
// with a rate of exactly 1 and every rate must be positive.
func NewConverter(base string, rates map[string]decimal.Decimal, fallbackDisplay string) (*Converter, error) {
	base = normalize(base)
	table := make(map[string]decimal.Decimal, len(rates))
	for code, rate := range rates {
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive, got %s", code, rate)
		}
		table[normalize(code)] = rate
	}
	baseRate, ok := table[base]
	if !ok {
		table[base] = decimal.NewFromInt(1)
	} else if !baseRate.Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("base currency %s must have rate 1, got %s", base, baseRate)
	}

	fallbackDisplay = normalize(fallbackDisplay)
	if fallbackDisplay == "" {
		fallbackDisplay = base
	}
	if _, ok := table[fallbackDisplay]; !ok {
		return nil, fmt.Errorf("display fallback %s: %w", fallbackDisplay, ErrUnsupportedCurrency)
	}

	return &Converter{base: base, fallbackDisplay: fallbackDisplay, rates: table}, nil
}

func (c *Converter) Base() string { return c.base }

func (c *Converter) FallbackDisplay() string { return c.fallbackDisplay }

func (c *Converter) IsSupported(code string) bool {
	_, ok := c.rates[normalize(code)]
	return ok
}

// Supported returns the supported codes sorted alphabetically.
func (c *Converter) Supported() []string {
	codes := make([]string, 0, len(c.rates))
	for code := range c.rates {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (c *Converter) baseRate(code string) (decimal.Decimal, error) {
	rate, ok := c.rates[normalize(code)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, code)
	}
	return rate, nil
}

// Rate returns how many units of to one unit of from buys. The pair is always
// routed through base, so the table only holds one rate per currency.
func (c *Converter) Rate(from, to string) (decimal.Decimal, error) {
	fromRate, err := c.baseRate(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := c.baseRate(to)
	if err != nil {
		return decimal.Zero, err
	}
	if normalize(from) == normalize(to) {
		return decimal.NewFromInt(1), nil
	}
	return toRate.Div(fromRate), nil
}

// Convert rounds once, on the final result.
func (c *Converter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	fromRate, err := c.baseRate(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := c.baseRate(to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(toRate).Div(fromRate).Round(Scale), nil
}

func (c *Converter) ToBase(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	return c.Convert(amount, currency, c.base)
}

func (c *Converter) FromBase(baseAmount decimal.Decimal, currency string) (decimal.Decimal, error) {
	return c.Convert(baseAmount, c.base, currency)
}

// DisplayAmount converts a stored base amount for display, using the
// configured fallback when preferred is empty.
func (c *Converter) DisplayAmount(baseAmount decimal.Decimal, preferred string) (decimal.Decimal, string, error) {
	code := normalize(preferred)
	if code == "" {
		code = c.fallbackDisplay
	}
	amount, err := c.FromBase(baseAmount, code)
	if err != nil {
		return decimal.Zero, "", err
	}
	return amount, code, nil
}

// Format renders amount for people. It never feeds back into stored values.
func (c *Converter) Format(amount decimal.Decimal, currency string) string {
	return Format(amount, currency)
}

// Format is the converter-independent formatter used by Converter.Format.
func Format(amount decimal.Decimal, currency string) string {
	code := normalize(currency)
	symbol, ok := symbols[code]
	if !ok {
		symbol = code
	}

	places := int32(Scale)
	if wholeUnitCurrencies[code] && amount.Abs().GreaterThanOrEqual(wholeUnitThreshold) {
		places = 0
	}
	return symbol + " " + groupThousands(amount.StringFixed(places))
}

func groupThousands(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	if len(intPart) <= 3 {
		return sign + intPart + frac
	}

	var b strings.Builder
	lead := len(intPart) % 3
	if lead > 0 {
		b.WriteString(intPart[:lead])
	}
	for i := lead; i < len(intPart); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(intPart[i : i+3])
	}
	return sign + b.String() + frac
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
