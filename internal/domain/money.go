package domain

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Money хранит сумму в минимальных единицах валюты (копейки).
type Money int64

// ParseMoney разбирает десятичную строку с не более чем двумя знаками после точки.
func ParseMoney(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty amount", ErrValidation)
	}

	negative := false
	if s[0] == '-' || s[0] == '+' {
		negative = s[0] == '-'
		s = s[1:]
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("%w: amount %q has more than 2 decimal places", ErrValidation, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	if whole == "" {
		whole = "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	if units > (math.MaxInt64-cents)/100 {
		return 0, fmt.Errorf("%w: amount %q overflows", ErrValidation, s)
	}

	value := units*100 + cents
	if negative {
		value = -value
	}
	return Money(value), nil
}

// MulQuantity умножает цену на дробное количество с округлением до копейки.
func (m Money) MulQuantity(qty float64) Money {
	return Money(math.Round(float64(m) * qty))
}

// Percent возвращает p процентов от суммы с округлением.
func (m Money) Percent(p int64) Money {
	return Money(math.Round(float64(m) * float64(p) / 100))
}

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON пишет сумму числом с двумя знаками после точки.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON принимает как число, так и строку ("10.00").
func (m *Money) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	raw := string(data)
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}
	parsed, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
