package utils

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func NewPtr[T any](v T) *T {
	return &v
}

// UniqueSlice keeps the first occurrence of every element and drops empty strings.
func UniqueSlice[T comparable](in []T) []T {
	var zero T
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if v == zero {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// DecimalString renders an optional amount for audit values; nil when not set.
func DecimalString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func FormatMeters(m float64) string {
	return fmt.Sprintf("%.2fm", m)
}
