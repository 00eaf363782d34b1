package utils

import "github.com/shopspring/decimal"

func NewTrue() *bool {
	b := true
	return &b
}

// DereferencePtr returns *ptr, or the first default (zero value if none) for nil.
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	var zero T
	if len(defaults) > 0 {
		return defaults[0]
	}
	return zero
}

// FormatDecimalPtr renders a tolerance bound; "-" means unbounded.
func FormatDecimalPtr(d *decimal.Decimal) string {
	if d == nil {
		return "-"
	}
	return d.String()
}
