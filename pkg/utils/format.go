// Package utils provides shared utility functions.
package utils

import (
	"fmt"
	"math"
	"strings"
)

// FormatUSD formats an amount as dollars with thousands separators.
func FormatUSD(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.Split(str, ".")

	result := "$" + groupThousands(parts[0]) + "." + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FormatPercent formats a percentage with sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatPnL formats P&L with an explicit sign.
func FormatPnL(pnl float64) string {
	formatted := FormatUSD(pnl)
	if pnl > 0 {
		return "+" + formatted
	}
	return formatted
}

// FormatShares formats a share count with thousands separators.
func FormatShares(qty float64) string {
	sign := ""
	if qty < 0 {
		sign = "-"
	}
	whole := fmt.Sprintf("%.0f", math.Abs(qty))
	return sign + groupThousands(whole)
}

// FormatRatio formats a ratio, printing infinity as "inf".
func FormatRatio(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}

// FormatCompact formats a number in compact form (K/M).
func FormatCompact(amount float64) string {
	abs := math.Abs(amount)

	switch {
	case abs >= 1_000_000:
		return fmt.Sprintf("$%.2fM", amount/1_000_000)
	case abs >= 10_000:
		return fmt.Sprintf("$%.1fK", amount/1_000)
	}
	return FormatUSD(amount)
}
