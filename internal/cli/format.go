package cli

import (
	"fmt"
	"time"

	"options-desk/internal/models"
	"options-desk/pkg/utils"
)

// FormatPrice formats an option or stock price. Prices under a dollar keep
// four decimals.
func FormatPrice(price float64) string {
	if price != 0 && price < 1 && price > -1 {
		return fmt.Sprintf("%.4f", price)
	}
	return fmt.Sprintf("%.2f", price)
}

// FormatGreeks formats per-option Greeks on one line.
func FormatGreeks(g models.Greeks) string {
	return fmt.Sprintf("Δ: %.4f  Γ: %.4f  Θ: %.4f  ν: %.4f  ρ: %.4f", g.Delta, g.Gamma, g.Theta, g.Vega, g.Rho)
}

// FormatIV formats a volatility fraction as a percentage.
func FormatIV(iv float64) string {
	return fmt.Sprintf("%.2f%%", iv*100)
}

// FormatContracts formats a signed contract count with its side.
func FormatContracts(qty int) string {
	side := "long"
	n := qty
	if qty < 0 {
		side = "short"
		n = -qty
	}
	return fmt.Sprintf("%d %s", n, side)
}

// FormatDelta formats a share-equivalent delta.
func FormatDelta(d float64) string {
	sign := ""
	if d > 0 {
		sign = "+"
	}
	return sign + utils.FormatShares(d)
}

// FormatDate formats a date.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}

// FormatDateTime formats a datetime in UTC.
func FormatDateTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}

// ShortID returns the first eight characters of a uuid for table output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// TruncateString truncates a string to max length with ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
