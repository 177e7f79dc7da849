package cli

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"options-desk/internal/models"
)

// FormatContracts keeps the magnitude and names the side.
func TestPropertyContractFormatting(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("FormatContracts round trips the signed count", prop.ForAll(
		func(qty int) bool {
			formatted := FormatContracts(qty)
			parts := strings.Fields(formatted)
			if len(parts) != 2 {
				t.Logf("Expected two fields for %d, got %q", qty, formatted)
				return false
			}
			n, err := strconv.Atoi(parts[0])
			if err != nil || n < 0 {
				return false
			}
			switch parts[1] {
			case "short":
				return -n == qty
			case "long":
				return n == qty
			}
			return false
		},
		gen.IntRange(-10000, 10000),
	))

	properties.Property("FormatPrice keeps two or four decimals", prop.ForAll(
		func(price float64) bool {
			formatted := FormatPrice(price)
			parts := strings.Split(formatted, ".")
			if len(parts) != 2 {
				return false
			}
			want := 2
			if price != 0 && price > -1 && price < 1 {
				want = 4
			}
			if len(parts[1]) != want {
				t.Logf("FormatPrice(%f) = %s, want %d decimals", price, formatted, want)
				return false
			}
			return true
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("FormatIV ends with a percent sign", prop.ForAll(
		func(iv float64) bool {
			formatted := FormatIV(iv)
			if !strings.HasSuffix(formatted, "%") {
				return false
			}
			parsed, err := strconv.ParseFloat(strings.TrimSuffix(formatted, "%"), 64)
			return err == nil && parsed >= 0 && parsed-iv*100 < 0.006 && iv*100-parsed < 0.006
		},
		gen.Float64Range(0, 5),
	))

	properties.Property("TruncateString never exceeds maxLen", prop.ForAll(
		func(s string, maxLen int) bool {
			out := TruncateString(s, maxLen)
			if len(s) <= maxLen {
				return out == s
			}
			if len(out) != maxLen {
				t.Logf("TruncateString(%q, %d) = %q", s, maxLen, out)
				return false
			}
			return maxLen <= 3 || strings.HasSuffix(out, "...")
		},
		gen.AlphaString(),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestFormatDeltaExamples(t *testing.T) {
	testCases := []struct {
		delta    float64
		expected string
	}{
		{0, "0"},
		{714.364, "+714"},
		{-714.364, "-714"},
		{1500, "+1,500"},
		{-25000, "-25,000"},
	}

	for _, tc := range testCases {
		t.Run(tc.expected, func(t *testing.T) {
			if got := FormatDelta(tc.delta); got != tc.expected {
				t.Errorf("FormatDelta(%f) = %s, want %s", tc.delta, got, tc.expected)
			}
		})
	}
}

func TestFormatExamples(t *testing.T) {
	if got := FormatPrice(7.583412); got != "7.58" {
		t.Errorf("FormatPrice = %s", got)
	}
	if got := FormatPrice(0.0412); got != "0.0412" {
		t.Errorf("FormatPrice = %s", got)
	}
	if got := FormatContracts(-10); got != "10 short" {
		t.Errorf("FormatContracts = %s", got)
	}
	if got := FormatDate(time.Time{}); got != "-" {
		t.Errorf("FormatDate(zero) = %s", got)
	}
	if got := FormatDate(time.Date(2026, 2, 20, 16, 0, 0, 0, time.UTC)); got != "2026-02-20" {
		t.Errorf("FormatDate = %s", got)
	}
	if got := ShortID("0f8fad5b-d9cb-469f-a165-70867728950e"); got != "0f8fad5b" {
		t.Errorf("ShortID = %s", got)
	}
	if got := FormatDuration(90 * time.Second); got != "1m 30s" {
		t.Errorf("FormatDuration = %s", got)
	}
	g := models.Greeks{Delta: 0.7144, Gamma: 0.0316}
	if got := FormatGreeks(g); !strings.HasPrefix(got, "Δ: 0.7144  Γ: 0.0316") {
		t.Errorf("FormatGreeks = %s", got)
	}
}

func TestStripANSI(t *testing.T) {
	if got := visibleLen("\x1b[32m+$1,250.00\x1b[0m"); got != 10 {
		t.Errorf("visibleLen = %d, want 10", got)
	}
}
