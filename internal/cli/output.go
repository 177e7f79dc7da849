package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"options-desk/internal/batch"
	apperrors "options-desk/internal/errors"
	"options-desk/pkg/utils"
)

// Output handles formatted output for the CLI.
type Output struct {
	writer       io.Writer
	jsonMode     bool
	colorEnabled bool
}

// NewOutput creates a new Output instance. Colour follows fatih/color's
// terminal detection and is always off in JSON mode.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	return &Output{
		writer:       cmd.OutOrStdout(),
		jsonMode:     jsonMode,
		colorEnabled: !jsonMode && !color.NoColor,
	}
}

// IsJSON returns true if JSON output mode is enabled.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON outputs data as JSON.
func (o *Output) JSON(data interface{}) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// Println prints a message with newline.
func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

// Printf prints a formatted message.
func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Success prints a success message in green.
func (o *Output) Success(format string, args ...interface{}) {
	o.line(color.FgGreen, format, args...)
}

// Error prints an error message in red.
func (o *Output) Error(format string, args ...interface{}) {
	o.line(color.FgRed, format, args...)
}

// Warning prints a warning message in yellow.
func (o *Output) Warning(format string, args ...interface{}) {
	o.line(color.FgYellow, format, args...)
}

// Info prints an info message in cyan.
func (o *Output) Info(format string, args ...interface{}) {
	o.line(color.FgCyan, format, args...)
}

// Bold prints a bold message.
func (o *Output) Bold(format string, args ...interface{}) {
	o.line(color.Bold, format, args...)
}

// Dim prints a dimmed message.
func (o *Output) Dim(format string, args ...interface{}) {
	o.line(color.Faint, format, args...)
}

func (o *Output) line(attr color.Attribute, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, o.paint(attr, fmt.Sprintf(format, args...)))
}

func (o *Output) paint(attr color.Attribute, text string) string {
	if !o.colorEnabled {
		return text
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(text)
}

// Green returns green colored text.
func (o *Output) Green(text string) string { return o.paint(color.FgGreen, text) }

// Red returns red colored text.
func (o *Output) Red(text string) string { return o.paint(color.FgRed, text) }

// Yellow returns yellow colored text.
func (o *Output) Yellow(text string) string { return o.paint(color.FgYellow, text) }

// Cyan returns cyan colored text.
func (o *Output) Cyan(text string) string { return o.paint(color.FgCyan, text) }

// BoldText returns bold text.
func (o *Output) BoldText(text string) string { return o.paint(color.Bold, text) }

// DimText returns dimmed text.
func (o *Output) DimText(text string) string { return o.paint(color.Faint, text) }

// pnlAttr returns the colour for a signed amount.
func pnlAttr(v float64) color.Attribute {
	switch {
	case v > 0:
		return color.FgGreen
	case v < 0:
		return color.FgRed
	}
	return color.FgWhite
}

// FormatPnL formats P&L in dollars with sign and colour.
func (o *Output) FormatPnL(pnl float64) string {
	return o.paint(pnlAttr(pnl), utils.FormatPnL(pnl))
}

// FormatPercent formats a percentage with sign and colour.
func (o *Output) FormatPercent(pct float64) string {
	return o.paint(pnlAttr(pct), utils.FormatPercent(pct))
}

// Status colours a position or limit status.
func (o *Output) Status(status string) string {
	switch status {
	case "open", "ok":
		return o.Green(status)
	case "warning", "expired":
		return o.Yellow(status)
	case "breach", "high":
		return o.Red(status)
	case "closed", "medium":
		return o.Cyan(status)
	}
	return status
}

// reported marks an error already written by Fail.
type reported struct{ error }

func (r reported) Unwrap() error { return r.error }

// Fail reports err and returns it so RunE can propagate the exit status.
// In JSON mode the error is written as {"error": {kind, message, context}}.
func (o *Output) Fail(err error) error {
	if o.jsonMode {
		_ = o.JSON(map[string]interface{}{"error": apperrors.Describe(err)})
	} else {
		o.Error("✗ %s: %v", apperrors.KindOf(err), err)
	}
	return reported{err}
}

// PrintError writes an error returned by a command unless Fail already did.
func PrintError(cmd *cobra.Command, err error) {
	var r reported
	if apperrors.As(err, &r) {
		return
	}
	_ = NewOutput(cmd).Fail(err)
}

// printReport warns about positions a batch operation skipped.
func printReport(o *Output, r *batch.Report) {
	if r.Skipped() == 0 {
		return
	}
	o.Println()
	o.Warning("⚠ %d of %d positions skipped", r.Skipped(), r.Total)
	for _, f := range r.Failures {
		o.Printf("  %s  %s: %s\n", ShortID(f.ID), f.Kind, f.Message)
	}
}

// Table represents a simple table for output.
type Table struct {
	headers []string
	rows    [][]string
	output  *Output
}

// NewTable creates a new table.
func NewTable(output *Output, headers ...string) *Table {
	return &Table{
		headers: headers,
		rows:    make([][]string, 0),
		output:  output,
	}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render renders the table.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	// Calculate column widths
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				if n := visibleLen(cell); n > widths[i] {
					widths[i] = n
				}
			}
		}
	}

	t.printRow(t.headers, widths, true)
	t.printSeparator(widths)
	for _, row := range t.rows {
		t.printRow(row, widths, false)
	}
}

func (t *Table) printRow(cells []string, widths []int, isHeader bool) {
	var parts []string
	for i, cell := range cells {
		if i < len(widths) {
			padding := widths[i] - visibleLen(cell)
			if padding < 0 {
				padding = 0
			}
			padded := cell + strings.Repeat(" ", padding)
			if isHeader {
				padded = t.output.BoldText(padded)
			}
			parts = append(parts, padded)
		}
	}
	t.output.Println(strings.TrimRight(strings.Join(parts, "  "), " "))
}

func (t *Table) printSeparator(widths []int) {
	var parts []string
	for _, w := range widths {
		parts = append(parts, strings.Repeat("─", w))
	}
	t.output.Println(t.output.DimText(strings.Join(parts, "──")))
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	return ansi.ReplaceAllString(s, "")
}

func visibleLen(s string) int {
	return len([]rune(stripANSI(s)))
}

// Box draws a box around content.
func (o *Output) Box(title string, content []string) {
	width := visibleLen(title)
	for _, line := range content {
		if n := visibleLen(line); n > width {
			width = n
		}
	}
	border := strings.Repeat("─", width+2)

	o.Println(o.DimText("┌" + border + "┐"))
	o.Printf("%s %s%s %s\n", o.DimText("│"), o.BoldText(title), strings.Repeat(" ", width-visibleLen(title)), o.DimText("│"))
	o.Println(o.DimText("├" + border + "┤"))
	for _, line := range content {
		o.Printf("%s %s%s %s\n", o.DimText("│"), line, strings.Repeat(" ", width-visibleLen(line)), o.DimText("│"))
	}
	o.Println(o.DimText("└" + border + "┘"))
}

// KV prints an aligned label/value line.
func (o *Output) KV(label string, value interface{}) {
	o.Printf("  %-24s %v\n", label+":", value)
}
