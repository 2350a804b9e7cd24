// Package cli formats operator output for the admin tool.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorBold   = "\033[1m"
)

// Printer writes status lines, colored when w is a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, color: isTerminal(w)}
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

func (p *Printer) line(symbol, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if p.color {
		fmt.Fprintf(p.w, "%s%s%s %s\n", color, symbol, ColorReset, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", symbol, msg)
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	p.line("✓", ColorGreen, format, args...)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	p.line("✗", ColorRed, format, args...)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	p.line("⚠", ColorYellow, format, args...)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	p.line("ℹ", ColorBlue, format, args...)
}

// Check prints a PASS or FAIL line for a named step.
func (p *Printer) Check(name string, err error, elapsed time.Duration) {
	if err == nil {
		p.line("PASS", ColorGreen, "%s (%s)", name, FormatDuration(elapsed))
		return
	}
	p.line("FAIL", ColorRed, "%s: %v", name, err)
}

// Table prints aligned columns.
func (p *Printer) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	head := strings.Join(headers, "\t")
	if p.color {
		head = ColorBold + head + ColorReset
	}
	fmt.Fprintln(tw, head)
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// Colorize returns a colored string
func (p *Printer) Colorize(text, color string) string {
	if !p.color {
		return text
	}
	return color + text + ColorReset
}

// isTerminal checks if w is a character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fileInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// FormatDuration formats a duration for display
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// FormatBytes renders a size with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
