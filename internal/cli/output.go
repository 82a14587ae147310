// Package cli renders command output for operators: colored status lines,
// harness reports and validation results.
package cli

import (
	"fmt"
	"io"
	"os"
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

// Printer writes status lines, colored when the destination is a terminal.
type Printer struct {
	w     io.Writer
	color bool
}

// NewPrinter returns a printer for w. Color is enabled only when w is a
// character device.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, color: isTerminal(w)}
}

// Colorize returns text wrapped in color when enabled.
func (p *Printer) Colorize(text, color string) string {
	if !p.color {
		return text
	}
	return color + text + ColorReset
}

// Success prints a success line.
func (p *Printer) Success(format string, args ...any) {
	p.line("✓", ColorGreen, format, args...)
}

// Error prints a failure line.
func (p *Printer) Error(format string, args ...any) {
	p.line("✗", ColorRed, format, args...)
}

// Warning prints a warning line.
func (p *Printer) Warning(format string, args ...any) {
	p.line("⚠", ColorYellow, format, args...)
}

// Info prints an informational line.
func (p *Printer) Info(format string, args ...any) {
	p.line("ℹ", ColorBlue, format, args...)
}

func (p *Printer) line(mark, color, format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", p.Colorize(mark, color), fmt.Sprintf(format, args...))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return "<1ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}
