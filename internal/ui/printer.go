// Package ui renders update runs and history on a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	runewidth "github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"relupd/internal/store"
)

const detailWidth = 48

// Printer renders coloured terminal fragments used by the CLI.
type Printer struct {
	out          io.Writer
	colorEnabled bool
	success      *color.Color
	info         *color.Color
	warn         *color.Color
	error        *color.Color
	faint        *color.Color
}

// NewPrinter constructs a Printer writing to out. Colour is enabled only for
// terminals and when NO_COLOR is unset.
func NewPrinter(out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	enabled := IsTerminal(out) && os.Getenv("NO_COLOR") == ""

	p := &Printer{
		out:          out,
		colorEnabled: enabled,
		success:      color.New(color.FgGreen, color.Bold),
		info:         color.New(color.FgCyan, color.Bold),
		warn:         color.New(color.FgYellow, color.Bold),
		error:        color.New(color.FgRed, color.Bold),
		faint:        color.New(color.Faint),
	}

	if !enabled {
		p.success.DisableColor()
		p.info.DisableColor()
		p.warn.DisableColor()
		p.error.DisableColor()
		p.faint.DisableColor()
	}

	return p
}

// Success prints a line prefixed with a check mark.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintf(p.out, "%s %s\n", p.success.Sprint("✓"), fmt.Sprintf(format, args...))
}

// Info prints a highlighted informational line.
func (p *Printer) Info(format string, args ...interface{}) {
	fmt.Fprintf(p.out, "%s %s\n", p.info.Sprint("•"), fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...interface{}) {
	fmt.Fprintf(p.out, "%s %s\n", p.warn.Sprint("!"), fmt.Sprintf(format, args...))
}

// Failure prints an error line with its code.
func (p *Printer) Failure(code, detail string) {
	fmt.Fprintf(p.out, "%s %s %s\n", p.error.Sprint("✕"), p.error.Sprint(code), detail)
}

// PrintSeparator prints a repeated character separator.
func (p *Printer) PrintSeparator(char string, length int) {
	if length <= 0 {
		return
	}
	fmt.Fprintln(p.out, strings.Repeat(char, length))
}

// PrintVersions renders the installed and published versions side by side.
func (p *Printer) PrintVersions(local, remote string) {
	fmt.Fprintf(p.out, "%s %s\n", p.info.Sprint("Installed:"), local)
	fmt.Fprintf(p.out, "%s    %s\n", p.info.Sprint("Latest:"), p.warn.Sprint(remote))
}

// PrintHistory renders recorded attempts as an aligned table, newest first.
func (p *Printer) PrintHistory(attempts []store.Attempt, now time.Time) {
	if len(attempts) == 0 {
		fmt.Fprintln(p.out, p.faint.Sprint("no update attempts recorded"))
		return
	}

	rows := make([][]string, 0, len(attempts)+1)
	rows = append(rows, []string{"WHEN", "FROM", "TO", "OUTCOME", "DETAIL"})
	for _, a := range attempts {
		detail := a.Detail
		if a.ErrorCode != "" {
			detail = a.ErrorCode + ": " + detail
		}
		rows = append(rows, []string{
			humanize.RelTime(a.StartedAt, now, "ago", "from now"),
			dash(a.FromVersion),
			dash(a.ToVersion),
			a.Outcome,
			runewidth.Truncate(detail, detailWidth, "…"),
		})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	for i, row := range rows {
		cells := make([]string, len(row))
		for j, cell := range row {
			if j < len(row)-1 {
				cell = runewidth.FillRight(cell, widths[j])
			}
			cells[j] = p.colorCell(i, j, row, cell)
		}
		fmt.Fprintln(p.out, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func (p *Printer) colorCell(rowIndex, col int, row []string, cell string) string {
	if rowIndex == 0 {
		return p.faint.Sprint(cell)
	}
	if col != 3 {
		return cell
	}
	switch strings.TrimSpace(row[3]) {
	case "Updated":
		return p.success.Sprint(cell)
	case "Failed":
		return p.error.Sprint(cell)
	case "UpdateAvailable", "Declined":
		return p.warn.Sprint(cell)
	default:
		return cell
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w interface{}) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
