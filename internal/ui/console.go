package ui

import (
	stdErrors "errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/manifoldco/promptui"
	runewidth "github.com/mattn/go-runewidth"

	"relupd/internal/logger"
	"relupd/internal/update"
	"relupd/internal/version"
)

const (
	progressBuffer = 16
	barWidth       = 24
	entryWidth     = 36
)

// ConfirmFunc asks the user to approve an update.
type ConfirmFunc func(label string) (bool, error)

// Console is the terminal presenter for update runs. Progress reports are
// queued without blocking and drawn by a dedicated goroutine.
type Console struct {
	printer     *Printer
	out         io.Writer
	spinner     logger.Progress
	interactive bool
	assumeYes   bool
	confirm     ConfirmFunc

	mu       sync.Mutex
	stage    update.Stage
	lineOpen bool

	events chan update.Progress
	send   func(update.Progress)
	done   chan struct{}
	once   sync.Once
}

// ConsoleOption customises Console construction.
type ConsoleOption func(*Console)

// WithAssumeYes approves updates without prompting.
func WithAssumeYes(yes bool) ConsoleOption {
	return func(c *Console) {
		c.assumeYes = yes
	}
}

// WithInteractive overrides terminal detection.
func WithInteractive(interactive bool) ConsoleOption {
	return func(c *Console) {
		c.interactive = interactive
	}
}

// WithConfirm replaces the interactive prompt.
func WithConfirm(fn ConfirmFunc) ConsoleOption {
	return func(c *Console) {
		c.confirm = fn
	}
}

// NewConsole builds a Console writing to out and starts its render loop.
// Close must be called once the run has finished.
func NewConsole(out io.Writer, opts ...ConsoleOption) *Console {
	if out == nil {
		out = os.Stdout
	}
	c := &Console{
		printer:     NewPrinter(out),
		out:         out,
		interactive: IsTerminal(out) && IsTerminal(os.Stdin),
		confirm:     promptConfirm,
		events:      make(chan update.Progress, progressBuffer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.interactive && IsTerminal(out) {
		c.spinner = logger.NewSpinnerProgress(out)
	}
	c.send = update.NonBlocking(c.events)

	go c.render()
	return c
}

// Printer exposes the underlying printer.
func (c *Console) Printer() *Printer {
	return c.printer
}

// Close stops the render loop after draining queued reports.
func (c *Console) Close() {
	c.once.Do(func() {
		close(c.events)
		<-c.done
		c.mu.Lock()
		c.endLine()
		c.mu.Unlock()
	})
}

func (c *Console) OnStateChanged(state update.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endLine()
	switch state {
	case update.StateCheckingVersions:
		c.stage = update.StageCheck
		c.startSpinner("Checking for updates")
	case update.StateDownloading:
		c.stage = update.StageDownload
		c.printer.Info("Downloading release archive")
	case update.StateVerifying:
		c.stage = update.StageVerify
		c.startSpinner("Verifying checksum")
	case update.StateInstalling:
		c.stopSpinner("Checksum verified")
		c.stage = update.StageInstall
		c.printer.Info("Installing files")
	case update.StateFinalizing:
		c.stage = ""
	case update.StateDone, update.StateFailed:
		c.stage = ""
		c.stopSpinner("Finished")
	}
}

func (c *Console) OnVersionsResolved(local, remote version.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopSpinner("Release index fetched")
	c.printer.PrintVersions(local.String(), remote.String())
	if !remote.GreaterThan(local) {
		c.printer.Success("Already up to date")
	}
}

func (c *Console) ConfirmUpdate(local, remote version.Version) bool {
	if c.assumeYes {
		return true
	}
	if !c.interactive {
		c.mu.Lock()
		c.printer.Warn("Update to %s available; rerun with --yes to install non-interactively", remote.Core())
		c.mu.Unlock()
		return false
	}

	ok, err := c.confirm(fmt.Sprintf("Update from %s to %s", local.Core(), remote.Core()))
	if err != nil && !stdErrors.Is(err, promptui.ErrAbort) {
		c.mu.Lock()
		c.printer.Warn("Confirmation failed: %v", err)
		c.mu.Unlock()
	}
	return ok && err == nil
}

// OnProgress queues p for drawing. It never blocks.
func (c *Console) OnProgress(p update.Progress) {
	if !c.interactive {
		return
	}
	c.send(p)
}

func (c *Console) OnCompleted(v version.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endLine()
	c.printer.Success("Updated to %s", v.Core())
}

func (c *Console) OnFailed(code, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.endLine()
	c.stopSpinner("Stopped")
	c.printer.Failure(code, detail)
}

func (c *Console) render() {
	defer close(c.done)
	for p := range c.events {
		c.mu.Lock()
		if p.Stage == c.stage {
			c.draw(p)
		}
		c.mu.Unlock()
	}
}

// draw rewrites the current progress line. Callers hold c.mu.
func (c *Console) draw(p update.Progress) {
	var line string
	switch p.Stage {
	case update.StageDownload:
		line = downloadLine(p)
	case update.StageInstall:
		line = fmt.Sprintf("%s %s", bar(p.Fraction), runewidth.Truncate(p.Entry, entryWidth, "…"))
	default:
		return
	}
	fmt.Fprintf(c.out, "\r%s", runewidth.FillRight(line, barWidth+entryWidth+24))
	c.lineOpen = true
}

func (c *Console) endLine() {
	if c.lineOpen {
		fmt.Fprintln(c.out)
		c.lineOpen = false
	}
}

func (c *Console) startSpinner(msg string) {
	if c.spinner != nil {
		c.spinner.Start(msg)
	}
}

func (c *Console) stopSpinner(msg string) {
	if c.spinner != nil {
		c.spinner.Stop(msg)
	}
}

func downloadLine(p update.Progress) string {
	done := humanize.Bytes(uint64(p.BytesDone))
	rate := ""
	if p.Rate >= 0 {
		rate = fmt.Sprintf(" (%s/s)", humanize.Bytes(uint64(p.Rate)))
	}
	if p.Fraction == update.Indeterminate || p.BytesTotal <= 0 {
		return fmt.Sprintf("%s of unknown size%s", done, rate)
	}
	return fmt.Sprintf("%s %s / %s%s", bar(p.Fraction), done, humanize.Bytes(uint64(p.BytesTotal)), rate)
}

func bar(fraction float64) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * barWidth)
	out := make([]rune, 0, barWidth+8)
	out = append(out, '[')
	for i := 0; i < barWidth; i++ {
		if i < filled {
			out = append(out, '#')
		} else {
			out = append(out, '.')
		}
	}
	out = append(out, ']')
	return fmt.Sprintf("%s %3.0f%%", string(out), fraction*100)
}

func promptConfirm(label string) (bool, error) {
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		return false, err
	}
	return true, nil
}
