package logger

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Progress describes an indeterminate activity indicator.
type Progress interface {
	Start(message string)
	Stop(message string)
}

// SpinnerProgress renders a spinner while a step of unknown length runs.
type SpinnerProgress struct {
	mu      sync.Mutex
	output  io.Writer
	frames  []string
	index   int
	stopCh  chan struct{}
	running bool
}

// NewSpinnerProgress creates a spinner writing to output.
func NewSpinnerProgress(output io.Writer) *SpinnerProgress {
	if output == nil {
		output = io.Discard
	}

	return &SpinnerProgress{
		output: output,
		frames: []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"},
	}
}

// Start begins rendering the spinner next to message. Calling Start while the
// spinner is already running is a no-op and keeps the current message.
func (p *SpinnerProgress) Start(message string) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	stop := make(chan struct{})
	p.stopCh = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				p.mu.Lock()
				if !p.running || p.stopCh != stop {
					p.mu.Unlock()
					return
				}
				frame := p.frames[p.index%len(p.frames)]
				p.index++
				fmt.Fprintf(p.output, "\r%s %s", frame, message)
				p.mu.Unlock()
			}
		}
	}()
}

// Stop terminates the spinner and prints the final message. It is a no-op
// when the spinner is not running.
func (p *SpinnerProgress) Stop(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)

	fmt.Fprintf(p.output, "\r✓ %s\n", message)
}
