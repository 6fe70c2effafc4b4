package update

import (
	"relupd/internal/version"
)

// Indeterminate marks an unknown Fraction or Rate.
const Indeterminate = -1

// Progress is reported during the long-running stages.
type Progress struct {
	Stage Stage
	// Fraction is in [0,1] or Indeterminate.
	Fraction float64
	// Rate is bytes per second, or Indeterminate outside of downloading.
	Rate       float64
	BytesDone  int64
	BytesTotal int64
	// Entry is the archive member just extracted.
	Entry string
}

// Presenter is the presentation layer driven by an Updater. All methods are
// called from the goroutine running Updater.Run and must return promptly,
// except ConfirmUpdate which may block on user input.
type Presenter interface {
	OnStateChanged(state State)
	OnVersionsResolved(local, remote version.Version)
	ConfirmUpdate(local, remote version.Version) bool
	OnProgress(p Progress)
	OnCompleted(newVersion version.Version)
	OnFailed(code, detail string)
}

// NopPresenter ignores every event and answers confirmation with Approve.
type NopPresenter struct {
	Approve bool
}

func (NopPresenter) OnStateChanged(State) {}
func (NopPresenter) OnVersionsResolved(version.Version, version.Version) {}
func (n NopPresenter) ConfirmUpdate(version.Version, version.Version) bool {
	return n.Approve
}
func (NopPresenter) OnProgress(Progress) {}
func (NopPresenter) OnCompleted(version.Version) {}
func (NopPresenter) OnFailed(string, string) {}

// NonBlocking returns a progress sink that forwards to ch without ever
// blocking. Reports are dropped while ch is full.
func NonBlocking(ch chan<- Progress) func(Progress) {
	return func(p Progress) {
		select {
		case ch <- p:
		default:
		}
	}
}
