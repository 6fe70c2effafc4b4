package downloader

import "time"

// Indeterminate marks a Fraction or Rate that cannot be computed.
const Indeterminate = -1

// Progress is a snapshot of a running transfer.
type Progress struct {
	BytesDone  int64
	BytesTotal int64 // -1 when the server sent no length
	// Fraction is in [0,1], or Indeterminate when BytesTotal is unknown.
	Fraction float64
	// Rate is bytes per second since the transfer started.
	Rate float64
	Done bool
}

// ProgressFunc receives transfer snapshots. It runs on the downloading
// goroutine and must return promptly.
type ProgressFunc func(Progress)

// TransferState tracks one transfer. It lives only for the duration of a
// single Download call.
type TransferState struct {
	BytesTransferred int64
	TotalBytes       int64
	StartTime        time.Time

	lastEmit time.Time
}

func newTransferState(total int64, now time.Time) *TransferState {
	if total <= 0 {
		total = -1
	}
	return &TransferState{TotalBytes: total, StartTime: now}
}

func (s *TransferState) snapshot(now time.Time, done bool) Progress {
	p := Progress{
		BytesDone:  s.BytesTransferred,
		BytesTotal: s.TotalBytes,
		Fraction:   Indeterminate,
		Done:       done,
	}
	if s.TotalBytes > 0 {
		p.Fraction = float64(s.BytesTransferred) / float64(s.TotalBytes)
		if p.Fraction > 1 {
			p.Fraction = 1
		}
	}
	if elapsed := now.Sub(s.StartTime).Seconds(); elapsed > 0 {
		p.Rate = float64(s.BytesTransferred) / elapsed
	}
	return p
}

// due reports whether an intermediate emission is allowed at now.
func (s *TransferState) due(now time.Time, interval time.Duration) bool {
	if s.lastEmit.IsZero() || now.Sub(s.lastEmit) >= interval {
		s.lastEmit = now
		return true
	}
	return false
}
