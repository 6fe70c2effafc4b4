package update

// State is a step of the update state machine.
type State string

const (
	StateIdle                 State = "Idle"
	StateCheckingVersions     State = "CheckingVersions"
	StateAwaitingConfirmation State = "AwaitingConfirmation"
	StateDownloading          State = "Downloading"
	StateVerifying            State = "Verifying"
	StateInstalling           State = "Installing"
	StateFinalizing           State = "Finalizing"
	StateDone                 State = "Done"
	StateFailed               State = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:                 {StateCheckingVersions, StateFailed},
	StateCheckingVersions:     {StateAwaitingConfirmation, StateDone, StateFailed},
	StateAwaitingConfirmation: {StateDownloading, StateDone, StateFailed},
	StateDownloading:          {StateVerifying, StateFailed},
	StateVerifying:            {StateInstalling, StateFailed},
	StateInstalling:           {StateFinalizing, StateFailed},
	StateFinalizing:           {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome summarises how a run ended.
type Outcome string

const (
	OutcomeUpdated         Outcome = "Updated"
	OutcomeUpToDate        Outcome = "UpToDate"
	OutcomeDeclined        Outcome = "Declined"
	OutcomeUpdateAvailable Outcome = "UpdateAvailable"
	OutcomeFailed          Outcome = "Failed"
)

// Stage labels progress reports.
type Stage string

const (
	StageCheck    Stage = "check"
	StageDownload Stage = "download"
	StageVerify   Stage = "verify"
	StageInstall  Stage = "install"
)
