package model

// Outcome describes how the host application came to be running. The
// pipeline sends commands only when Running reports true.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeAlreadyRunning
	OutcomeStartedPhase1
	OutcomeStartedPhase2
)

func (o Outcome) Running() bool {
	return o != OutcomeFailed
}

// Launched reports whether the supervisor itself started the host, which
// matters for the close-after-job policy.
func (o Outcome) Launched() bool {
	return o == OutcomeStartedPhase1 || o == OutcomeStartedPhase2
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyRunning:
		return "already-running"
	case OutcomeStartedPhase1:
		return "started-phase-1"
	case OutcomeStartedPhase2:
		return "started-phase-2-after-recovery"
	default:
		return "failed"
	}
}
