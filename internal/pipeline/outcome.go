package pipeline

// OutcomeKind classifies what a stage did with one item.
type OutcomeKind string

const (
	OutcomeAdvanced OutcomeKind = "advanced" // moved to the next stage or record created
	OutcomeRejected OutcomeKind = "rejected" // classifier said no
	OutcomeDropped  OutcomeKind = "dropped"  // failed, not retried
	OutcomeSkipped  OutcomeKind = "skipped"  // already handled elsewhere
	OutcomeSent     OutcomeKind = "sent"
	OutcomeRetry    OutcomeKind = "retry" // left in place for the next tick
)

// Outcome is the per-item result a stage reports to its loop.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func outcome(kind OutcomeKind, reason string) Outcome {
	return Outcome{Kind: kind, Reason: reason}
}
