package model

// Outcome is the structured result of a lifecycle transition.
// Invalid transitions and lost races are reported here as no-ops, never as errors.
type Outcome struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// Applied is the outcome of a transition that committed.
func Applied() Outcome { return Outcome{Applied: true} }

// NoOp is the outcome of a transition that was skipped.
func NoOp(reason string) Outcome { return Outcome{Reason: reason} }
