package types

// Outcome is the classification of a single test execution.
type Outcome string

const (
	OutcomePass    Outcome = "PASS"
	OutcomeFail    Outcome = "FAIL"
	OutcomeTimeout Outcome = "TIMEOUT"
)

// IsValid reports whether o is one of the known outcomes.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePass, OutcomeFail, OutcomeTimeout:
		return true
	default:
		return false
	}
}

// IsFailure reports whether o counts toward the failed tally. Timeouts are
// failures too.
func (o Outcome) IsFailure() bool {
	return o == OutcomeFail || o == OutcomeTimeout
}

func (o Outcome) String() string {
	return string(o)
}

// Tally accumulates outcome counts.
type Tally struct {
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	TimedOut int `json:"timedOut"`
}

// Add counts one outcome.
func (t *Tally) Add(o Outcome) {
	switch o {
	case OutcomePass:
		t.Passed++
	case OutcomeTimeout:
		t.TimedOut++
		t.Failed++
	case OutcomeFail:
		t.Failed++
	}
}

// Completed returns the number of settled executions.
func (t Tally) Completed() int {
	return t.Passed + t.Failed
}

// Remove takes back one previously added outcome.
func (t *Tally) Remove(o Outcome) {
	switch o {
	case OutcomePass:
		t.Passed--
	case OutcomeTimeout:
		t.TimedOut--
		t.Failed--
	case OutcomeFail:
		t.Failed--
	}
}
