package worker

// State is the progress of one job inside the consumer.
type State string

const (
	StateReceived         State = "received"
	StateAnalyzing        State = "analyzing"
	StateNotifyingSuccess State = "notifying-success"
	StateCompleted        State = "completed"
	StateAnalysisFailed   State = "analysis-failed"
	StateNotifyingFailure State = "notifying-failure"
	StateFailed           State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Transition struct {
	From State
	To   State
}

var ValidTransitions = []Transition{
	{From: StateReceived, To: StateAnalyzing},
	{From: StateReceived, To: StateAnalysisFailed},
	{From: StateAnalyzing, To: StateNotifyingSuccess},
	{From: StateAnalyzing, To: StateAnalysisFailed},
	{From: StateNotifyingSuccess, To: StateCompleted},
	{From: StateAnalysisFailed, To: StateNotifyingFailure},
	{From: StateNotifyingFailure, To: StateFailed},
}

func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
