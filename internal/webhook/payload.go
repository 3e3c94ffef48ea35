package webhook

import "github.com/spigell/resume-worker/internal/analysis"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// unknownError is sent when a failure carries no message.
const unknownError = "Unknown error"

// Payload is the body posted to the backend for one job outcome.
// Exactly one of Result and Error is set.
type Payload struct {
	JobID  string           `json:"jobId"`
	Status string           `json:"status"`
	Result *analysis.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Success builds the payload for a completed analysis. The result is copied.
func Success(jobID string, result analysis.Result) Payload {
	return Payload{
		JobID:  jobID,
		Status: StatusSuccess,
		Result: &result,
	}
}

func Failure(jobID string, err error) Payload {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = unknownError
	}

	return Payload{
		JobID:  jobID,
		Status: StatusFailed,
		Error:  msg,
	}
}
