package worker

import "context"

// Result is the outcome of one provider iteration.
type Result int

const (
	Success Result = iota
	Timeout
	HardFailure
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case HardFailure:
		return "hard-failure"
	default:
		return "unknown"
	}
}

// Provider is a messaging backend driven by one worker. Open and Close wrap
// the paced loop; Iterate is called once per paced iteration. Providers that
// run transactionally commit on their own schedule and roll back the
// uncommitted tail in Close.
type Provider interface {
	Open(ctx context.Context) error
	Iterate(ctx context.Context) Result
	Close(ctx context.Context) error
}
