package worker

import "context"

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Task is the unit of work executed by a worker. It should return promptly
// once ctx is done.
type Task func(ctx context.Context)

// Job is queued under Key; jobs with the same key run in submission order
// relative to each other, and distinct keys are served round robin.
type Job struct {
	Type    JobType
	Key     string
	Context context.Context
	Task    Task

	done chan struct{}
}

func (job Job) finish() {
	if job.done != nil {
		close(job.done)
	}
}
