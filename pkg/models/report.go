package models

import (
	"time"

	"github.com/google/uuid"
)

// FailedEntry maps a failed task back to the target and operation that
// produced it.
type FailedEntry struct {
	Target    *Target `json:"target"`
	Operation string  `json:"operation"`
	Error     string  `json:"error"`
}

// Report aggregates the outcomes of one multi-target operation.
type Report struct {
	BatchID    uuid.UUID     `json:"batchId"`
	Outcomes   []Outcome     `json:"outcomes"`
	Failed     []FailedEntry `json:"failed,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

func (r *Report) FailureCount() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Failed() {
			n++
		}
	}
	return n
}

func (r *Report) HasFailures() bool {
	return len(r.Failed) > 0
}
