package models

import (
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Outcome is the immutable result of one task.
type Outcome struct {
	TaskID  uint64        `json:"taskId"`
	Target  *Target       `json:"target"`
	Status  Status        `json:"status"`
	Output  string        `json:"output,omitempty"`
	Outputs []string      `json:"outputs,omitempty"`
	Error   string        `json:"error,omitempty"`
	Partial []string      `json:"partial,omitempty"` // outputs gathered before a command list failed
	Elapsed time.Duration `json:"elapsed"`
}

func (o Outcome) Succeeded() bool { return o.Status == StatusSuccess }
func (o Outcome) Failed() bool    { return o.Status == StatusFailure }

// Payload returns the success output or the failure description.
func (o Outcome) Payload() string {
	if o.Failed() {
		return o.Error
	}
	return o.Output
}

func Succeeded(taskID uint64, t *Target, output string) Outcome {
	return Outcome{TaskID: taskID, Target: t, Status: StatusSuccess, Output: output}
}

// Failed builds a failure outcome. A nil err still yields a non-empty message.
func Failed(taskID uint64, t *Target, err error) Outcome {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Outcome{TaskID: taskID, Target: t, Status: StatusFailure, Error: msg}
}
