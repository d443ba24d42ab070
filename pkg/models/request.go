package models

import (
	"github.com/google/uuid"
)

const (
	KindCommand     = "command"
	KindCommands    = "commands"
	KindInteractive = "interactive"
	KindPush        = "push"
)

// DispatchRequest asks for one operation against a subset of the inventory.
// It is accepted over HTTP and Kafka.
type DispatchRequest struct {
	Kind        string   `json:"kind" validate:"required,oneof=command commands interactive push"`
	Hosts       []string `json:"hosts,omitempty" validate:"omitempty,dive,required"` // empty selects the whole inventory
	Command     string   `json:"command,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	FinishMatch string   `json:"finishMatch,omitempty"`
	LocalPath   string   `json:"localPath,omitempty"`
	RemotePath  string   `json:"remotePath,omitempty"`
}

type DispatchResponse struct {
	BatchID uuid.UUID `json:"batchId"`
}
