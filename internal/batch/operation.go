// Package batch applies one operation to many targets, either strictly in
// order or fanned out over a worker pool, and aggregates the outcomes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/andrej220/fleetrun/internal/driver"
	"github.com/andrej220/fleetrun/pkg/models"
)

// Runner executes single-target operations. *executor.Executor implements it.
type Runner interface {
	RunCommand(ctx context.Context, t *models.Target, cmd string) models.Outcome
	RunCommands(ctx context.Context, t *models.Target, cmds []string) models.Outcome
	PushFile(ctx context.Context, t *models.Target, localPath, remotePath string) models.Outcome
	RunInteractive(ctx context.Context, t *models.Target, req driver.Request) models.Outcome
}

// Operation is the payload of a task.
type Operation interface {
	Run(ctx context.Context, r Runner, t *models.Target) models.Outcome
	String() string
}

type Command struct {
	Cmd string
}

func (c Command) Run(ctx context.Context, r Runner, t *models.Target) models.Outcome {
	return r.RunCommand(ctx, t, c.Cmd)
}

func (c Command) String() string { return c.Cmd }

type Commands struct {
	Cmds []string
}

func (c Commands) Run(ctx context.Context, r Runner, t *models.Target) models.Outcome {
	return r.RunCommands(ctx, t, c.Cmds)
}

func (c Commands) String() string { return strings.Join(c.Cmds, "; ") }

type Push struct {
	Local  string
	Remote string
}

func (p Push) Run(ctx context.Context, r Runner, t *models.Target) models.Outcome {
	return r.PushFile(ctx, t, p.Local, p.Remote)
}

func (p Push) String() string { return p.Local + " -> " + p.Remote }

type Interactive struct {
	Cmd         string
	Inputs      []string
	FinishMatch string
}

func (i Interactive) Run(ctx context.Context, r Runner, t *models.Target) models.Outcome {
	return r.RunInteractive(ctx, t, driver.Request{
		Command:     i.Cmd,
		Inputs:      i.Inputs,
		FinishMatch: i.FinishMatch,
	})
}

func (i Interactive) String() string { return i.Cmd }

// Assignment pairs a target with the operation to apply to it.
type Assignment struct {
	Target *models.Target
	Op     Operation
}

func (a Assignment) String() string {
	return fmt.Sprintf("%s %s", a.Target, a.Op)
}

// Same assigns op to every target, keeping the targets' order.
func Same(targets []*models.Target, op Operation) []Assignment {
	out := make([]Assignment, len(targets))
	for i, t := range targets {
		out[i] = Assignment{Target: t, Op: op}
	}
	return out
}

// PerTarget flattens a target to operation mapping, ordered by endpoint.
func PerTarget(ops map[*models.Target]Operation) []Assignment {
	out := make([]Assignment, 0, len(ops))
	for t, op := range ops {
		out = append(out, Assignment{Target: t, Op: op})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Target.Endpoint() < out[j].Target.Endpoint()
	})
	return out
}

var ErrInvalidRequest = errors.New("invalid dispatch request")

// FromRequest builds the operation a dispatch request describes.
func FromRequest(req models.DispatchRequest) (Operation, error) {
	switch req.Kind {
	case models.KindCommand:
		if req.Command == "" {
			return nil, fmt.Errorf("%w: command is empty", ErrInvalidRequest)
		}
		return Command{Cmd: req.Command}, nil
	case models.KindCommands:
		if len(req.Commands) == 0 {
			return nil, fmt.Errorf("%w: no commands", ErrInvalidRequest)
		}
		return Commands{Cmds: req.Commands}, nil
	case models.KindInteractive:
		if req.Command == "" {
			return nil, fmt.Errorf("%w: command is empty", ErrInvalidRequest)
		}
		return Interactive{Cmd: req.Command, Inputs: req.Inputs, FinishMatch: req.FinishMatch}, nil
	case models.KindPush:
		if req.LocalPath == "" || req.RemotePath == "" {
			return nil, fmt.Errorf("%w: push needs local and remote paths", ErrInvalidRequest)
		}
		return Push{Local: req.LocalPath, Remote: req.RemotePath}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
}
