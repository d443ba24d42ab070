package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/andrej220/fleetrun/internal/batch"
	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/internal/poller"
	"github.com/andrej220/fleetrun/pkg/models"
)

func execCmd() *cli.Command {
	return &cli.Command{
		Name:      "exec",
		Usage:     "Run one command on every selected host",
		ArgsUsage: "COMMAND",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			command := strings.Join(cmd.Args().Slice(), " ")
			if strings.TrimSpace(command) == "" {
				return cli.Exit("exec needs a command", 2)
			}
			return a.finish(a.run(ctx, batch.Command{Cmd: command}, cmd.StringSlice(hostFlag)))
		}),
	}
}

func execListCmd() *cli.Command {
	return &cli.Command{
		Name:      "exec-list",
		Usage:     "Run several commands in order over one session per host",
		ArgsUsage: "COMMAND [COMMAND...]",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			cmds := cmd.Args().Slice()
			if len(cmds) == 0 {
				return cli.Exit("exec-list needs at least one command", 2)
			}
			return a.finish(a.run(ctx, batch.Commands{Cmds: cmds}, cmd.StringSlice(hostFlag)))
		}),
	}
}

func interactCmd() *cli.Command {
	return &cli.Command{
		Name:      "interact",
		Usage:     "Start a command in an interactive shell and answer its prompts",
		ArgsUsage: "COMMAND",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  inputFlag,
				Usage: "Answer to the next prompt, repeatable and sent in order",
			},
			&cli.StringFlag{
				Name:  finishMatchFlag,
				Usage: "Keep reading after the last answer until the output contains this text",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			command := strings.Join(cmd.Args().Slice(), " ")
			if strings.TrimSpace(command) == "" {
				return cli.Exit("interact needs a command", 2)
			}
			op := batch.Interactive{
				Cmd:         command,
				Inputs:      cmd.StringSlice(inputFlag),
				FinishMatch: cmd.String(finishMatchFlag),
			}
			return a.finish(a.run(ctx, op, cmd.StringSlice(hostFlag)))
		}),
	}
}

func pushCmd() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Copy a local file to every selected host",
		ArgsUsage: "LOCAL REMOTE",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			if cmd.Args().Len() != 2 {
				return cli.Exit("push needs a local and a remote path", 2)
			}
			op := batch.Push{Local: cmd.Args().Get(0), Remote: cmd.Args().Get(1)}
			return a.finish(a.run(ctx, op, cmd.StringSlice(hostFlag)))
		}),
	}
}

func waitFileCmd() *cli.Command {
	return &cli.Command{
		Name:      "wait-file",
		Usage:     "Wait until a path exists on every selected host",
		ArgsUsage: "PATH",
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			path := cmd.Args().First()
			if path == "" {
				return cli.Exit("wait-file needs a path", 2)
			}
			left, err := a.waitFile(ctx, path, cmd.StringSlice(hostFlag))
			for _, t := range left {
				fmt.Fprintf(a.out, "[missing] %s %s\n", t.Endpoint(), path)
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(a.out, "%s present on all hosts\n", path)
			return nil
		}),
	}
}

// waitFile polls the selected hosts until path exists on all of them. It
// returns the hosts still missing it when the rounds run out.
func (a *app) waitFile(ctx context.Context, path string, hosts []string) ([]*models.Target, error) {
	targets, err := a.selectTargets(hosts)
	if err != nil {
		return nil, err
	}
	lg.FromContext(ctx).Info("waiting for file", lg.String("path", path), lg.Int("targets", len(targets)))
	return poller.WaitUntil(ctx, targets,
		func(ctx context.Context, t *models.Target) bool {
			return a.exec.PathExists(ctx, t, path)
		},
		poller.WithInterval(a.inv.Settings.PollInterval),
		poller.WithMaxRounds(a.inv.Settings.PollRounds),
	)
}
