package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/andrej220/fleetrun/internal/batch"
	"github.com/andrej220/fleetrun/internal/serverutil"
	"github.com/andrej220/fleetrun/pkg/config"
	"github.com/andrej220/fleetrun/pkg/kafkautil"
	"github.com/andrej220/fleetrun/pkg/models"
)

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Queue a dispatch request on Kafka for a listening fleetrun",
		ArgsUsage: "command|commands|interactive|push ARGS...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  requestTopicFlag,
				Usage: "Topic carrying dispatch requests, overrides the inventory",
			},
			&cli.StringSliceFlag{
				Name:  inputFlag,
				Usage: "Answer to the next prompt (interactive), repeatable",
			},
			&cli.StringFlag{
				Name:  finishMatchFlag,
				Usage: "Text ending an interactive conversation",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) == 0 {
				return cli.Exit("submit needs a request kind", 2)
			}
			req := requestFromArgs(args[0], args[1:], cmd.StringSlice(hostFlag))
			req.Inputs = cmd.StringSlice(inputFlag)
			req.FinishMatch = cmd.String(finishMatchFlag)
			if err := checkSubmit(req); err != nil {
				return cli.Exit(err.Error(), 2)
			}

			store, err := openStore(cmd)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer closeStore(store)
			inv, err := config.LoadInventory(store)
			if err != nil {
				return cli.Exit(fmt.Sprintf("load inventory: %v", err), 2)
			}
			topic := inv.Kafka.RequestTopic
			if t := cmd.String(requestTopicFlag); t != "" {
				topic = t
			}

			producer, err := kafkautil.NewProducer[models.DispatchRequest](kafkautil.Config{
				Brokers: inv.Kafka.Brokers, Topic: topic,
			})
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer producer.Close()

			id, err := submit(ctx, producer, req)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Fprintf(cmd.Root().Writer, "request %s queued on %s\n", id, topic)
			return nil
		},
	}
}

type requestPublisher interface {
	Publish(ctx context.Context, key []byte, req models.DispatchRequest) error
}

// submit publishes req under a fresh request id and returns the id.
func submit(ctx context.Context, pub requestPublisher, req models.DispatchRequest) (uuid.UUID, error) {
	id := uuid.New()
	if err := pub.Publish(ctx, id[:], req); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// requestFromArgs maps positional arguments onto the request fields kind
// uses: the command line, the command list, or local and remote paths.
func requestFromArgs(kind string, args, hosts []string) models.DispatchRequest {
	req := models.DispatchRequest{Kind: kind, Hosts: hosts}
	switch kind {
	case models.KindCommand, models.KindInteractive:
		req.Command = strings.Join(args, " ")
	case models.KindCommands:
		req.Commands = args
	case models.KindPush:
		if len(args) > 0 {
			req.LocalPath = args[0]
		}
		if len(args) > 1 {
			req.RemotePath = args[1]
		}
	}
	return req
}

func checkSubmit(req models.DispatchRequest) error {
	if err := serverutil.Validate(req); err != nil {
		return err
	}
	_, err := batch.FromRequest(req)
	return err
}
