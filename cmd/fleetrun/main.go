// Package main is the fleetrun operator CLI: it runs one operation against
// the inventory, either once from the command line or on requests arriving
// over HTTP or Kafka.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const serviceName = "fleetrun"

const (
	inventoryFlag      = "inventory"
	storeFlag          = "store"
	mongoURIFlag       = "mongo-uri"
	mongoDBFlag        = "mongo-db"
	mongoCollFlag      = "mongo-collection"
	mongoIDFlag        = "mongo-id"
	debugFlag          = "debug"
	logFormatFlag      = "log-format"
	workersFlag        = "workers"
	sequentialFlag     = "sequential"
	reportFlag         = "report"
	postProcessFlag    = "post-process"
	hostFlag           = "host"
	inputFlag          = "input"
	finishMatchFlag    = "finish-match"
	portFlag           = "port"
	requestTopicFlag   = "request-topic"
	resultTopicFlag    = "result-topic"
	defaultInventory   = "inventory.yaml"
	defaultMongoColl   = "inventories"
	defaultMongoDBName = "fleetrun"
)

func newRootCmd() *cli.Command {
	return &cli.Command{
		Name:      serviceName,
		Usage:     "run commands, scripted shells and file pushes across an SSH fleet",
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Description: `fleetrun applies one operation to every selected host of an inventory.
Hosts are handled in parallel on a bounded worker pool unless --sequential is
given. A host that fails never stops the others; the run exits non-zero when
any host failed.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      inventoryFlag,
				Aliases:   []string{"i"},
				Usage:     "Inventory YAML file (file store)",
				Value:     defaultInventory,
				TakesFile: true,
				Sources:   cli.EnvVars("FLEETRUN_INVENTORY"),
			},
			&cli.StringFlag{
				Name:  storeFlag,
				Usage: "Inventory store: file or mongo",
				Value: "file",
			},
			&cli.StringFlag{
				Name:    mongoURIFlag,
				Usage:   "MongoDB connection string (mongo store)",
				Sources: cli.EnvVars("FLEETRUN_MONGO_URI"),
			},
			&cli.StringFlag{
				Name:  mongoDBFlag,
				Usage: "MongoDB database holding the inventory",
				Value: defaultMongoDBName,
			},
			&cli.StringFlag{
				Name:  mongoCollFlag,
				Usage: "MongoDB collection holding the inventory",
				Value: defaultMongoColl,
			},
			&cli.StringFlag{
				Name:  mongoIDFlag,
				Usage: "Document id of the inventory",
				Value: "default",
			},
			&cli.BoolFlag{
				Name:  debugFlag,
				Usage: "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  logFormatFlag,
				Usage: "Log encoding: json or console",
				Value: "json",
			},
			&cli.IntFlag{
				Name:    workersFlag,
				Aliases: []string{"w"},
				Usage:   "Maximum hosts handled at once, overrides the inventory setting",
			},
			&cli.BoolFlag{
				Name:  sequentialFlag,
				Usage: "Handle hosts one after another, in inventory order",
			},
			&cli.StringFlag{
				Name:      reportFlag,
				Usage:     "Write the batch report to this file or directory (.yaml for YAML)",
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:  postProcessFlag,
				Usage: "Comma separated output processors, e.g. trim,drop_empty",
			},
			&cli.StringSliceFlag{
				Name:    hostFlag,
				Aliases: []string{"H"},
				Usage:   "Limit the run to this host or host:port, repeatable",
			},
		},
		Commands: []*cli.Command{
			execCmd(),
			execListCmd(),
			interactCmd(),
			pushCmd(),
			waitFileCmd(),
			serveCmd(),
			listenCmd(),
			submitCmd(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
