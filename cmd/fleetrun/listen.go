package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/andrej220/fleetrun/internal/batch"
	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/internal/serverutil"
	"github.com/andrej220/fleetrun/pkg/kafkautil"
	"github.com/andrej220/fleetrun/pkg/models"
)

const readRetryDelay = time.Second

func listenCmd() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Consume dispatch requests from Kafka and publish every outcome",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  requestTopicFlag,
				Usage: "Topic carrying dispatch requests, overrides the inventory",
			},
			&cli.StringFlag{
				Name:  resultTopicFlag,
				Usage: "Topic receiving outcomes, overrides the inventory",
			},
		},
		Action: withApp(func(ctx context.Context, cmd *cli.Command, a *app) error {
			k := a.inv.Kafka
			if t := cmd.String(requestTopicFlag); t != "" {
				k.RequestTopic = t
			}
			if t := cmd.String(resultTopicFlag); t != "" {
				k.ResultTopic = t
			}

			consumer, err := kafkautil.NewConsumer[models.DispatchRequest](kafkautil.Config{
				Brokers: k.Brokers, GroupID: k.GroupID, Topic: k.RequestTopic,
			})
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer consumer.Close()

			producer, err := kafkautil.NewProducer[models.Outcome](kafkautil.Config{
				Brokers: k.Brokers, Topic: k.ResultTopic,
			})
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			defer producer.Close()
			a.setSink(outcomeSink{pub: producer})

			if err := a.store.Watch(ctx, func() { a.reload(ctx) }); err != nil {
				a.logger.Warn("inventory changes will not be picked up", lg.Err(err))
			}

			h := newDispatchHandler(ctx, a)
			defer h.wait()
			a.logger.Info("listening", lg.Strings("brokers", k.Brokers), lg.String("topic", k.RequestTopic))
			a.listen(ctx, consumer, h.start)
			return nil
		}),
	}
}

type requestReader interface {
	Read(ctx context.Context) (models.DispatchRequest, error)
}

type outcomePublisher interface {
	Publish(ctx context.Context, key []byte, o models.Outcome) error
}

// outcomeSink publishes outcomes keyed by endpoint, so the outcomes of one
// host stay ordered on a single partition.
type outcomeSink struct {
	pub outcomePublisher
}

func (s outcomeSink) Publish(ctx context.Context, o models.Outcome) error {
	return s.pub.Publish(ctx, []byte(o.Target.Endpoint()), o)
}

// listen reads requests until ctx is done and starts a batch for each valid
// one. Invalid requests are logged and skipped.
func (a *app) listen(ctx context.Context, r requestReader, start func(uuid.UUID, []batch.Assignment)) {
	logger := lg.FromContext(ctx)
	for {
		req, err := r.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, kafkautil.ErrDecode) {
				logger.Warn("skipping message", lg.Err(err))
				continue
			}
			logger.Error("read request", lg.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		as, err := a.assignmentsFor(req)
		if err != nil {
			logger.Warn("rejecting request", lg.String("kind", req.Kind), lg.Err(err))
			continue
		}
		id := uuid.New()
		logger.Debug("request accepted", lg.String("batch_id", id.String()), lg.String("kind", req.Kind))
		start(id, as)
	}
}

func (a *app) assignmentsFor(req models.DispatchRequest) ([]batch.Assignment, error) {
	if err := serverutil.Validate(req); err != nil {
		return nil, err
	}
	op, err := batch.FromRequest(req)
	if err != nil {
		return nil, err
	}
	targets, err := a.selectTargets(req.Hosts)
	if err != nil {
		return nil, err
	}
	return batch.Same(targets, op), nil
}
