package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/models"
	"github.com/andrej220/fleetrun/pkg/workerpool"
)

const DefaultSnapshotEvery = 50

// Sink receives every outcome of a dispatched batch as it arrives.
type Sink interface {
	Publish(ctx context.Context, o models.Outcome) error
}

// Dispatcher fans assignments out over a caller-owned pool. Parallelism is
// entirely the pool's limit.
type Dispatcher struct {
	Runner Runner
	Pool   *workerpool.Pool[Assignment]
	// SnapshotEvery logs the still pending assignments after every n-th
	// completion. Zero selects DefaultSnapshotEvery, negative disables it.
	SnapshotEvery int
	Sink          Sink
}

type completion struct {
	index   int
	outcome models.Outcome
}

func (d *Dispatcher) Dispatch(ctx context.Context, assignments []Assignment) *models.Report {
	return d.DispatchBatch(ctx, uuid.New(), assignments)
}

// DispatchBatch submits one job per assignment and blocks until every
// outcome has been collected. Only the calling goroutine touches the
// bookkeeping maps; workers just send completions.
func (d *Dispatcher) DispatchBatch(ctx context.Context, id uuid.UUID, assignments []Assignment) *models.Report {
	logger := lg.FromContext(ctx).With(lg.String("batch_id", id.String()))
	logger.Info("task received", lg.Int("targets", len(assignments)))

	report := &models.Report{
		BatchID:   id,
		StartedAt: time.Now(),
		Outcomes:  make([]models.Outcome, 0, len(assignments)),
	}
	if len(assignments) == 0 {
		report.FinishedAt = time.Now()
		logComplete(logger, report)
		return report
	}

	jobCtx := lg.Attach(ctx, logger)
	completions := make(chan completion, len(assignments))
	pending := make(map[int]Assignment, len(assignments))

	for i, a := range assignments {
		pending[i] = a
		err := d.Pool.Submit(workerpool.Job[Assignment]{
			Payload: a,
			Ctx:     jobCtx,
			Fn: func(ctx context.Context, a Assignment) error {
				// failures are already outcomes
				completions <- completion{index: i, outcome: a.Op.Run(ctx, d.Runner, a.Target)}
				return nil
			},
		})
		if err != nil {
			completions <- completion{index: i, outcome: models.Failed(0, a.Target, fmt.Errorf("submit: %w", err))}
		}
	}

	every := d.SnapshotEvery
	if every == 0 {
		every = DefaultSnapshotEvery
	}

	failed := make(map[int]models.FailedEntry)
	for n := 1; n <= len(assignments); n++ {
		c := <-completions
		a := pending[c.index]
		delete(pending, c.index)

		report.Outcomes = append(report.Outcomes, c.outcome)
		if c.outcome.Failed() {
			failed[c.index] = failedEntry(a, c.outcome)
		}
		if d.Sink != nil {
			if err := d.Sink.Publish(ctx, c.outcome); err != nil {
				logger.Warn("publish outcome", lg.Uint64("task_id", c.outcome.TaskID), lg.Err(err))
			}
		}
		if every > 0 && n%every == 0 && len(pending) > 0 {
			logSnapshot(logger, n, pending)
		}
	}

	report.Failed = sortedEntries(failed)
	report.FinishedAt = time.Now()
	logComplete(logger, report)
	return report
}

func logSnapshot(logger lg.Logger, done int, pending map[int]Assignment) {
	keys := make([]int, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = pending[k].String()
	}
	logger.Info("pending snapshot", lg.Int("completed", done), lg.Int("pending", len(names)), lg.Strings("targets", names))
}

func sortedEntries(m map[int]models.FailedEntry) []models.FailedEntry {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]models.FailedEntry, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
