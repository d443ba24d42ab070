package batch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/models"
)

// ForEach applies every assignment in order, one at a time. A failure never
// stops the remaining targets.
func ForEach(ctx context.Context, r Runner, assignments []Assignment) []models.Outcome {
	out := make([]models.Outcome, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, a.Op.Run(ctx, r, a.Target))
	}
	return out
}

// Sequential runs ForEach and wraps the outcomes into a Report.
func Sequential(ctx context.Context, r Runner, assignments []Assignment) *models.Report {
	return SequentialBatch(ctx, r, uuid.New(), assignments)
}

func SequentialBatch(ctx context.Context, r Runner, id uuid.UUID, assignments []Assignment) *models.Report {
	report := &models.Report{BatchID: id, StartedAt: time.Now()}
	logger := lg.FromContext(ctx).With(lg.String("batch_id", report.BatchID.String()))
	logger.Info("task received", lg.Int("targets", len(assignments)), lg.Bool("sequential", true))

	report.Outcomes = ForEach(lg.Attach(ctx, logger), r, assignments)
	for i, o := range report.Outcomes {
		if o.Failed() {
			report.Failed = append(report.Failed, failedEntry(assignments[i], o))
		}
	}
	report.FinishedAt = time.Now()
	logComplete(logger, report)
	return report
}

func failedEntry(a Assignment, o models.Outcome) models.FailedEntry {
	return models.FailedEntry{Target: a.Target, Operation: a.Op.String(), Error: o.Error}
}

func logComplete(logger lg.Logger, report *models.Report) {
	fields := []lg.Field{
		lg.Int("outcomes", len(report.Outcomes)),
		lg.Int("failures", len(report.Failed)),
		lg.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	}
	if len(report.Failed) > 0 {
		fields = append(fields, lg.Any("failed", report.Failed))
	}
	logger.Info("batch complete", fields...)
}
