package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/andrej220/fleetrun/internal/batch"
	"github.com/andrej220/fleetrun/internal/driver"
	"github.com/andrej220/fleetrun/internal/executor"
	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/internal/persistence"
	"github.com/andrej220/fleetrun/internal/processor"
	"github.com/andrej220/fleetrun/internal/sshremote"
	"github.com/andrej220/fleetrun/pkg/config"
	"github.com/andrej220/fleetrun/pkg/models"
	"github.com/andrej220/fleetrun/pkg/remote"
	"github.com/andrej220/fleetrun/pkg/workerpool"
)

// Swapped in tests.
var (
	newDialer = func(s config.Settings) (remote.Dialer, error) {
		return sshremote.NewDialer(sshremote.Options{Timeout: s.DialTimeout, KnownHosts: s.KnownHosts})
	}
	newLogger = func(debug bool, format string) lg.Logger {
		return lg.New(&lg.Config{ServiceName: serviceName, Debug: debug, Format: format})
	}
)

// app is everything one invocation shares: the inventory, the executor and
// the pool every batch runs on.
type app struct {
	logger lg.Logger
	out    io.Writer
	store  config.Config
	inv    *config.Inventory

	mu      sync.RWMutex
	targets []*models.Target

	exec       *executor.Executor
	pool       *workerpool.Pool[batch.Assignment]
	dispatcher *batch.Dispatcher
	sequential bool
	sink       batch.Sink

	chain      *processor.ProcessorChain
	post       []string
	reportPath string
}

func newApp(cmd *cli.Command) (*app, error) {
	logger := newLogger(cmd.Bool(debugFlag), cmd.String(logFormatFlag))

	store, err := openStore(cmd)
	if err != nil {
		return nil, err
	}
	inv, err := config.LoadInventory(store)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	if w := cmd.Int(workersFlag); w > 0 {
		inv.Settings.Workers = w
	}

	chain := processor.NewProcessorChain()
	post := processor.ParseNames(cmd.String(postProcessFlag))
	if err := chain.Validate(post...); err != nil {
		closeStore(store)
		return nil, err
	}

	dialer, err := newDialer(inv.Settings)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	drv := driver.New(driver.Config{Settle: inv.Settings.Settle, MaxFinishPolls: inv.Settings.MaxFinishPolls})
	ex := executor.New(dialer, executor.WithDriver(drv))
	pool := workerpool.NewPool[batch.Assignment](inv.Settings.Workers)

	a := &app{
		logger:     logger,
		out:        cmd.Root().Writer,
		store:      store,
		inv:        inv,
		targets:    inv.BuildTargets(),
		exec:       ex,
		pool:       pool,
		sequential: cmd.Bool(sequentialFlag),
		chain:      chain,
		post:       post,
		reportPath: cmd.String(reportFlag),
	}
	a.dispatcher = &batch.Dispatcher{Runner: ex, Pool: pool, SnapshotEvery: inv.Settings.SnapshotEvery}
	if a.out == nil {
		a.out = io.Discard
	}
	logger.Debug("inventory loaded",
		lg.Int("targets", len(a.targets)),
		lg.Int("workers", inv.Settings.Workers),
		lg.Bool("sequential", a.sequential))
	return a, nil
}

func openStore(cmd *cli.Command) (config.Config, error) {
	storeType, err := config.ParseStoreType(cmd.String(storeFlag))
	if err != nil {
		return nil, err
	}
	var cfg any
	switch storeType {
	case config.MongoStore:
		if cmd.String(mongoURIFlag) == "" {
			return nil, errors.New("--mongo-uri is required for the mongo store")
		}
		cfg = &config.MongoConfig{
			URI:      cmd.String(mongoURIFlag),
			DBName:   cmd.String(mongoDBFlag),
			CollName: cmd.String(mongoCollFlag),
			ID:       cmd.String(mongoIDFlag),
		}
	default:
		cfg = &config.FileConfig{Path: cmd.String(inventoryFlag)}
	}
	return config.NewStore(storeType, cfg)
}

type ctxCloser interface {
	Close(context.Context) error
}

func closeStore(store config.Config) {
	if c, ok := store.(ctxCloser); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}

func (a *app) close() {
	a.pool.Stop()
	closeStore(a.store)
	_ = a.logger.Sync()
}

// withApp builds the app for one action and tears it down afterwards.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *app) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := newApp(cmd)
		if err != nil {
			return cli.Exit(err.Error(), 2)
		}
		defer a.close()
		return fn(lg.Attach(ctx, a.logger), cmd, a)
	}
}

func (a *app) selectTargets(hosts []string) ([]*models.Target, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return config.Select(a.targets, hosts)
}

// reload re-reads the inventory. Targets already known keep their identity
// and only have their credentials rotated; new hosts are added and removed
// ones dropped. Tuning settings need a restart.
func (a *app) reload(ctx context.Context) {
	logger := lg.FromContext(ctx)
	inv, err := config.LoadInventory(a.store)
	if err != nil {
		logger.Warn("inventory reload failed, keeping the current one", lg.Err(err))
		return
	}

	a.mu.Lock()
	a.targets = mergeTargets(a.targets, inv.BuildTargets())
	n := len(a.targets)
	a.mu.Unlock()
	logger.Info("inventory reloaded", lg.Int("targets", n))
}

func mergeTargets(current, fresh []*models.Target) []*models.Target {
	known := make(map[string]*models.Target, len(current))
	for _, t := range current {
		known[t.Endpoint()] = t
	}
	out := make([]*models.Target, 0, len(fresh))
	for _, f := range fresh {
		t, ok := known[f.Endpoint()]
		if !ok {
			out = append(out, f)
			continue
		}
		user, pw := f.Credentials()
		t.SetUsername(user)
		t.SetPassword(pw)
		out = append(out, t)
	}
	return out
}

// run applies op to the selected hosts and returns the post-processed
// report. The report is returned even when saving it fails.
func (a *app) run(ctx context.Context, op batch.Operation, hosts []string) (*models.Report, error) {
	targets, err := a.selectTargets(hosts)
	if err != nil {
		return nil, err
	}
	return a.runBatch(ctx, uuid.New(), batch.Same(targets, op))
}

func (a *app) runBatch(ctx context.Context, id uuid.UUID, as []batch.Assignment) (*models.Report, error) {
	var report *models.Report
	if a.sequential {
		report = batch.SequentialBatch(ctx, a.exec, id, as)
		a.publishAll(ctx, report)
	} else {
		report = a.dispatcher.DispatchBatch(ctx, id, as)
	}
	a.postProcess(ctx, report)

	if a.reportPath == "" {
		return report, nil
	}
	path, err := persistence.SaveReport(report, a.reportPath)
	if err != nil {
		return report, fmt.Errorf("save report: %w", err)
	}
	lg.FromContext(ctx).Info("report saved", lg.String("path", path), lg.String("batch_id", report.BatchID.String()))
	return report, nil
}

// setSink routes every outcome to s as well. Call it before the first batch.
func (a *app) setSink(s batch.Sink) {
	a.sink = s
	a.dispatcher.Sink = s
}

// publishAll hands a sequential run's outcomes to the sink, which the
// dispatcher otherwise feeds as they complete.
func (a *app) publishAll(ctx context.Context, report *models.Report) {
	if a.sink == nil {
		return
	}
	for _, o := range report.Outcomes {
		if err := a.sink.Publish(ctx, o); err != nil {
			lg.FromContext(ctx).Warn("publish outcome", lg.Uint64("task_id", o.TaskID), lg.Err(err))
		}
	}
}

func (a *app) postProcess(ctx context.Context, report *models.Report) {
	if len(a.post) == 0 {
		return
	}
	for i, o := range report.Outcomes {
		processed, err := a.chain.ApplyToOutcome(o, a.post...)
		if err != nil {
			lg.FromContext(ctx).Warn("post-processing failed, keeping raw output",
				lg.Uint64("task_id", o.TaskID), lg.Err(err))
			continue
		}
		report.Outcomes[i] = processed
	}
}

// finish prints report and turns failures into the exit status.
func (a *app) finish(report *models.Report, err error) error {
	if report != nil {
		printReport(a.out, report)
	}
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if report.HasFailures() {
		return cli.Exit(fmt.Sprintf("%d of %d targets failed", len(report.Failed), len(report.Outcomes)), 1)
	}
	return nil
}

func printReport(w io.Writer, report *models.Report) {
	for _, o := range report.Outcomes {
		fmt.Fprintf(w, "[%s] %s task=%d\n", o.Status, o.Target.Endpoint(), o.TaskID)
		if o.Failed() {
			fmt.Fprintln(w, indent("error: "+o.Error))
			for i, p := range o.Partial {
				fmt.Fprintln(w, indent(fmt.Sprintf("partial %d: %s", i+1, p)))
			}
			continue
		}
		if o.Output != "" {
			fmt.Fprintln(w, indent(o.Output))
		}
		for i, out := range o.Outputs {
			fmt.Fprintln(w, indent(fmt.Sprintf("output %d: %s", i+1, out)))
		}
	}
	fmt.Fprintf(w, "batch %s: %d targets, %d failed, %s\n",
		report.BatchID, len(report.Outcomes), len(report.Failed),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
}

func indent(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
