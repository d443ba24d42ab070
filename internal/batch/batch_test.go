package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/andrej220/fleetrun/internal/driver"
	"github.com/andrej220/fleetrun/internal/executor"
	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/internal/poller"
	"github.com/andrej220/fleetrun/pkg/models"
	"github.com/andrej220/fleetrun/pkg/remote"
	"github.com/andrej220/fleetrun/pkg/remote/remotetest"
	"github.com/andrej220/fleetrun/pkg/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fleet(n int) []*models.Target {
	out := make([]*models.Target, n)
	for i := range out {
		out[i] = models.NewTarget("root", "pw", fmt.Sprintf("10.0.%d.%d", i/250, i%250+1), 22)
	}
	return out
}

func unreachable(d *remotetest.Dialer, t *models.Target) {
	d.Host(t.Endpoint()).DialErr = remote.Wrap(remote.ErrConnection, "dial "+t.Endpoint(), errors.New("connection refused"))
}

func echo(d *remotetest.Dialer, targets []*models.Target) {
	for _, t := range targets {
		host := t.Host()
		d.Host(t.Endpoint()).ExecFunc = func(cmd string) ([]byte, error) {
			return []byte(host + ": " + cmd), nil
		}
	}
}

func TestForEachKeepsOrderAndContinuesPastFailures(t *testing.T) {
	d := remotetest.NewDialer()
	targets := fleet(3)
	echo(d, targets)
	unreachable(d, targets[1])

	outcomes := ForEach(context.Background(), executor.New(d), Same(targets, Command{Cmd: "uptime"}))

	require.Len(t, outcomes, 3)
	for i, o := range outcomes {
		assert.Same(t, targets[i], o.Target)
	}
	assert.True(t, outcomes[0].Succeeded())
	assert.True(t, outcomes[1].Failed())
	assert.True(t, outcomes[2].Succeeded())
	assert.Equal(t, "10.0.0.3: uptime", outcomes[2].Output)
	assert.Less(t, outcomes[0].TaskID, outcomes[2].TaskID)
}

func TestSequentialReport(t *testing.T) {
	d := remotetest.NewDialer()
	targets := fleet(4)
	unreachable(d, targets[2])

	report := Sequential(context.Background(), executor.New(d), Same(targets, Commands{Cmds: []string{"a", "b"}}))

	assert.Len(t, report.Outcomes, 4)
	require.Len(t, report.Failed, 1)
	assert.Same(t, targets[2], report.Failed[0].Target)
	assert.Equal(t, "a; b", report.Failed[0].Operation)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestPerTargetOrdersByEndpoint(t *testing.T) {
	targets := fleet(3)
	as := PerTarget(map[*models.Target]Operation{
		targets[2]: Command{Cmd: "c"},
		targets[0]: Command{Cmd: "a"},
		targets[1]: Push{Local: "/l", Remote: "/r"},
	})
	require.Len(t, as, 3)
	assert.Equal(t, "a", as[0].Op.String())
	assert.Equal(t, "/l -> /r", as[1].Op.String())
	assert.Equal(t, "c", as[2].Op.String())
}

type recordingSink struct {
	outcomes []models.Outcome
	err      error
}

func (s *recordingSink) Publish(_ context.Context, o models.Outcome) error {
	s.outcomes = append(s.outcomes, o)
	return s.err
}

func TestDispatchCountsAndSnapshots(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := lg.Attach(context.Background(), lg.NewZap(zap.New(core)))

	d := remotetest.NewDialer()
	targets := fleet(120)
	echo(d, targets)
	failing := map[*models.Target]bool{}
	for i := 0; i < 120; i += 12 {
		unreachable(d, targets[i])
		failing[targets[i]] = true
	}

	pool := workerpool.NewPool[Assignment](8)
	defer pool.Stop()
	sink := &recordingSink{}
	disp := &Dispatcher{Runner: executor.New(d), Pool: pool, Sink: sink}

	report := disp.Dispatch(ctx, Same(targets, Command{Cmd: "hostname"}))

	require.Len(t, report.Outcomes, 120)
	assert.Equal(t, 10, report.FailureCount())
	require.Len(t, report.Failed, 10)
	for _, f := range report.Failed {
		assert.True(t, failing[f.Target], f.Target.String())
		assert.Equal(t, "hostname", f.Operation)
		assert.Contains(t, f.Error, "connection error")
	}

	ids := map[uint64]bool{}
	for _, o := range report.Outcomes {
		ids[o.TaskID] = true
	}
	assert.Len(t, ids, 120)
	assert.Len(t, sink.outcomes, 120)

	snapshots := logs.FilterMessage("pending snapshot")
	assert.Equal(t, 2, snapshots.Len())
	assert.Equal(t, 1, logs.FilterMessage("task received").Len())

	complete := logs.FilterMessage("batch complete").All()
	require.Len(t, complete, 1)
	assert.Equal(t, report.BatchID.String(), complete[0].ContextMap()["batch_id"])
	assert.EqualValues(t, 10, complete[0].ContextMap()["failures"])
}

// releasingSink records outcomes and closes release once it has seen after
// of them.
type releasingSink struct {
	after   int
	release chan struct{}
	once    sync.Once
	seen    []models.Outcome
}

func (s *releasingSink) Publish(_ context.Context, o models.Outcome) error {
	s.seen = append(s.seen, o)
	if len(s.seen) == s.after {
		s.open()
	}
	return nil
}

func (s *releasingSink) open() { s.once.Do(func() { close(s.release) }) }

func TestDispatchSnapshotsListOnlyPending(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := lg.Attach(context.Background(), lg.NewZap(zap.New(core)))

	d := remotetest.NewDialer()
	targets := fleet(105)
	echo(d, targets)

	sink := &releasingSink{after: 100, release: make(chan struct{})}
	t.Cleanup(sink.open)

	held := map[string]bool{}
	for _, i := range []int{3, 20, 47, 80, 101} {
		tgt := targets[i]
		held[tgt.Endpoint()] = true
		d.Host(tgt.Endpoint()).ExecFunc = func(cmd string) ([]byte, error) {
			<-sink.release
			return []byte(cmd), nil
		}
	}

	pool := workerpool.NewPool[Assignment](8)
	defer pool.Stop()
	disp := &Dispatcher{Runner: executor.New(d), Pool: pool, Sink: sink}

	assignments := Same(targets, Command{Cmd: "hostname"})
	label := map[string]string{}
	for _, a := range assignments {
		label[a.String()] = a.Target.Endpoint()
	}

	report := disp.Dispatch(ctx, assignments)
	require.Len(t, report.Outcomes, 105)
	assert.Zero(t, report.FailureCount())

	snapshots := logs.FilterMessage("pending snapshot").All()
	require.Len(t, snapshots, 2)
	for _, snap := range snapshots {
		fields := snap.ContextMap()
		completed := int(fields["completed"].(int64))

		done := map[string]bool{}
		for _, o := range sink.seen[:completed] {
			done[o.Target.Endpoint()] = true
		}

		listed := fields["targets"].([]interface{})
		assert.Len(t, listed, len(targets)-completed)
		pending := map[string]bool{}
		for _, v := range listed {
			endpoint, ok := label[v.(string)]
			require.True(t, ok, v)
			assert.False(t, done[endpoint], "%s is both pending and completed", endpoint)
			pending[endpoint] = true
		}
		for endpoint := range held {
			assert.True(t, pending[endpoint], "%s is held but not listed", endpoint)
		}
	}

	// by the 100th completion only the held hosts are left
	last := snapshots[1].ContextMap()
	assert.EqualValues(t, 100, last["completed"])
	assert.Len(t, last["targets"], len(held))
}

func TestDispatchBatchKeepsID(t *testing.T) {
	pool := workerpool.NewPool[Assignment](2)
	defer pool.Stop()
	disp := &Dispatcher{Runner: executor.New(remotetest.NewDialer()), Pool: pool, SnapshotEvery: -1}

	report := disp.Dispatch(context.Background(), nil)
	assert.Empty(t, report.Outcomes)
	assert.False(t, report.HasFailures())

	targets := fleet(2)
	again := disp.DispatchBatch(context.Background(), report.BatchID, Same(targets, Command{Cmd: "true"}))
	assert.Equal(t, report.BatchID, again.BatchID)
	assert.Len(t, again.Outcomes, 2)
}

func TestDispatchOnStoppedPool(t *testing.T) {
	pool := workerpool.NewPool[Assignment](2)
	pool.Stop()
	disp := &Dispatcher{Runner: executor.New(remotetest.NewDialer()), Pool: pool}

	report := disp.Dispatch(context.Background(), Same(fleet(3), Command{Cmd: "true"}))

	require.Len(t, report.Outcomes, 3)
	assert.Equal(t, 3, report.FailureCount())
	assert.Contains(t, report.Failed[0].Error, "submit")
}

func TestDispatchSinkErrorsAreNotFatal(t *testing.T) {
	pool := workerpool.NewPool[Assignment](2)
	defer pool.Stop()
	sink := &recordingSink{err: errors.New("broker down")}
	disp := &Dispatcher{Runner: executor.New(remotetest.NewDialer()), Pool: pool, Sink: sink}

	report := disp.Dispatch(context.Background(), Same(fleet(5), Command{Cmd: "true"}))
	assert.Len(t, report.Outcomes, 5)
	assert.Zero(t, report.FailureCount())
	assert.Len(t, sink.outcomes, 5)
}

func TestDispatchEveryOperationKind(t *testing.T) {
	d := remotetest.NewDialer()
	targets := fleet(4)
	echo(d, targets)
	d.Host(targets[3].Endpoint()).Chunks = []string{"root@h4:~$ ", "ok DONE"}

	pool := workerpool.NewPool[Assignment](4)
	defer pool.Stop()
	ex := executor.New(d, executor.WithDriver(driver.New(driver.Config{Settle: time.Millisecond})))
	disp := &Dispatcher{Runner: ex, Pool: pool}

	report := disp.Dispatch(context.Background(), []Assignment{
		{Target: targets[0], Op: Command{Cmd: "id"}},
		{Target: targets[1], Op: Commands{Cmds: []string{"id", "w"}}},
		{Target: targets[2], Op: Push{Local: "/tmp/x", Remote: "/opt/x"}},
		{Target: targets[3], Op: Interactive{Cmd: "passwd", Inputs: []string{"n"}, FinishMatch: "DONE"}},
	})

	assert.Zero(t, report.FailureCount())
	byHost := map[string]models.Outcome{}
	for _, o := range report.Outcomes {
		byHost[o.Target.Host()] = o
	}
	assert.Equal(t, "10.0.0.1: id", byHost["10.0.0.1"].Output)
	assert.Equal(t, []string{"10.0.0.2: id", "10.0.0.2: w"}, byHost["10.0.0.2"].Outputs)
	assert.True(t, d.Host(targets[2].Endpoint()).HasFile("/opt/x"))
	assert.Equal(t, "ok DONE", byHost["10.0.0.4"].Output)
}

func TestPushThenWaitForFiles(t *testing.T) {
	d := remotetest.NewDialer()
	targets := fleet(5)
	for _, tgt := range targets {
		h := d.Host(tgt.Endpoint())
		h.ExecFunc = func(cmd string) ([]byte, error) {
			if strings.Contains(cmd, "/opt/agent.tar") && h.HasFile("/opt/agent.tar") {
				return []byte("present\n"), nil
			}
			return nil, nil
		}
	}

	ex := executor.New(d)
	pool := workerpool.NewPool[Assignment](3)
	defer pool.Stop()
	disp := &Dispatcher{Runner: ex, Pool: pool}

	report := disp.Dispatch(context.Background(), Same(targets, Push{Local: "/tmp/agent.tar", Remote: "/opt/agent.tar"}))
	require.Zero(t, report.FailureCount())

	left, err := poller.WaitUntil(context.Background(), targets, func(ctx context.Context, tgt *models.Target) bool {
		return ex.PathExists(ctx, tgt, "/opt/agent.tar")
	}, poller.WithInterval(time.Millisecond), poller.WithMaxRounds(3))
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     models.DispatchRequest
		want    Operation
		wantErr bool
	}{
		{"command", models.DispatchRequest{Kind: models.KindCommand, Command: "id"}, Command{Cmd: "id"}, false},
		{"commands", models.DispatchRequest{Kind: models.KindCommands, Commands: []string{"a", "b"}}, Commands{Cmds: []string{"a", "b"}}, false},
		{"interactive", models.DispatchRequest{Kind: models.KindInteractive, Command: "passwd", Inputs: []string{"x"}, FinishMatch: "ok"},
			Interactive{Cmd: "passwd", Inputs: []string{"x"}, FinishMatch: "ok"}, false},
		{"push", models.DispatchRequest{Kind: models.KindPush, LocalPath: "/a", RemotePath: "/b"}, Push{Local: "/a", Remote: "/b"}, false},
		{"empty command", models.DispatchRequest{Kind: models.KindCommand}, nil, true},
		{"empty list", models.DispatchRequest{Kind: models.KindCommands}, nil, true},
		{"push without remote", models.DispatchRequest{Kind: models.KindPush, LocalPath: "/a"}, nil, true},
		{"unknown", models.DispatchRequest{Kind: "reboot"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := FromRequest(tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}
