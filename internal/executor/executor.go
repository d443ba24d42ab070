// Package executor runs one operation against one target and turns every
// result, including transport failures, into a models.Outcome.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/fleetrun/internal/driver"
	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/models"
	"github.com/andrej220/fleetrun/pkg/remote"
)

type Option func(*Executor)

// WithSequence replaces the executor's private task counter.
func WithSequence(s Sequence) Option {
	return func(e *Executor) { e.seq = s }
}

func WithDriver(d *driver.Driver) Option {
	return func(e *Executor) { e.driver = d }
}

type Executor struct {
	dialer remote.Dialer
	seq    Sequence
	driver *driver.Driver
}

func New(d remote.Dialer, opts ...Option) *Executor {
	e := &Executor{dialer: d}
	for _, opt := range opts {
		opt(e)
	}
	if e.seq == nil {
		e.seq = &Counter{}
	}
	if e.driver == nil {
		e.driver = driver.New(driver.Config{})
	}
	return e
}

// task is the bookkeeping shared by every operation.
type task struct {
	id     uint64
	target *models.Target
	op     string
	start  time.Time
	logger lg.Logger
}

func (e *Executor) newTask(ctx context.Context, t *models.Target, op string) *task {
	id := e.seq.Next()
	return &task{
		id:     id,
		target: t,
		op:     op,
		start:  time.Now(),
		logger: lg.FromContext(ctx).With(lg.Uint64("task_id", id), lg.String("endpoint", t.Endpoint())),
	}
}

func (tk *task) ctx(ctx context.Context) context.Context {
	return lg.Attach(ctx, tk.logger)
}

func (tk *task) ready() {
	tk.logger.Info("ready", lg.String("exec", tk.op))
}

func (tk *task) succeed(o models.Outcome) models.Outcome {
	o.Elapsed = time.Since(tk.start)
	tk.logger.Info("success", lg.String("exec", tk.op), lg.Duration("elapsed", o.Elapsed))
	return o
}

func (tk *task) fail(err error) models.Outcome {
	o := models.Failed(tk.id, tk.target, err)
	o.Elapsed = time.Since(tk.start)
	tk.logger.Warn("failure", lg.String("exec", tk.op), lg.Err(err))
	return o
}

func (e *Executor) dial(ctx context.Context, tk *task) (remote.Session, error) {
	sess, err := e.dialer.Dial(tk.ctx(ctx), tk.target)
	if err != nil {
		return nil, err
	}
	tk.ready()
	return sess, nil
}

// RunCommand runs cmd once and captures its standard output.
func (e *Executor) RunCommand(ctx context.Context, t *models.Target, cmd string) models.Outcome {
	tk := e.newTask(ctx, t, cmd)
	sess, err := e.dial(ctx, tk)
	if err != nil {
		return tk.fail(err)
	}
	defer sess.Close()

	out, err := sess.Exec(tk.ctx(ctx), cmd)
	if err != nil {
		return tk.fail(err)
	}
	return tk.succeed(models.Succeeded(tk.id, t, string(out)))
}

// RunCommands runs cmds in order over one session. The first failure fails
// the whole list; outputs gathered before it are kept in Partial.
func (e *Executor) RunCommands(ctx context.Context, t *models.Target, cmds []string) models.Outcome {
	tk := e.newTask(ctx, t, strings.Join(cmds, "; "))
	sess, err := e.dial(ctx, tk)
	if err != nil {
		return tk.fail(err)
	}
	defer sess.Close()

	outputs := make([]string, 0, len(cmds))
	for i, cmd := range cmds {
		out, err := sess.Exec(tk.ctx(ctx), cmd)
		if err != nil {
			o := tk.fail(fmt.Errorf("command %d %q: %w", i+1, cmd, err))
			if len(outputs) > 0 {
				o.Partial = outputs
			}
			return o
		}
		tk.logger.Debug("command done", lg.Int("index", i+1), lg.String("command", cmd))
		outputs = append(outputs, string(out))
	}

	o := models.Succeeded(tk.id, t, "")
	o.Outputs = outputs
	return tk.succeed(o)
}

// PushFile uploads localPath to remotePath over the session's file-transfer
// channel.
func (e *Executor) PushFile(ctx context.Context, t *models.Target, localPath, remotePath string) models.Outcome {
	tk := e.newTask(ctx, t, localPath+" -> "+remotePath)
	sess, err := e.dial(ctx, tk)
	if err != nil {
		return tk.fail(err)
	}
	defer sess.Close()

	tr, err := sess.OpenTransfer(tk.ctx(ctx))
	if err != nil {
		return tk.fail(err)
	}
	defer tr.Close()

	tk.logger.Info("copy started", lg.String("local", localPath), lg.String("remote", remotePath))
	if err := tr.Put(tk.ctx(ctx), localPath, remotePath); err != nil {
		return tk.fail(err)
	}
	return tk.succeed(models.Succeeded(tk.id, t, ""))
}

// RunInteractive drives a scripted conversation and returns its final chunk.
func (e *Executor) RunInteractive(ctx context.Context, t *models.Target, req driver.Request) models.Outcome {
	tk := e.newTask(ctx, t, req.Command)
	sess, err := e.dial(ctx, tk)
	if err != nil {
		return tk.fail(err)
	}
	defer sess.Close()

	out, err := e.driver.Run(tk.ctx(ctx), sess, t.Username(), req)
	if err != nil {
		return tk.fail(err)
	}
	return tk.succeed(models.Succeeded(tk.id, t, out))
}

// PathExists reports whether path exists on t. Any failure counts as absent.
func (e *Executor) PathExists(ctx context.Context, t *models.Target, path string) bool {
	o := e.RunCommand(ctx, t, "test -e "+shellQuote(path)+" && echo present")
	return o.Succeeded() && strings.Contains(o.Output, "present")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
