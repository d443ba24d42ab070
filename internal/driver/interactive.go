// Package driver scripts a multi-step conversation over an interactive shell.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/remote"
)

const (
	DefaultSettle         = time.Second
	DefaultMaxFinishPolls = 300
)

var errNoMatch = errors.New("finish match not seen")

// Config tunes the pacing of a conversation.
type Config struct {
	// Settle is the pause between writing to the shell and reading from it.
	Settle time.Duration
	// MaxFinishPolls bounds the reads spent waiting for a finish match.
	MaxFinishPolls uint64
	// RecvSize caps a single read.
	RecvSize int
}

func (c *Config) setDefaults() {
	if c.Settle <= 0 {
		c.Settle = DefaultSettle
	}
	if c.MaxFinishPolls == 0 {
		c.MaxFinishPolls = DefaultMaxFinishPolls
	}
	if c.RecvSize <= 0 {
		c.RecvSize = remote.DefaultRecvSize
	}
}

// Request is one scripted conversation.
type Request struct {
	Command string
	// Inputs are answered in order, one per prompt.
	Inputs []string
	// FinishMatch, when set, keeps reading after the last input until the
	// latest chunk contains it.
	FinishMatch string
}

type Driver struct {
	cfg Config
}

func New(cfg Config) *Driver {
	cfg.setDefaults()
	return &Driver{cfg: cfg}
}

// Run drives req over a fresh interactive channel of sess and returns the
// output chunk that concluded the conversation.
func (d *Driver) Run(ctx context.Context, sess remote.Session, username string, req Request) (string, error) {
	logger := lg.FromContext(ctx)

	ch, err := sess.OpenInteractive(ctx)
	if err != nil {
		return "", fmt.Errorf("open shell: %w", err)
	}
	defer ch.Close()

	first, err := d.exchange(ctx, ch, req.Command)
	if err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}
	banner := fromPrompt(first, username)
	logger.Info("shell output", lg.String("output", banner))

	if len(req.Inputs) == 0 {
		return banner, nil
	}

	last := len(req.Inputs) - 1
	for i, input := range req.Inputs {
		logger.Debug("enter input", lg.Int("input", i+1))
		out, err := d.exchange(ctx, ch, input)
		if err != nil {
			return "", fmt.Errorf("input %d: %w", i+1, err)
		}
		if i != last {
			logger.Info("shell output", lg.Int("input", i+1), lg.String("output", out))
			continue
		}
		if req.FinishMatch == "" {
			return out, nil
		}
		return d.awaitMatch(ctx, ch, out, req.FinishMatch)
	}
	return "", nil
}

// exchange writes text plus a newline, lets the shell settle and reads once.
func (d *Driver) exchange(ctx context.Context, ch remote.Channel, text string) (string, error) {
	if err := ch.Send(ctx, text+"\n"); err != nil {
		return "", err
	}
	if err := sleep(ctx, d.cfg.Settle); err != nil {
		return "", remote.Wrap(remote.ErrTimeout, "settle", err)
	}
	chunk, err := ch.Recv(ctx, d.cfg.RecvSize)
	if err != nil {
		return "", err
	}
	return string(chunk), nil
}

// awaitMatch polls the channel until a chunk contains match. The chunk
// already in hand is checked first. Each poll waits at most one settle
// interval for data; a silent shell counts as an empty chunk.
func (d *Driver) awaitMatch(ctx context.Context, ch remote.Channel, out, match string) (string, error) {
	polls := 0
	op := func() error {
		if polls > 0 {
			chunk, err := d.poll(ctx, ch)
			if err != nil {
				return backoff.Permanent(err)
			}
			out = string(chunk)
		}
		polls++
		if strings.Contains(out, match) {
			return nil
		}
		return errNoMatch
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.Settle), d.cfg.MaxFinishPolls),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, errNoMatch) || ctx.Err() != nil {
			return "", remote.Wrap(remote.ErrTimeout, fmt.Sprintf("await %q", match),
				fmt.Errorf("after %d reads: %w", polls, err))
		}
		return "", fmt.Errorf("await %q: %w", match, err)
	}

	if err := sleep(ctx, d.cfg.Settle); err != nil {
		return "", remote.Wrap(remote.ErrTimeout, "settle", err)
	}
	return out, nil
}

// poll reads once, giving up after one settle interval. Running out of time
// on the read is not an error unless ctx itself is done.
func (d *Driver) poll(ctx context.Context, ch remote.Channel) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, d.cfg.Settle)
	defer cancel()
	chunk, err := ch.Recv(readCtx, d.cfg.RecvSize)
	if err != nil && ctx.Err() == nil && readCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return chunk, err
}

// fromPrompt cuts the chunk at the first "<username>@" prompt marker. A chunk
// without one is returned whole.
func fromPrompt(chunk, username string) string {
	if i := strings.Index(chunk, username+"@"); i >= 0 {
		return chunk[i:]
	}
	return chunk
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
