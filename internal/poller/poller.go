// Package poller blocks until every item of a set satisfies a predicate.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/remote"
)

const (
	DefaultInterval  = 2 * time.Second
	DefaultMaxRounds = 150
)

var errPending = errors.New("items still pending")

type options struct {
	interval  time.Duration
	maxRounds uint64
}

type Option func(*options)

// WithInterval sets the pause between rounds.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithMaxRounds bounds the number of scans.
func WithMaxRounds(n uint64) Option {
	return func(o *options) { o.maxRounds = n }
}

// WaitUntil scans pending, newest first, dropping every item pred accepts,
// and sleeps between rounds until nothing is left. It returns the items still
// pending when the rounds or ctx run out, together with an error wrapping
// remote.ErrTimeout. The caller's slice is not modified.
func WaitUntil[T any](ctx context.Context, pending []T, pred func(context.Context, T) bool, opts ...Option) ([]T, error) {
	o := options{interval: DefaultInterval, maxRounds: DefaultMaxRounds}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxRounds == 0 {
		o.maxRounds = DefaultMaxRounds
	}

	logger := lg.FromContext(ctx)
	left := append([]T(nil), pending...)
	rounds := 0

	scan := func() error {
		rounds++
		for i := len(left) - 1; i >= 0; i-- {
			if pred(ctx, left[i]) {
				left = append(left[:i], left[i+1:]...)
			}
		}
		if len(left) == 0 {
			return nil
		}
		return errPending
	}
	notify := func(_ error, next time.Duration) {
		logger.Info("not finished yet",
			lg.Int("round", rounds),
			lg.Int("remaining", len(left)),
			lg.Strings("items", describe(left)),
			lg.Duration("next", next))
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.interval), o.maxRounds-1),
		ctx,
	)
	if err := backoff.RetryNotify(scan, b, notify); err != nil {
		return left, remote.Wrap(remote.ErrTimeout, "wait",
			fmt.Errorf("%d of %d pending after %d rounds: %w", len(left), len(pending), rounds, err))
	}
	return left, nil
}

func describe[T any](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = fmt.Sprint(it)
	}
	return out
}
