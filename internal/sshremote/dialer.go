// Package sshremote implements remote.Dialer over SSH with SFTP for file
// pushes.
package sshremote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/models"
	"github.com/andrej220/fleetrun/pkg/remote"
)

const (
	DefaultTimeout         = 5 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerCooldown = 30 * time.Second
)

// Options configures a Dialer.
type Options struct {
	// Timeout bounds the TCP connect and the SSH handshake.
	Timeout time.Duration
	// KnownHosts enables strict host key checking against the given file.
	// Unknown keys are accepted when empty.
	KnownHosts string
	// BreakerFailures is the number of consecutive connection failures after
	// which dials to an endpoint are refused for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = DefaultBreakerCooldown
	}
}

// Dialer opens password-authenticated SSH sessions.
type Dialer struct {
	opts     Options
	hostKeys ssh.HostKeyCallback

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewDialer(opts Options) (*Dialer, error) {
	opts.setDefaults()

	hostKeys := ssh.InsecureIgnoreHostKey()
	if opts.KnownHosts != "" {
		if _, err := os.Stat(opts.KnownHosts); err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		cb, err := knownhosts.New(opts.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		hostKeys = cb
	}

	return &Dialer{
		opts:     opts,
		hostKeys: hostKeys,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (d *Dialer) breaker(endpoint string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[endpoint]; ok {
		return cb
	}
	failures := d.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     d.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// a rejected password says nothing about the endpoint's health
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, remote.ErrConnection)
		},
	})
	d.breakers[endpoint] = cb
	return cb
}

// Dial reads the target's credentials and opens an SSH connection.
func (d *Dialer) Dial(ctx context.Context, t *models.Target) (remote.Session, error) {
	endpoint := t.Endpoint()
	user, password := t.Credentials()

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: d.hostKeys,
		Timeout:         d.opts.Timeout,
		BannerCallback:  func(string) error { return nil },
	}

	op := "dial " + endpoint
	res, err := d.breaker(endpoint).Execute(func() (any, error) {
		client, err := d.connect(ctx, endpoint, cfg)
		if err != nil {
			return nil, classifyDial(op, err)
		}
		return client, nil
	})
	if err != nil {
		return nil, classifyDial(op, err)
	}

	lg.FromContext(ctx).Debug("ssh connected", lg.String("endpoint", endpoint), lg.String("user", user))
	return &session{client: res.(*ssh.Client), endpoint: endpoint}, nil
}

func (d *Dialer) connect(ctx context.Context, endpoint string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	nd := net.Dialer{Timeout: d.opts.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, err
	}

	// the handshake has no context of its own
	_ = conn.SetDeadline(time.Now().Add(d.opts.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, endpoint, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// classifyDial is classify for connection setup, where running out of time
// means the endpoint is unreachable rather than slow.
func classifyDial(op string, err error) error {
	if err == nil || remote.KindOf(err) != nil {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return remote.Wrap(remote.ErrConnection, op, err)
	}
	return classify(op, err)
}

// classify tags err with the failure kind it represents.
func classify(op string, err error) error {
	if err == nil || remote.KindOf(err) != nil {
		return err
	}

	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	var netErr net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return remote.Wrap(remote.ErrConnection, op, err)
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return remote.Wrap(remote.ErrAuthentication, op, err)
	case strings.Contains(err.Error(), "unable to authenticate"), strings.Contains(err.Error(), "knownhosts:"):
		return remote.Wrap(remote.ErrAuthentication, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return remote.Wrap(remote.ErrTimeout, op, err)
	case errors.Is(err, context.Canceled), errors.As(err, &netErr):
		return remote.Wrap(remote.ErrConnection, op, err)
	default:
		return remote.Wrap(remote.ErrProtocol, op, err)
	}
}
