// Package remotetest provides an in-memory remote.Dialer whose hosts can be
// scripted per endpoint. It is meant for tests of the fleet core.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/andrej220/fleetrun/pkg/models"
	"github.com/andrej220/fleetrun/pkg/remote"
)

var ErrClosed = errors.New("remotetest: closed")

// Host scripts the behaviour of one endpoint. Zero value answers every
// command with empty output; reads past the scripted chunks block until
// their context is done.
type Host struct {
	mu sync.Mutex

	DialErr  error
	ExecFunc func(cmd string) ([]byte, error)

	OpenChannelErr error
	Chunks         []string // returned by successive Recv calls
	RecvErr        error    // returned once Chunks is exhausted, if set
	SendErr        error

	OpenTransferErr error
	PutErr          error

	files    map[string]string
	sent     []string
	execs    []string
	reads    int
	dialUser []string

	sessionsOpen  int
	channelsOpen  int
	transfersOpen int
}

func (h *Host) exec(cmd string) ([]byte, error) {
	h.mu.Lock()
	h.execs = append(h.execs, cmd)
	fn := h.ExecFunc
	h.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(cmd)
}

// HasFile reports whether a transfer wrote remotePath.
func (h *Host) HasFile(remotePath string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.files[remotePath]
	return ok
}

// Sent returns every text written to interactive channels, in order.
func (h *Host) Sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// Execs returns every one-shot command, in order.
func (h *Host) Execs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.execs...)
}

// Reads returns the number of Recv calls served.
func (h *Host) Reads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reads
}

// DialUsers returns the username captured by every successful dial.
func (h *Host) DialUsers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dialUser...)
}

// Open reports sessions, channels and transfers not yet closed.
func (h *Host) Open() (sessions, channels, transfers int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionsOpen, h.channelsOpen, h.transfersOpen
}

// Dialer hands out sessions for scripted hosts, keyed by endpoint.
type Dialer struct {
	mu    sync.Mutex
	hosts map[string]*Host
}

func NewDialer() *Dialer {
	return &Dialer{hosts: map[string]*Host{}}
}

// Host returns the script for endpoint, creating it on first use.
func (d *Dialer) Host(endpoint string) *Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[endpoint]
	if !ok {
		h = &Host{}
		d.hosts[endpoint] = h
	}
	return h
}

func (d *Dialer) Dial(ctx context.Context, t *models.Target) (remote.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, remote.Wrap(remote.ErrConnection, "dial "+t.Endpoint(), err)
	}
	h := d.Host(t.Endpoint())
	user, _ := t.Credentials()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DialErr != nil {
		return nil, h.DialErr
	}
	h.dialUser = append(h.dialUser, user)
	h.sessionsOpen++
	return &session{host: h}, nil
}

type session struct {
	host   *Host
	closed bool
}

func (s *session) Exec(_ context.Context, cmd string) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.host.exec(cmd)
}

func (s *session) OpenInteractive(_ context.Context) (remote.Channel, error) {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenChannelErr != nil {
		return nil, h.OpenChannelErr
	}
	h.channelsOpen++
	return &channel{host: h}, nil
}

func (s *session) OpenTransfer(_ context.Context) (remote.Transfer, error) {
	h := s.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenTransferErr != nil {
		return nil, h.OpenTransferErr
	}
	h.transfersOpen++
	return &transfer{host: h}, nil
}

func (s *session) Close() error {
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	s.host.mu.Lock()
	s.host.sessionsOpen--
	s.host.mu.Unlock()
	return nil
}

type channel struct {
	host *Host
}

func (c *channel) Send(_ context.Context, text string) error {
	h := c.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return h.SendErr
	}
	h.sent = append(h.sent, text)
	return nil
}

func (c *channel) Recv(ctx context.Context, max int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := c.host
	h.mu.Lock()
	h.reads++
	if len(h.Chunks) == 0 {
		recvErr := h.RecvErr
		h.mu.Unlock()
		if recvErr != nil {
			return nil, recvErr
		}
		// a silent shell: nothing arrives until the caller gives up
		<-ctx.Done()
		return nil, remote.Wrap(remote.ErrTimeout, "recv", ctx.Err())
	}
	chunk := h.Chunks[0]
	h.Chunks = h.Chunks[1:]
	h.mu.Unlock()
	if max > 0 && len(chunk) > max {
		chunk = chunk[:max]
	}
	return []byte(chunk), nil
}

func (c *channel) Close() error {
	c.host.mu.Lock()
	c.host.channelsOpen--
	c.host.mu.Unlock()
	return nil
}

type transfer struct {
	host *Host
}

func (t *transfer) Put(_ context.Context, localPath, remotePath string) error {
	h := t.host
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PutErr != nil {
		return h.PutErr
	}
	if h.files == nil {
		h.files = map[string]string{}
	}
	h.files[remotePath] = localPath
	return nil
}

func (t *transfer) Close() error {
	t.host.mu.Lock()
	t.host.transfersOpen--
	t.host.mu.Unlock()
	return nil
}

// String is handy in failure messages.
func (h *Host) String() string {
	s, c, tr := h.Open()
	return fmt.Sprintf("host(open sessions=%d channels=%d transfers=%d)", s, c, tr)
}
