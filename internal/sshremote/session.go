package sshremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/fleetrun/internal/lg"
	"github.com/andrej220/fleetrun/pkg/remote"
)

type session struct {
	client   *ssh.Client
	endpoint string
}

func (s *session) Exec(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, classify("open session", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.Output(cmd)
		done <- result{out, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		sess.Close()
		<-done
		return nil, classify("exec", ctx.Err())
	}

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case res.err == nil:
	case errors.As(res.err, &exitErr):
		lg.FromContext(ctx).Warn("non-zero exit status",
			lg.String("endpoint", s.endpoint),
			lg.String("command", cmd),
			lg.Int("exit_status", exitErr.ExitStatus()))
	case errors.As(res.err, &missing):
		lg.FromContext(ctx).Warn("exit status missing",
			lg.String("endpoint", s.endpoint),
			lg.String("command", cmd))
	default:
		return res.out, classify("exec", res.err)
	}
	return res.out, nil
}

func (s *session) OpenInteractive(_ context.Context) (remote.Channel, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, classify("open shell", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, classify("stdin pipe", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, classify("stdout pipe", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 24, 80, modes); err != nil {
		sess.Close()
		return nil, classify("request pty", err)
	}
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, classify("start shell", err)
	}

	ch := &channel{
		sess:   sess,
		stdin:  stdin,
		chunks: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go ch.pump(stdout)
	return ch, nil
}

func (s *session) OpenTransfer(_ context.Context) (remote.Transfer, error) {
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, classify("open sftp", err)
	}
	return &transfer{client: c}, nil
}

func (s *session) Close() error {
	return s.client.Close()
}

// channel turns the shell's stdout stream into bounded chunks.
type channel struct {
	sess  *ssh.Session
	stdin io.WriteCloser

	chunks  chan []byte
	readErr error // set before chunks is closed
	pending []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *channel) pump(r io.Reader) {
	defer close(c.chunks)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			c.readErr = err
			return
		}
	}
}

func (c *channel) Send(_ context.Context, text string) error {
	if _, err := io.WriteString(c.stdin, text); err != nil {
		return classify("send", err)
	}
	return nil
}

// Recv waits for output and returns whatever has accumulated, up to max bytes.
func (c *channel) Recv(ctx context.Context, max int) ([]byte, error) {
	if max <= 0 {
		max = remote.DefaultRecvSize
	}

	out := c.pending
	c.pending = nil
	if len(out) == 0 {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return nil, c.eof()
			}
			out = chunk
		case <-ctx.Done():
			return nil, classify("recv", ctx.Err())
		}
	}

drain:
	for len(out) < max {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				break drain
			}
			out = append(out, chunk...)
		default:
			break drain
		}
	}

	if len(out) > max {
		c.pending = append([]byte(nil), out[max:]...)
		out = out[:max]
	}
	return out, nil
}

func (c *channel) eof() error {
	err := c.readErr
	if err == nil || errors.Is(err, io.EOF) {
		return remote.Wrap(remote.ErrConnection, "recv", fmt.Errorf("shell closed: %w", io.EOF))
	}
	return classify("recv", err)
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stdin.Close()
		err = c.sess.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

type transfer struct {
	client *sftp.Client
}

// Put uploads localPath and checks the remote size matches.
func (t *transfer) Put(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return classify("put "+remotePath, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return remote.Wrap(remote.ErrTransfer, "open "+localPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return remote.Wrap(remote.ErrTransfer, "stat "+localPath, err)
	}

	dst, err := t.client.Create(remotePath)
	if err != nil {
		return remote.Wrap(remote.ErrTransfer, "create "+remotePath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return remote.Wrap(remote.ErrTransfer, "put "+remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return remote.Wrap(remote.ErrTransfer, "put "+remotePath, err)
	}

	st, err := t.client.Stat(remotePath)
	if err != nil {
		return remote.Wrap(remote.ErrTransfer, "stat "+remotePath, err)
	}
	if st.Size() != info.Size() {
		return remote.Wrap(remote.ErrTransfer, "put "+remotePath,
			fmt.Errorf("size mismatch: local %d, remote %d", info.Size(), st.Size()))
	}
	return nil
}

func (t *transfer) Close() error {
	return t.client.Close()
}
