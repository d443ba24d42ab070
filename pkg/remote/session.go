// Package remote defines the narrow capability the fleet core needs from a
// remote-shell transport: dial a target, run one-shot commands, open an
// interactive channel and push files.
package remote

import (
	"context"

	"github.com/andrej220/fleetrun/pkg/models"
)

// DefaultRecvSize is the largest chunk a single Recv returns.
const DefaultRecvSize = 65536

// Dialer opens authenticated sessions. Implementations read the target's
// credentials once, when Dial is called.
type Dialer interface {
	Dial(ctx context.Context, t *models.Target) (Session, error)
}

// Session is one authenticated connection to a target. It is owned by a
// single task and must be closed by it.
type Session interface {
	// Exec runs cmd and returns its standard output.
	Exec(ctx context.Context, cmd string) ([]byte, error)
	OpenInteractive(ctx context.Context) (Channel, error)
	OpenTransfer(ctx context.Context) (Transfer, error)
	Close() error
}

// Channel is an interactive shell stream over a Session.
type Channel interface {
	Send(ctx context.Context, text string) error
	// Recv blocks until some output is available and returns at most max bytes.
	Recv(ctx context.Context, max int) ([]byte, error)
	Close() error
}

// Transfer is a file-transfer sub-channel over a Session.
type Transfer interface {
	Put(ctx context.Context, localPath, remotePath string) error
	Close() error
}
