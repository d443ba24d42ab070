package remote

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	err := Wrap(ErrTransfer, "put /tmp/a.txt", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "put /tmp/a.txt: transfer error: unexpected EOF", err.Error())
}

func TestWrapDoesNotRetag(t *testing.T) {
	inner := Wrap(ErrAuthentication, "dial", errors.New("unable to authenticate"))
	outer := Wrap(ErrProtocol, "read input 1", inner)

	assert.Equal(t, ErrAuthentication, KindOf(outer))
	assert.NotErrorIs(t, outer, ErrProtocol)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(ErrConnection, "dial", nil))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"plain", errors.New("boom"), nil},
		{"timeout", &Error{Kind: ErrTimeout, Op: "wait"}, ErrTimeout},
		{"wrapped", Wrap(ErrConnection, "dial", context.DeadlineExceeded), ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
