package bockerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasNoCause(t *testing.T) {
	err := New(InvalidSpec, "bad config")
	assert.Equal(t, InvalidSpec, err.Kind)
	assert.Nil(t, err.Unwrap())
	assert.Equal(t, "InvalidSpec: bad config", err.Error())
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := Wrap(Permission, "setrlimit", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "setrlimit")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestWithErrnoAttaches(t *testing.T) {
	err := New(Internal, "prctl").WithErrno(13)
	assert.Equal(t, 13, err.Errno)
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	base := New(NotFound, "entrypoint missing")
	wrapped := errors.New("outer: " + base.Error())
	assert.Equal(t, Internal, KindOf(wrapped), "plain errors default to Internal")
	assert.Equal(t, NotFound, KindOf(base))

	viaFmt := Wrap(HookFailed, "running hook", base)
	assert.Equal(t, HookFailed, KindOf(viaFmt))
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := New(AlreadyExists, "container foo exists")
	b := New(AlreadyExists, "container bar exists")
	c := New(NotFound, "container baz missing")

	require.True(t, errors.Is(a, b), "two errors of the same kind should match")
	assert.False(t, errors.Is(a, c))
}

func TestSentinelMatchesConstructedErrors(t *testing.T) {
	err := Wrap(Timeout, "waiting for freezer", errors.New("deadline exceeded"))
	assert.True(t, errors.Is(err, Sentinel(Timeout)))
	assert.False(t, errors.Is(err, Sentinel(Canceled)))
}
