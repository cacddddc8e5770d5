package reexec

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitReturnsFalseWhenArgv0IsNotRegistered(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()
	os.Args = []string{"definitely-not-registered"}
	assert.False(t, Init())
}

func TestInitRunsRegisteredFunctionAndReturnsTrue(t *testing.T) {
	old := os.Args
	defer func() { os.Args = old }()

	ran := false
	Register("reexec-test-stage", func() { ran = true })
	os.Args = []string{"reexec-test-stage"}

	assert.True(t, Init())
	assert.True(t, ran)
}

func TestSelfReturnsAbsolutePath(t *testing.T) {
	path, err := Self()
	require.NoError(t, err)
	assert.True(t, len(path) > 0 && path[0] == '/')
}
