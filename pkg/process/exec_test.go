package process

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bock-rs/bock-core/pkg/bundle"
)

func TestWriteExecPayloadThenDecodeRoundTrips(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	want := &execPayload{
		ContainerPID: 4242,
		Process:      &bundle.Process{Cwd: "/work", Args: []string{"/bin/sh"}},
	}
	require.NoError(t, writeExecPayload(w, want))
	require.NoError(t, w.Close())

	var got execPayload
	require.NoError(t, decodeExecPayload(r, &got))
	assert.Equal(t, want.ContainerPID, got.ContainerPID)
	assert.Equal(t, want.Process.Cwd, got.Process.Cwd)
	assert.Equal(t, want.Process.Args, got.Process.Args)
}
