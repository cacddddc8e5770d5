package process

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bock-rs/bock-core/pkg/bundle"
)

func TestWriteInitPayloadEncodesFifoAndOverlayPaths(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	spec := &bundle.SpecView{}
	require.NoError(t, writeInitPayload(w, &initPayload{
		Spec:       spec,
		FifoPath:   "/run/bock/c1/exec.fifo",
		OverlayDir: "/run/bock/c1/overlay",
	}))
	require.NoError(t, w.Close())

	var got initPayload
	require.NoError(t, json.NewDecoder(r).Decode(&got))
	assert.Equal(t, "/run/bock/c1/exec.fifo", got.FifoPath)
	assert.Equal(t, "/run/bock/c1/overlay", got.OverlayDir)
}
