package event

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesContainerLogFile(t *testing.T) {
	root := t.TempDir()
	sink, err := Open(root, "abc123")
	require.NoError(t, err)

	sink.Emit("abc123", KindTransition, "created")

	data, err := os.ReadFile(filepath.Join(root, "containers", "abc123", "log"))
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &frame))
	assert.Equal(t, "abc123", frame.ContainerID)
	assert.Equal(t, KindTransition, frame.Kind)
	assert.Equal(t, "created", frame.Message)
}

func TestEmitFormatsMessageWithArgs(t *testing.T) {
	root := t.TempDir()
	sink, err := Open(root, "xyz")
	require.NoError(t, err)

	sink.Emit("xyz", KindWarning, "hook %s failed: %v", "poststart", "boom")

	data, err := os.ReadFile(filepath.Join(root, "containers", "xyz", "log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hook poststart failed: boom")
}

func TestEmitAppendsMultipleFrames(t *testing.T) {
	root := t.TempDir()
	sink, err := Open(root, "multi")
	require.NoError(t, err)

	sink.Emit("multi", KindTransition, "creating")
	sink.Emit("multi", KindTransition, "created")
	sink.Emit("multi", KindTransition, "running")

	data, err := os.ReadFile(filepath.Join(root, "containers", "multi", "log"))
	require.NoError(t, err)

	dec := json.NewDecoder(bytes.NewReader(data))
	var frames []Frame
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			break
		}
		frames = append(frames, f)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "creating", frames[0].Message)
	assert.Equal(t, "running", frames[2].Message)
}

func TestTailReadsExistingFramesThenStops(t *testing.T) {
	root := t.TempDir()
	sink, err := Open(root, "tailme")
	require.NoError(t, err)
	sink.Emit("tailme", KindTransition, "created")

	logPath := filepath.Join(root, "containers", "tailme", "log")
	stop := make(chan struct{})
	var got []Frame
	done := make(chan error, 1)
	go func() {
		done <- Tail(logPath, stop, func(f Frame) {
			got = append(got, f)
			close(stop)
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Tail did not return after stop was closed")
	}
	require.Len(t, got, 1)
	assert.Equal(t, "created", got[0].Message)
}

func TestTailMissingFileReturnsNilImmediately(t *testing.T) {
	stop := make(chan struct{})
	err := Tail(filepath.Join(t.TempDir(), "missing"), stop, func(Frame) {})
	assert.NoError(t, err)
}
