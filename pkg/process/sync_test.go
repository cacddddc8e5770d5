package process

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSyncThenReadSyncRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSync(&buf, syncUserNSReady))
	assert.NoError(t, readSync(&buf, syncUserNSReady))
}

func TestReadSyncRejectsWrongStep(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSync(&buf, syncUserNSReady))
	err := readSync(&buf, syncMapsWritten)
	assert.Error(t, err)
}

func TestWriteSyncErrorPropagatesCauseToReader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSyncError(&buf, syncInitReady, errors.New("rootfs prepare failed")))
	err := readSync(&buf, syncInitReady)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rootfs prepare failed")
}

func TestReadSyncOnClosedPipeReportsClosed(t *testing.T) {
	var buf bytes.Buffer
	err := readSync(&buf, syncInitReady)
	assert.Error(t, err)
}
