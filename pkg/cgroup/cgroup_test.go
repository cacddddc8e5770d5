package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxOrValue(t *testing.T) {
	assert.Equal(t, "max", maxOrValue(-1))
	assert.Equal(t, "0", maxOrValue(0))
	assert.Equal(t, "1048576", maxOrValue(1048576))
}

func TestSharesToWeightBounds(t *testing.T) {
	assert.Equal(t, uint64(100), sharesToWeight(0), "unset shares map to the cgroup v2 default weight")
	assert.Equal(t, uint64(1), sharesToWeight(2), "minimum legacy shares map to minimum weight")
	assert.Equal(t, uint64(10000), sharesToWeight(262144), "maximum legacy shares map to maximum weight")
}

func TestSharesToWeightMonotonic(t *testing.T) {
	a := sharesToWeight(100)
	b := sharesToWeight(1000)
	c := sharesToWeight(100000)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestReadInt64ParsesPlainNumber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.current")
	require.NoError(t, os.WriteFile(path, []byte("4096\n"), 0o644))
	v, err := readInt64(path)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, v)
}

func TestReadInt64TreatsMaxSentinelAsZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.max")
	require.NoError(t, os.WriteFile(path, []byte("max\n"), 0o644))
	v, err := readInt64(path)
	require.NoError(t, err)
	assert.EqualValues(t, 0, v)
}

func TestReadInt64MissingFileErrors(t *testing.T) {
	_, err := readInt64(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCPUStatsReadParsesCPUStatV2(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cpu.stat"), []byte(
		"usage_usec 1000\nuser_usec 700\nsystem_usec 300\nnr_periods 0\n",
	), 0o644))
	h := &Handle{Path: dir, V2: true}

	stats, err := h.CPUStatsRead()
	require.NoError(t, err)
	assert.EqualValues(t, 1000, stats.UsageUsec)
	assert.EqualValues(t, 700, stats.UserUsec)
	assert.EqualValues(t, 300, stats.SystemUsec)
}

func TestProcsPidsParsesWhitespaceSeparatedList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte("100\n200\n300\n"), 0o644))
	h := &Handle{Path: dir, V2: true}

	pids, err := h.procsPids()
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, pids)
}

func TestProcsPidsMissingFileIsEmptyNotError(t *testing.T) {
	h := &Handle{Path: filepath.Join(t.TempDir(), "gone"), V2: true}
	pids, err := h.procsPids()
	require.NoError(t, err)
	assert.Empty(t, pids)
}

func TestReadFrozenEventV2ParsesCgroupEvents(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup.events"), []byte("populated 1\nfrozen 1\n"), 0o644))
	h := &Handle{Path: dir, V2: true}

	frozen, err := h.readFrozenEventV2()
	require.NoError(t, err)
	assert.True(t, frozen)
}

func TestDegradableRequiresRootlessAndNotStrict(t *testing.T) {
	permErr := os.ErrPermission
	assert.True(t, degradable(permErr, false, true))
	assert.False(t, degradable(permErr, true, true), "strict overrides rootless degradation")
	assert.False(t, degradable(permErr, false, false), "non-rootless failures are not degraded")
}
