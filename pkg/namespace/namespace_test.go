package namespace

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
)

func TestValidateSplitsCreateAndJoin(t *testing.T) {
	plan, err := Validate([]bundle.Namespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace, Path: "/var/run/netns/foo"},
		{Type: specs.UserNamespace},
	})
	require.NoError(t, err)

	assert.True(t, plan.HasUserNS)
	assert.NotZero(t, plan.CreateFlags&unix.CLONE_NEWPID)
	assert.NotZero(t, plan.CreateFlags&unix.CLONE_NEWUSER)
	assert.Zero(t, plan.CreateFlags&unix.CLONE_NEWNET)
	require.Len(t, plan.Joins, 1)
	assert.Equal(t, "/var/run/netns/foo", plan.Joins[0].Path)
}

func TestValidateRejectsUnknownType(t *testing.T) {
	_, err := Validate([]bundle.Namespace{{Type: specs.LinuxNamespaceType("bogus")}})
	require.Error(t, err)
	assert.Equal(t, bockerr.KernelUnsupported, bockerr.KindOf(err))
}

func TestValidateRejectsDuplicateType(t *testing.T) {
	_, err := Validate([]bundle.Namespace{
		{Type: specs.PIDNamespace},
		{Type: specs.PIDNamespace},
	})
	require.Error(t, err)
	assert.Equal(t, bockerr.InvalidSpec, bockerr.KindOf(err))
}

func TestCreateFlagsWithoutUserStripsUserNS(t *testing.T) {
	plan := &Plan{CreateFlags: unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNET}
	got := plan.CreateFlagsWithoutUser()
	assert.Zero(t, got&unix.CLONE_NEWUSER)
	assert.NotZero(t, got&unix.CLONE_NEWPID)
	assert.NotZero(t, got&unix.CLONE_NEWNET)
}

func TestNSPathFormatsProcPath(t *testing.T) {
	assert.Equal(t, "/proc/1234/ns/net", NSPath(1234, specs.NetworkNamespace))
	assert.Equal(t, "/proc/1/ns/mnt", NSPath(1, specs.MountNamespace))
}

func TestValidateSubIDRangeMissingFileIsOK(t *testing.T) {
	err := validateSubIDRange(filepath.Join(t.TempDir(), "does-not-exist"), []IDMap{{ContainerID: 0, HostID: 100000, Size: 65536}})
	assert.NoError(t, err)
}

func TestValidateSubIDRangeCoveredMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subuid")
	uid := os.Getuid()
	require.NoError(t, os.WriteFile(path, []byte(
		strconv.Itoa(uid)+":100000:65536\n",
	), 0o644))

	err := validateSubIDRange(path, []IDMap{{ContainerID: 0, HostID: 100000, Size: 1000}})
	assert.NoError(t, err)
}

func TestValidateSubIDRangeUncoveredMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subuid")
	uid := os.Getuid()
	require.NoError(t, os.WriteFile(path, []byte(
		strconv.Itoa(uid)+":100000:65536\n",
	), 0o644))

	err := validateSubIDRange(path, []IDMap{{ContainerID: 0, HostID: 5, Size: 1000}})
	require.Error(t, err)
	assert.Equal(t, bockerr.Permission, bockerr.KindOf(err))
}
