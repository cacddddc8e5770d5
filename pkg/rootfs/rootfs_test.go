package rootfs

import (
	"testing"

	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bundle"
)

func TestMountFlagsRecognizesOptionVocabulary(t *testing.T) {
	flags, data := mountFlags(bundle.Mount{
		Type:    "bind",
		Options: []string{"bind", "ro", "nosuid", "noexec", "nodev", "relatime"},
	})
	assert.NotZero(t, flags&unix.MS_BIND)
	assert.NotZero(t, flags&unix.MS_RDONLY)
	assert.NotZero(t, flags&unix.MS_NOSUID)
	assert.NotZero(t, flags&unix.MS_NOEXEC)
	assert.NotZero(t, flags&unix.MS_NODEV)
	assert.NotZero(t, flags&unix.MS_RELATIME)
	assert.Empty(t, data)
}

func TestMountFlagsCollectsUnrecognizedOptionsAsData(t *testing.T) {
	_, data := mountFlags(bundle.Mount{Type: "tmpfs", Options: []string{"mode=1777", "size=65536k"}})
	assert.Equal(t, "mode=1777,size=65536k", data)
}

func TestMountFlagsDefaultsPseudoFSWithNoOptions(t *testing.T) {
	flags, _ := mountFlags(bundle.Mount{Type: "proc"})
	assert.Equal(t, defaultMountFlags, flags)
}

func TestMountFlagsLeavesRegularFSWithNoOptionsAlone(t *testing.T) {
	flags, _ := mountFlags(bundle.Mount{Type: "ext4"})
	assert.Zero(t, flags)
}

func TestIsPseudoFS(t *testing.T) {
	for _, fs := range []string{"proc", "sysfs", "tmpfs", "devpts", "mqueue", "cgroup", "cgroup2"} {
		assert.True(t, isPseudoFS(fs), fs)
	}
	assert.False(t, isPseudoFS("ext4"))
	assert.False(t, isPseudoFS("overlay"))
}

func TestPropagationFlag(t *testing.T) {
	assert.EqualValues(t, unix.MS_SHARED, propagationFlag("shared"))
	assert.EqualValues(t, unix.MS_SLAVE, propagationFlag("slave"))
	assert.EqualValues(t, unix.MS_PRIVATE, propagationFlag("private"))
	assert.EqualValues(t, unix.MS_UNBINDABLE, propagationFlag("unbindable"))
	assert.Zero(t, propagationFlag(""))
	assert.Zero(t, propagationFlag("bogus"))
}

func TestClosestMountPicksLongestPrefix(t *testing.T) {
	mounts := []*mountinfo.Info{
		{Mountpoint: "/"},
		{Mountpoint: "/var"},
		{Mountpoint: "/var/lib/bock"},
	}
	got := closestMount(mounts, "/var/lib/bock/overlay/abc/work")
	assert.Equal(t, "/var/lib/bock", got.Mountpoint)
}

func TestClosestMountFallsBackToRoot(t *testing.T) {
	mounts := []*mountinfo.Info{
		{Mountpoint: "/"},
		{Mountpoint: "/var"},
	}
	got := closestMount(mounts, "/etc/hostname")
	assert.Equal(t, "/", got.Mountpoint)
}

func TestClosestMountReturnsNilWhenNoneMatch(t *testing.T) {
	mounts := []*mountinfo.Info{{Mountpoint: "/var"}}
	got := closestMount(mounts, "/etc/hostname")
	assert.Nil(t, got)
}
