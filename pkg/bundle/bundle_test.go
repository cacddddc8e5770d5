package bundle

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

func writeBundle(t *testing.T, spec *specs.Spec) string {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))
	return dir
}

func minimalSpec() *specs.Spec {
	return &specs.Spec{
		Root:    &specs.Root{Path: "rootfs"},
		Process: &specs.Process{Args: []string{"/bin/sh"}},
	}
}

func TestValidIDGrammar(t *testing.T) {
	assert.True(t, ValidID("a"))
	assert.True(t, ValidID("my-container_1.0"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("has a space"))
	assert.False(t, ValidID("has/slash"))
}

func TestLoadMissingConfigJSON(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Equal(t, bockerr.InvalidSpec, bockerr.KindOf(err))
}

func TestLoadRelativeRootIsJoinedToBundleDir(t *testing.T) {
	dir := writeBundle(t, minimalSpec())
	view, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "rootfs"), view.Root.Path)
}

func TestLoadRejectsMissingRoot(t *testing.T) {
	dir := writeBundle(t, &specs.Spec{Process: &specs.Process{Args: []string{"sh"}}})
	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, bockerr.InvalidSpec, bockerr.KindOf(err))
}

func TestLoadRejectsEmptyProcessArgs(t *testing.T) {
	s := minimalSpec()
	s.Process.Args = nil
	dir := writeBundle(t, s)
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsDuplicateNamespace(t *testing.T) {
	s := minimalSpec()
	s.Linux = &specs.Linux{Namespaces: []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.PIDNamespace},
	}}
	dir := writeBundle(t, s)
	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, bockerr.InvalidSpec, bockerr.KindOf(err))
}

func TestLoadRejectsUIDMappingsWithJoinedUserNS(t *testing.T) {
	s := minimalSpec()
	s.Linux = &specs.Linux{
		Namespaces:  []specs.LinuxNamespace{{Type: specs.UserNamespace, Path: "/proc/1/ns/user"}},
		UIDMappings: []specs.LinuxIDMapping{{ContainerID: 0, HostID: 100000, Size: 65536}},
	}
	dir := writeBundle(t, s)
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsUIDMappingsWithoutUserNS(t *testing.T) {
	s := minimalSpec()
	s.Linux = &specs.Linux{
		UIDMappings: []specs.LinuxIDMapping{{ContainerID: 0, HostID: 100000, Size: 65536}},
	}
	dir := writeBundle(t, s)
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadAcceptsUIDMappingsWithCreatedUserNS(t *testing.T) {
	s := minimalSpec()
	s.Linux = &specs.Linux{
		Namespaces:  []specs.LinuxNamespace{{Type: specs.UserNamespace}},
		UIDMappings: []specs.LinuxIDMapping{{ContainerID: 0, HostID: 100000, Size: 65536}},
	}
	dir := writeBundle(t, s)
	view, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, view.UIDMappings, 1)
}

func TestMemoryAnnotationAppliesWhenLimitAbsent(t *testing.T) {
	s := minimalSpec()
	s.Annotations = map[string]string{annotationMemoryLimit: "512m"}
	dir := writeBundle(t, s)
	view, err := Load(dir)
	require.NoError(t, err)
	require.NotNil(t, view.Resources)
	require.NotNil(t, view.Resources.Memory)
	require.NotNil(t, view.Resources.Memory.Limit)
	assert.EqualValues(t, 512*1024*1024, *view.Resources.Memory.Limit)
}

func TestMemoryAnnotationDoesNotOverrideExplicitLimit(t *testing.T) {
	explicit := int64(123456)
	s := minimalSpec()
	s.Annotations = map[string]string{annotationMemoryLimit: "512m"}
	s.Linux = &specs.Linux{Resources: &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &explicit}}}
	dir := writeBundle(t, s)
	view, err := Load(dir)
	require.NoError(t, err)
	assert.EqualValues(t, explicit, *view.Resources.Memory.Limit)
}

func TestMemoryAnnotationRejectsGarbage(t *testing.T) {
	s := minimalSpec()
	s.Annotations = map[string]string{annotationMemoryLimit: "not-a-size"}
	dir := writeBundle(t, s)
	_, err := Load(dir)
	require.Error(t, err)
	assert.Equal(t, bockerr.InvalidSpec, bockerr.KindOf(err))
}

func TestPropagationOfDefaultsToPrivate(t *testing.T) {
	assert.Equal(t, "private", propagationOf([]string{"ro", "nosuid"}))
	assert.Equal(t, "shared", propagationOf([]string{"rbind", "shared"}))
	assert.Equal(t, "private", propagationOf(nil))
}
