package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/syndtr/gocapability/capability"

	"github.com/bock-rs/bock-core/pkg/bundle"
)

func TestRlimitResourceKnownNames(t *testing.T) {
	res, ok := rlimitResource("RLIMIT_NOFILE")
	assert.True(t, ok)
	assert.NotZero(t, res)

	_, ok = rlimitResource("RLIMIT_BOGUS")
	assert.False(t, ok)
}

func TestCapabilityByNameRoundTrips(t *testing.T) {
	c, ok := capabilityByName("CAP_SYS_ADMIN")
	assert.True(t, ok)
	assert.Equal(t, capability.CAP_SYS_ADMIN, c)

	_, ok = capabilityByName("CAP_DOES_NOT_EXIST")
	assert.False(t, ok)
}

func TestCapabilityByNameRejectsLowercase(t *testing.T) {
	_, ok := capabilityByName("cap_sys_admin")
	assert.False(t, ok, "the capability grammar is uppercase-only, matching the OCI spec's own vocabulary")
}

func TestApplyLSMLabelNoopWithoutLabel(t *testing.T) {
	assert.NoError(t, applyLSMLabel(&bundle.Process{}))
	assert.NoError(t, applyLSMLabel(nil))
}

func TestApplyAppArmorProfileNoopWithoutProfile(t *testing.T) {
	assert.NoError(t, applyAppArmorProfile(&bundle.Process{}))
	assert.NoError(t, applyAppArmorProfile(nil))
}

func TestApplyAppArmorProfileNoopWhenLSMDisabled(t *testing.T) {
	// This test host is not expected to run under AppArmor, so
	// appArmorEnabled() should report false and the profile write
	// should be skipped rather than attempted.
	if appArmorEnabled() {
		t.Skip("host has AppArmor enabled; skipping the disabled-LSM path")
	}
	err := applyAppArmorProfile(&bundle.Process{ApparmorProfile: "docker-default"})
	assert.NoError(t, err)
}
