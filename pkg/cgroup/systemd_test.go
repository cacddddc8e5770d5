package cgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitNameFollowsScopeConvention(t *testing.T) {
	assert.Equal(t, "bock-abc123.scope", unitName("abc123"))
}
