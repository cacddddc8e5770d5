package cgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDevTypeOf(t *testing.T) {
	assert.Equal(t, devTypeChar, devTypeOf("c"))
	assert.Equal(t, devTypeBlock, devTypeOf("b"))
	assert.Equal(t, 0, devTypeOf("a"))
	assert.Equal(t, 0, devTypeOf(""))
}

func TestAccessMaskOf(t *testing.T) {
	assert.Equal(t, accRead|accWrite|accMknod, accessMaskOf("rwm"))
	assert.Equal(t, accRead, accessMaskOf("r"))
	assert.Equal(t, 0, accessMaskOf(""))
	assert.Equal(t, accWrite, accessMaskOf("w"))
}
