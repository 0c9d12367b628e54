package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidStatus(t *testing.T) {
	assert.True(t, ValidStatus(StatusInactive))
	assert.True(t, ValidStatus(StatusActive))
	assert.True(t, ValidStatus(StatusError))

	assert.False(t, ValidStatus(""))
	assert.False(t, ValidStatus("pending"))
	assert.False(t, ValidStatus("ACTIVE"))
}
