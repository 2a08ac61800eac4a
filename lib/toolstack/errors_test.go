package toolstack

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("start", nil))

	cause := errors.New("hypervisor said no")
	err := Wrap("start", cause)
	assert.ErrorIs(t, err, ErrFailure)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "start")

	// Already wrapped errors are not wrapped twice
	assert.Equal(t, err, Wrap("again", err))
}
