package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSentinel = New("sentinel")

func TestNew_FormatsArgs(t *testing.T) {
	err := New("unsupported database type: %v", "mysql")
	assert.EqualError(t, err, "unsupported database type: mysql")

	plain := New("100% literal")
	assert.EqualError(t, plain, "100% literal")
}

func TestWrap(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, "context"))
	})

	t.Run("keeps chain", func(t *testing.T) {
		err := Wrap(errSentinel, "could not open %s", "cache")
		assert.EqualError(t, err, "could not open cache: sentinel")
		assert.True(t, Is(err, errSentinel))
		assert.Equal(t, errSentinel, Cause(err))
	})

	t.Run("std wrapping", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", Wrap(errSentinel, "inner"))
		assert.True(t, Is(err, errSentinel))
	})
}
