package assert

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssert(t *testing.T) {
	require.NotPanics(t, func() { Assert(true, "never") })
	require.PanicsWithValue(t, "assertion failed: bad value 3", func() {
		Assert(false, "bad value %d", 3)
	})
	require.PanicsWithValue(t, "assertion failed", func() { Assert(false) })
}

func TestNoError(t *testing.T) {
	require.NotPanics(t, func() { NoError(nil) })
	require.Panics(t, func() { NoError(errors.New("boom")) })
}
