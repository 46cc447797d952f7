package heaputils_test

import (
	"testing"

	"github.com/fixedregion/heaputils"
	"github.com/stretchr/testify/require"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, heaputils.AlignUp(0, 8))
	require.Equal(t, 8, heaputils.AlignUp(1, 8))
	require.Equal(t, 8, heaputils.AlignUp(8, 8))
	require.Equal(t, 16, heaputils.AlignUp(9, 8))
	require.Equal(t, 104, heaputils.AlignUp(100, 8))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, heaputils.AlignDown(7, 8))
	require.Equal(t, 8, heaputils.AlignDown(8, 8))
	require.Equal(t, 8, heaputils.AlignDown(15, 8))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, heaputils.CheckPow2(uint(8), "alignment"))
	require.NoError(t, heaputils.CheckPow2(uint(1024), "region"))

	err := heaputils.CheckPow2(uint(24), "alignment")
	require.ErrorIs(t, err, heaputils.PowerOfTwoError)
}
