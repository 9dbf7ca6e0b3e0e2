package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackgroundRefreshEnabled(t *testing.T) {
	require.True(t, backgroundRefreshEnabled("1"))
	require.True(t, backgroundRefreshEnabled(" 1 "))

	// Anything else disables, it never errors.
	require.False(t, backgroundRefreshEnabled(""))
	require.False(t, backgroundRefreshEnabled("0"))
	require.False(t, backgroundRefreshEnabled("true"))
	require.False(t, backgroundRefreshEnabled("TRUE"))
	require.False(t, backgroundRefreshEnabled("yes"))
	require.False(t, backgroundRefreshEnabled("on"))
	require.False(t, backgroundRefreshEnabled("2"))
}
