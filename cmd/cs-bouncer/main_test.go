package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsExitErrorFindsWrapped(t *testing.T) {
	base := &exitError{code: exitCodeBusy, err: errors.New("busy")}
	wrapped := fmt.Errorf("refresh-cache: %w", base)

	var found *exitError
	ok := asExitError(wrapped, &found)
	require.True(t, ok)
	require.Equal(t, exitCodeBusy, found.code)
}

func TestAsExitErrorMissing(t *testing.T) {
	var found *exitError
	ok := asExitError(errors.New("plain error"), &found)
	require.False(t, ok)
}

func TestRunRefreshCacheRejectsMissingConfig(t *testing.T) {
	err := runRefreshCache("/nonexistent/config.yaml")
	require.Error(t, err)
	var ee *exitError
	require.True(t, asExitError(err, &ee))
	require.Equal(t, exitCodeConfigError, ee.code)
}

func TestRunClearCacheRejectsMissingConfig(t *testing.T) {
	err := runClearCache("/nonexistent/config.yaml")
	require.Error(t, err)
	var ee *exitError
	require.True(t, asExitError(err, &ee))
	require.Equal(t, exitCodeConfigError, ee.code)
}
