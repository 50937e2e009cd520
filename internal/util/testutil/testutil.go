// Package testutil holds small helpers shared across package tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context cancelled automatically when the test ends.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// AssertEventually is a convenience wrapper around assert.Eventually
// with standardized timeout (5s) and polling interval (10ms).
func AssertEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) bool {
	t.Helper()
	return assert.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}

// RequireEventually is a convenience wrapper around require.Eventually
// with standardized timeout (5s) and polling interval (10ms).
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...interface{}) {
	t.Helper()
	require.Eventually(t, condition, 5*time.Second, 10*time.Millisecond, msgAndArgs...)
}
