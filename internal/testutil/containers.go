// Package testutil starts shared database containers for integration tests.
//
// Each container is started at most once per test binary. Tests are skipped
// when run with -short or when no container runtime is available.
package testutil

import (
	"testing"
)

// skipIfShort skips integration tests in -short mode.
func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// skipOnStartErr skips t when the shared container could not be started.
func skipOnStartErr(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", name, err)
	}
}
