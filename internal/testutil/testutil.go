// Package testutil holds shared test gating helpers.
package testutil

import (
	"flag"
	"testing"
)

var runSlow = flag.Bool("slow", false, "run slow tests (full archive lifecycle, key derivation)")

// RequireSlow skips the test unless -slow is set. Password-based key
// derivation alone takes noticeable wall time at 600k iterations.
func RequireSlow(t *testing.T) {
	t.Helper()
	if !*runSlow && testing.Short() {
		t.Skip("skipping slow test in -short mode")
	}
}
