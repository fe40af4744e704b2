// Package testing switches the binaries' startup guard on for test runs.
// Blank-import it from tests that touch cmd entry points or InTestMode.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("FISCAL_TEST_MODE", "1")
		// Keep obligation rendering pointed at nothing reachable.
		if os.Getenv("RENDER_URL") == "" {
			_ = os.Setenv("RENDER_URL", "http://127.0.0.1:0")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
