package app

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// testModeEnv makes the API and worker binaries return before connecting to
// Postgres or Redis. The testing package sets it for every test binary.
const testModeEnv = "FISCAL_TEST_MODE"

// testMode caches the parsed flag; nil means not read yet.
var testMode struct {
	mu sync.Mutex
	on *bool
}

func readTestMode() bool {
	on, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(testModeEnv)))
	return err == nil && on
}

// InTestMode reports whether startup side effects should be skipped.
func InTestMode() bool {
	testMode.mu.Lock()
	defer testMode.mu.Unlock()
	if testMode.on == nil {
		on := readTestMode()
		testMode.on = &on
	}
	return *testMode.on
}

// RefreshTestMode drops the cached flag so the next InTestMode call reads the
// environment again.
func RefreshTestMode() {
	testMode.mu.Lock()
	testMode.on = nil
	testMode.mu.Unlock()
}
