package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// testEnv is applied to every test binary importing this package. Keys that
// are already set in the environment are left alone, except the test mode flag.
var testEnv = map[string]string{
	"LOG_LEVEL":  "error",
	"LOG_FORMAT": "json",
}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("CMDGATE_TEST_MODE", "1")
		for key, value := range testEnv {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

// TestMain lets packages delegate to this guard from their own TestMain.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
