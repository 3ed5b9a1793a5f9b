// Package guard switches the binaries into test mode when imported by tests.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("REAGENTD_TEST_MODE") == "" {
			_ = os.Setenv("REAGENTD_TEST_MODE", "1")
		}
	})
}
