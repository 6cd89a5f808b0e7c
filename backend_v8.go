//go:build v8

package busworker

import (
	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/v8engine"
)

// Backend names the JS engine compiled into this binary.
const Backend = "v8"

func newRuntime() core.RuntimeFactory {
	return v8engine.New
}
