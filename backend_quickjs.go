//go:build !v8

package busworker

import (
	"github.com/cryguy/busworker/internal/core"
	"github.com/cryguy/busworker/internal/quickjs"
)

// Backend names the JS engine compiled into this binary.
const Backend = "quickjs"

func newRuntime() core.RuntimeFactory {
	return quickjs.New
}
