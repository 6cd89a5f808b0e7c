//go:build !v8

package bridge

import "github.com/cryguy/busworker/internal/quickjs"

var newTestRuntime = quickjs.New
