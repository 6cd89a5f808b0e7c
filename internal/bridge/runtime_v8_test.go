//go:build v8

package bridge

import "github.com/cryguy/busworker/internal/v8engine"

var newTestRuntime = v8engine.New
