package webapi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ModuleGlobal is where a loaded handler module's exports live.
const ModuleGlobal = "globalThis.__handler_module__"

// WrapESModule transforms an ES module into a script that assigns the
// module's exports to ModuleGlobal. A default export that is an object
// replaces the namespace, so `export default { orders(msg) {...} }` and
// `export function orders(msg) {...}` expose handlers the same way.
// Plain scripts pass through esbuild unchanged apart from the wrapper.
func WrapESModule(source string) (string, error) {
	result := api.Transform(source, api.TransformOptions{
		Format:     api.FormatIIFE,
		GlobalName: ModuleGlobal,
		Target:     api.ES2020,
		Sourcefile: "handlers.js",
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, m := range result.Errors {
			if m.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%d:%d: %s", m.Location.Line, m.Location.Column, m.Text))
			} else {
				msgs = append(msgs, m.Text)
			}
		}
		return "", errors.New("handler module: " + strings.Join(msgs, "; "))
	}
	code := string(result.Code)
	code += "if(" + ModuleGlobal + "&&" + ModuleGlobal + ".default&&typeof " + ModuleGlobal + ".default==='object')" +
		ModuleGlobal + "=" + ModuleGlobal + ".default;\n"
	return code, nil
}
