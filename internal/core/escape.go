package core

import "strconv"

// JsEscape escapes a string for safe embedding in JavaScript source code.
func JsEscape(s string) string {
	return strconv.Quote(s)
}
