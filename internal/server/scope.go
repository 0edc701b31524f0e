package server

import "strings"

// matchScope reports whether path is covered by scope. A scope of "*"
// matches everything. A scope ending in "/*" matches path if path is under
// that directory (strict prefix on path segments, not a substring match).
// Any other scope must match path exactly. A scope is a single pattern:
// callers wanting a key to cover several prefixes store several keys.
// CanRead and CanWrite pass a key's scope through whole and do not split a
// comma-joined scope.
func matchScope(scope, path string) bool {
	if scope == "*" {
		return true
	}
	if strings.HasSuffix(scope, "/*") {
		prefix := strings.TrimSuffix(scope, "*")
		return strings.HasPrefix(path, prefix)
	}
	return scope == path
}
