package builtin

// intArg reads a numeric argument that may arrive as float64 (JSON), int,
// or int64. Returns def when the key is absent or not numeric.
func intArg(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return def
}
