// Package tools holds helpers shared by the model-facing toolsets for
// reading arguments out of decoded tool-call JSON.
package tools

// StringArg extracts a string argument, empty when missing or not a
// string.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg extracts an integer argument. JSON numbers decode as float64,
// so both forms are accepted.
func IntArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
