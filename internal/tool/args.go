package tool

import (
	"encoding/json"
	"path/filepath"
	"strconv"
)

// pathKeys are accepted spellings of the target path argument.
var pathKeys = []string{"path", "file", "file_path", "filePath"}

// PathArg returns the target path of a call, or "".
func PathArg(args map[string]any) string {
	for _, k := range pathKeys {
		if s, ok := args[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringArg(args map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := args[k].(string); ok {
			return s, true
		}
	}
	return "", false
}

// intArg accepts ints, JSON numbers and numeric strings.
func intArg(args map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		switch n := args[k].(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case float64:
			return int(n), true
		case json.Number:
			if v, err := n.Int64(); err == nil {
				return int(v), true
			}
		case string:
			if v, err := strconv.Atoi(n); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}

func boolArg(args map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := args[k].(bool); ok {
			return b
		}
	}
	return false
}

// resolvePath joins relative paths onto root.
func resolvePath(root, p string) string {
	if p == "" {
		return filepath.Clean(root)
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}
