package planning

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joss/kado/internal/tool"
)

// DefaultTreeDepth is how deep ProjectTree descends.
const DefaultTreeDepth = 3

// maxTreeEntries keeps the tree prompt-sized.
const maxTreeEntries = 400

// ProjectTree renders the directory layout under root, skipping build and
// VCS directories. Directories end with a slash.
func ProjectTree(root string, depth int) string {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	var b strings.Builder
	n := 0
	var walk func(dir, indent string, level int)
	walk = func(dir, indent string, level int) {
		if level > depth || n >= maxTreeEntries {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].IsDir() != entries[j].IsDir() {
				return entries[i].IsDir()
			}
			return entries[i].Name() < entries[j].Name()
		})
		for _, e := range entries {
			if n >= maxTreeEntries {
				b.WriteString(indent + "...\n")
				return
			}
			name := e.Name()
			if e.IsDir() {
				if tool.ExcludedDirs[name] || strings.HasPrefix(name, ".") {
					continue
				}
				b.WriteString(indent + name + "/\n")
				n++
				walk(filepath.Join(dir, name), indent+"  ", level+1)
				continue
			}
			b.WriteString(indent + name + "\n")
			n++
		}
	}
	walk(root, "", 1)
	return strings.TrimRight(b.String(), "\n")
}
