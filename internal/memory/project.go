// Package memory holds per-agent scratch context, conversation history and
// project identity.
package memory

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Project identifies the workspace a session operates on.
type Project struct {
	Name string `json:"name"`
	// ID is Name plus a short hash of Root, stable across runs and unique
	// across checkouts with the same directory name.
	ID   string `json:"id"`
	Root string `json:"root"`
}

// DetectProject names the project after its git root, or the directory
// itself when there is none.
func DetectProject(path string) Project {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	name := detectProjectName(abs)
	return Project{Name: name, ID: projectID(name, abs), Root: abs}
}

func detectProjectName(path string) string {
	dir := path
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return filepath.Base(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	base := filepath.Base(path)
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "unknown"
	}
	return base
}

func projectID(name, path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("%s-%x", name, h[:4])
}

// instructionFiles are checked in order; the first one found wins.
var instructionFiles = []string{"KADO.md", filepath.Join(".kado", "instructions.md")}

// LoadInstructions returns project-specific guidance for the planner, or ""
// when none exists.
func LoadInstructions(root string) string {
	for _, name := range instructionFiles {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}
