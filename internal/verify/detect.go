// Package verify checks the outcome of an executed plan: failed steps, then
// build, lint and test runs through the sandbox.
package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// BuildSystem is a detected project toolchain.
type BuildSystem struct {
	Name string
	// Binary must be on PATH for the commands to run.
	Binary string
	Build  string
	// Test is empty when the project has no test entry point.
	Test string
	// LintsGo is set for Go projects, where lint runs go vet per package.
	LintsGo bool
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// Detect inspects root for a known build file. Returns nil when none is
// found.
func Detect(root string) *BuildSystem {
	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		var pkg struct {
			Scripts map[string]string `json:"scripts"`
		}
		if json.Unmarshal(data, &pkg) == nil && pkg.Scripts["build"] != "" {
			bs := &BuildSystem{Name: "npm", Binary: "npm", Build: "npm run build"}
			if pkg.Scripts["test"] != "" {
				bs.Test = "npm test"
			}
			return bs
		}
	}
	if data, err := os.ReadFile(filepath.Join(root, "Makefile")); err == nil {
		bs := &BuildSystem{Name: "make", Binary: "make", Build: "make"}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "test:") {
				bs.Test = "make test"
				break
			}
		}
		return bs
	}
	if exists(filepath.Join(root, "Cargo.toml")) {
		return &BuildSystem{Name: "cargo", Binary: "cargo", Build: "cargo build", Test: "cargo test"}
	}
	if exists(filepath.Join(root, "go.mod")) {
		return &BuildSystem{Name: "go", Binary: "go", Build: "go build ./...", Test: "go test ./...", LintsGo: true}
	}
	if exists(filepath.Join(root, "setup.py")) {
		return &BuildSystem{Name: "python", Binary: "python", Build: "python setup.py build", Test: "python -m pytest -q"}
	}
	return nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// Environment describes what verification can run for a project.
type Environment struct {
	Root      string
	Build     *BuildSystem
	Toolchain map[string]bool
	Warnings  []string
	Errors    []string
}

var probedBinaries = []string{"go", "npm", "npx", "cargo", "make", "python"}

// Inspect detects the build system and which toolchain binaries are
// installed.
func Inspect(root string) *Environment {
	env := &Environment{Root: root, Build: Detect(root), Toolchain: make(map[string]bool)}
	for _, bin := range probedBinaries {
		_, err := lookPath(bin)
		env.Toolchain[bin] = err == nil
	}
	switch {
	case env.Build == nil:
		env.Warnings = append(env.Warnings, "No build system detected; build verification is skipped")
	case !env.Toolchain[env.Build.Binary]:
		env.Errors = append(env.Errors, fmt.Sprintf("%s project but %q is not on PATH", env.Build.Name, env.Build.Binary))
	case env.Build.Test == "":
		env.Warnings = append(env.Warnings, "No test entry point; test verification is skipped")
	}
	return env
}

// CanBuild reports whether the build check will actually run.
func (e *Environment) CanBuild() bool {
	return e.Build != nil && e.Toolchain[e.Build.Binary]
}

// Summary renders the environment for humans.
func (e *Environment) Summary() string {
	var sb strings.Builder
	sb.WriteString("VERIFICATION ENVIRONMENT\n")
	sb.WriteString(strings.Repeat("─", 40) + "\n")
	fmt.Fprintf(&sb, "Project:      %s\n", e.Root)
	if e.Build == nil {
		sb.WriteString("Build system: none\n")
	} else {
		fmt.Fprintf(&sb, "Build system: %s (%s)\n", e.Build.Name, e.Build.Build)
		test := e.Build.Test
		if test == "" {
			test = "none"
		}
		fmt.Fprintf(&sb, "Tests:        %s\n", test)
	}

	sb.WriteString("Toolchain:\n")
	bins := make([]string, 0, len(e.Toolchain))
	for b := range e.Toolchain {
		bins = append(bins, b)
	}
	sort.Strings(bins)
	for _, b := range bins {
		status := "missing"
		if e.Toolchain[b] {
			status = "OK"
		}
		fmt.Fprintf(&sb, "  %-8s %s\n", b, status)
	}

	if len(e.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, w := range e.Warnings {
			fmt.Fprintf(&sb, "  ⚠ %s\n", w)
		}
	}
	if len(e.Errors) > 0 {
		sb.WriteString("\nErrors:\n")
		for _, err := range e.Errors {
			fmt.Fprintf(&sb, "  ✗ %s\n", err)
		}
	}
	sb.WriteString("\n")
	if len(e.Errors) == 0 {
		sb.WriteString("Status: READY\n")
	} else {
		sb.WriteString("Status: DEGRADED - build checks will be skipped\n")
	}
	return sb.String()
}
