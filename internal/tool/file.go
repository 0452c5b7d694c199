package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadBytes caps file_read output.
const maxReadBytes = 256 * 1024

// FileRead returns file content, optionally a 1-based inclusive line range.
type FileRead struct{ root string }

func NewFileRead(root string) *FileRead { return &FileRead{root: root} }

func (t *FileRead) Info() Definition {
	return Definition{
		Name:        "file_read",
		Description: "Read file content with optional line range",
		Category:    CategoryFile,
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "startLine", Type: "number", Description: "Start line (1-based)"},
			{Name: "endLine", Type: "number", Description: "End line (1-based, inclusive)"},
		},
	}
}

func (t *FileRead) Execute(ctx context.Context, args map[string]any) Result {
	p := PathArg(args)
	if p == "" {
		return Fail("file_read: path is required")
	}
	data, err := os.ReadFile(resolvePath(t.root, p))
	if err != nil {
		return Fail("file_read: %v", err)
	}
	content := string(data)

	start, hasStart := intArg(args, "startLine", "start_line", "offset")
	end, hasEnd := intArg(args, "endLine", "end_line")
	if hasStart || hasEnd {
		lines := strings.Split(content, "\n")
		if !hasStart || start < 1 {
			start = 1
		}
		if !hasEnd || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			content = ""
		} else {
			content = strings.Join(lines[start-1:end], "\n")
		}
	}
	if len(content) > maxReadBytes {
		content = content[:maxReadBytes] + "\n... (truncated)"
	}
	return Result{Success: true, Data: content}
}

// FileWrite creates or overwrites a file, creating parent directories.
type FileWrite struct{ root string }

func NewFileWrite(root string) *FileWrite { return &FileWrite{root: root} }

func (t *FileWrite) Info() Definition {
	return Definition{
		Name:        "file_write",
		Description: "Create or overwrite a file with the given content",
		Category:    CategoryFile,
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "content", Type: "string", Description: "Full file content", Required: true},
		},
	}
}

func (t *FileWrite) Execute(ctx context.Context, args map[string]any) Result {
	p := PathArg(args)
	if p == "" {
		return Fail("file_write: path is required")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return Fail("file_write: content is required")
	}

	full := resolvePath(t.root, p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Fail("file_write: create directory: %v", err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(full, []byte(content), mode); err != nil {
		return Fail("file_write: %v", err)
	}
	return Result{Success: true, Data: map[string]any{"path": p, "bytes": len(content)}}
}

// FileEdit replaces exact string matches. A missing oldString fails the call
// and leaves the file untouched.
type FileEdit struct{ root string }

func NewFileEdit(root string) *FileEdit { return &FileEdit{root: root} }

func (t *FileEdit) Info() Definition {
	return Definition{
		Name:        "file_edit",
		Description: "Apply targeted string replacement in a file",
		Category:    CategoryFile,
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "oldString", Type: "string", Description: "String to replace", Required: true},
			{Name: "newString", Type: "string", Description: "Replacement string", Required: true},
			{Name: "replaceAll", Type: "boolean", Description: "Replace all occurrences", Default: false},
		},
	}
}

func (t *FileEdit) Execute(ctx context.Context, args map[string]any) Result {
	p := PathArg(args)
	if p == "" {
		return Fail("file_edit: path is required")
	}
	oldStr, ok := stringArg(args, "oldString", "old_string")
	if !ok || oldStr == "" {
		return Fail("file_edit: oldString is required")
	}
	newStr, ok := stringArg(args, "newString", "new_string")
	if !ok {
		return Fail("file_edit: newString is required")
	}
	replaceAll := boolArg(args, "replaceAll", "replace_all")

	full := resolvePath(t.root, p)
	info, err := os.Stat(full)
	if err != nil {
		return Fail("file_edit: %v", err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Fail("file_edit: %v", err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return Result{
			Data:  map[string]any{"matched": false, "replacements": 0},
			Error: fmt.Sprintf("file_edit: oldString not found in %s", p),
		}
	}
	if replaceAll {
		content = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		content = strings.Replace(content, oldStr, newStr, 1)
		count = 1
	}

	if err := os.WriteFile(full, []byte(content), info.Mode().Perm()); err != nil {
		return Fail("file_edit: %v", err)
	}
	return Result{Success: true, Data: map[string]any{"matched": true, "replacements": count}}
}

// FileDelete removes a single file. Directories are refused.
type FileDelete struct{ root string }

func NewFileDelete(root string) *FileDelete { return &FileDelete{root: root} }

func (t *FileDelete) Info() Definition {
	return Definition{
		Name:        "file_delete",
		Description: "Delete a file",
		Category:    CategoryFile,
		Params: []Param{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
	}
}

func (t *FileDelete) Execute(ctx context.Context, args map[string]any) Result {
	p := PathArg(args)
	if p == "" {
		return Fail("file_delete: path is required")
	}
	full := resolvePath(t.root, p)
	info, err := os.Lstat(full)
	if errors.Is(err, os.ErrNotExist) {
		return Fail("file_delete: %s does not exist", p)
	}
	if err != nil {
		return Fail("file_delete: %v", err)
	}
	if info.IsDir() {
		return Fail("file_delete: %s is a directory", p)
	}
	if err := os.Remove(full); err != nil {
		return Fail("file_delete: %v", err)
	}
	return Result{Success: true, Data: map[string]any{"path": p, "deleted": true}}
}

var (
	_ Tool = (*FileRead)(nil)
	_ Tool = (*FileWrite)(nil)
	_ Tool = (*FileEdit)(nil)
	_ Tool = (*FileDelete)(nil)
)
