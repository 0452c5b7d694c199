package vector

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/joss/kado/internal/logging"
)

// DefaultIndexPatterns select source files worth indexing.
var DefaultIndexPatterns = []string{
	"**/*.go", "**/*.ts", "**/*.tsx", "**/*.js", "**/*.py", "**/*.rs", "**/*.md",
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true, "build": true,
	"vendor": true, ".kado": true, "coverage": true, "__pycache__": true,
}

// ChunkLines is the default chunk height in lines.
const ChunkLines = 40

// IndexStats summarises one IndexProject run.
type IndexStats struct {
	Files  int
	Chunks int
	Failed int
}

// IndexProject splits matching files under root into line chunks and upserts
// them into idx. Chunk ids are "<relpath>:<start>-<end>". Individual upsert
// failures are counted, not returned; the walk stops on ctx cancellation.
func IndexProject(ctx context.Context, idx Index, root string, patterns []string) (IndexStats, error) {
	if len(patterns) == 0 {
		patterns = DefaultIndexPatterns
	}
	log := logging.New("vector").Child("indexer")
	var stats IndexStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(patterns, rel) {
			return nil
		}

		chunks, err := chunkFile(path, ChunkLines)
		if err != nil {
			log.Debug("index_skip", map[string]any{"path": rel, "error": err.Error()})
			return nil
		}
		stats.Files++
		for _, c := range chunks {
			id := fmt.Sprintf("%s:%d-%d", rel, c.start, c.end)
			md := map[string]any{"path": rel, "startLine": c.start, "endLine": c.end}
			if err := idx.Upsert(ctx, id, c.text, md); err != nil {
				stats.Failed++
				continue
			}
			stats.Chunks++
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	log.Info("index_complete", map[string]any{"files": stats.Files, "chunks": stats.Chunks, "failed": stats.Failed})
	return stats, nil
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

type chunk struct {
	start, end int
	text       string
}

// chunkFile returns non-blank chunks of at most n lines, 1-based inclusive.
func chunkFile(path string, n int) ([]chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []chunk
	var lines []string
	start, lineNo := 1, 0
	flush := func() {
		text := strings.Join(lines, "\n")
		if strings.TrimSpace(text) != "" {
			out = append(out, chunk{start: start, end: lineNo, text: text})
		}
		lines = lines[:0]
		start = lineNo + 1
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		lines = append(lines, sc.Text())
		if len(lines) == n {
			flush()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) > 0 {
		flush()
	}
	return out, nil
}
