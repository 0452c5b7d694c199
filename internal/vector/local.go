package vector

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/joss/kado/internal/apperr"
)

// DefaultDimensions is the width of locally hashed vectors.
const DefaultDimensions = 384

// LocalEmbedder hashes word unigrams and bigrams into a fixed-width vector.
// It needs no model and no network, at the cost of purely lexical recall.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates an embedder; dims <= 0 means DefaultDimensions.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &LocalEmbedder{dims: dims}
}

// Dimensions returns the vector width.
func (e *LocalEmbedder) Dimensions() int {
	return e.dims
}

// Embed returns the L2-normalised feature vector for text.
func (e *LocalEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	words := tokenize(text)

	for _, w := range words {
		h := hashString(w)
		sign := float32(1)
		if h&1 == 1 {
			sign = -1
		}
		vec[h%uint32(e.dims)] += sign
	}
	for i := 0; i+1 < len(words); i++ {
		h := hashString(words[i] + " " + words[i+1])
		vec[h%uint32(e.dims)] += 0.5
	}

	normalize(vec)
	return vec
}

// tokenize lowercases and splits on anything that is not a letter, digit or
// underscore. camelCase identifiers are also split into their parts.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, strings.ToLower(f))
		if parts := splitCamel(f); len(parts) > 1 {
			for _, p := range parts {
				out = append(out, strings.ToLower(p))
			}
		}
	}
	return out
}

func splitCamel(s string) []string {
	var parts []string
	start := 0
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if unicode.IsUpper(runes[i]) && unicode.IsLower(runes[i-1]) {
			parts = append(parts, string(runes[start:i]))
			start = i
		}
	}
	return append(parts, string(runes[start:]))
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type localEntry struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	Vector   []float32      `json:"vector"`
}

// LocalIndex is an in-process Index used when the embedding service is not
// running. With a path it persists to a single JSON file on every change.
type LocalIndex struct {
	mu       sync.RWMutex
	embedder *LocalEmbedder
	entries  map[string]*localEntry
	path     string
}

// NewLocalIndex creates an index. An empty path keeps everything in memory.
// An existing file at path is loaded; a corrupt one is an error.
func NewLocalIndex(path string) (*LocalIndex, error) {
	idx := &LocalIndex{
		embedder: NewLocalEmbedder(0),
		entries:  make(map[string]*localEntry),
		path:     path,
	}
	if path == "" {
		return idx, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, apperr.Infrastructure("vector.load", err)
	}
	var list []*localEntry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, apperr.Validation("vector.load", "corrupt index %s: %v", path, err)
	}
	for _, e := range list {
		idx.entries[e.ID] = e
	}
	return idx, nil
}

// Upsert embeds text and stores it under id, replacing any previous entry.
func (x *LocalIndex) Upsert(ctx context.Context, id, text string, metadata map[string]any) error {
	if id == "" {
		return apperr.Validation("vector.upsert", "id is required")
	}
	md := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["text"] = text

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[id] = &localEntry{ID: id, Text: text, Metadata: md, Vector: x.embedder.Embed(text)}
	return x.persist()
}

// Query ranks entries by cosine similarity. Ties break on id.
func (x *LocalIndex) Query(ctx context.Context, text string, topK int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 10
	}
	q := x.embedder.Embed(text)

	x.mu.RLock()
	matches := make([]Match, 0, len(x.entries))
	for _, e := range x.entries {
		score := cosineSimilarity(q, e.Vector)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{ID: e.ID, Text: e.Text, Metadata: e.Metadata, Score: score})
	}
	x.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// Delete removes id; a missing id is not an error.
func (x *LocalIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.entries[id]; !ok {
		return nil
	}
	delete(x.entries, id)
	return x.persist()
}

// Healthy is always true.
func (x *LocalIndex) Healthy(context.Context) bool {
	return true
}

// Len returns the number of entries.
func (x *LocalIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// persist must be called with mu held.
func (x *LocalIndex) persist() error {
	if x.path == "" {
		return nil
	}
	list := make([]*localEntry, 0, len(x.entries))
	for _, e := range x.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.Marshal(list)
	if err != nil {
		return apperr.Infrastructure("vector.persist", err)
	}
	if err := os.MkdirAll(filepath.Dir(x.path), 0o755); err != nil {
		return apperr.Infrastructure("vector.persist", err)
	}
	tmp := x.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperr.Infrastructure("vector.persist", err)
	}
	if err := os.Rename(tmp, x.path); err != nil {
		return apperr.Infrastructure("vector.persist", err)
	}
	return nil
}

var _ Index = (*LocalIndex)(nil)
