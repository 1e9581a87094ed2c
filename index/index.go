// Package index builds a lightweight searchable view of a cloned repository.
// Files are split into chunks at declaration-ish boundaries and ranked by
// term overlap against the query; the top snippets become the code context
// handed to the model.
package index

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Snippet is one ranked slice of a source file. Lines are 1-indexed and
// inclusive.
type Snippet struct {
	FilePath  string  `json:"file_path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

// Index is the searchable view of one workspace.
type Index struct {
	root   string
	chunks []chunk
}

type chunk struct {
	file      string
	startLine int
	endLine   int
	text      string
	terms     map[string]int
}

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
}

// sourceExts whitelists the file types worth indexing.
var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".cs": true, ".php": true, ".swift": true, ".kt": true, ".scala": true,
	".sql": true, ".sh": true, ".yaml": true, ".yml": true, ".json": true, ".toml": true,
}

const (
	maxFileBytes  = 512 * 1024
	chunkLines    = 40
	chunkOverlap  = 5
	maxChunkBytes = 8 * 1024
)

// Build walks root and indexes every source file into chunks.
func Build(root string) (*Index, error) {
	idx := &Index{root: root}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxFileBytes {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return idx.addFile(path, filepath.ToSlash(rel))
	})
	if err != nil {
		return nil, fmt.Errorf("index workspace: %w", err)
	}
	return idx, nil
}

func (idx *Index) addFile(path, rel string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// Skip files with pathological lines; the index is best-effort.
		return nil
	}

	for start := 0; start < len(lines); start += chunkLines - chunkOverlap {
		end := start + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		text := strings.Join(lines[start:end], "\n")
		idx.chunks = append(idx.chunks, chunk{
			file:      rel,
			startLine: start + 1,
			endLine:   end,
			text:      text,
			terms:     termCounts(text + " " + rel),
		})
		if end == len(lines) {
			break
		}
	}
	return nil
}

// Search ranks chunks by term overlap with the query and returns up to
// maxResults snippets, best first. Zero-score chunks are dropped.
func (idx *Index) Search(query string, maxResults int) []Snippet {
	if maxResults <= 0 {
		maxResults = 10
	}
	queryTerms := termCounts(query)
	if len(queryTerms) == 0 {
		return nil
	}

	type scored struct {
		c     chunk
		score float64
	}
	var results []scored
	for _, c := range idx.chunks {
		s := overlap(queryTerms, c.terms)
		if s > 0 {
			results = append(results, scored{c, s})
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })

	if len(results) > maxResults {
		results = results[:maxResults]
	}
	out := make([]Snippet, len(results))
	for i, r := range results {
		out[i] = Snippet{
			FilePath:  r.c.file,
			StartLine: r.c.startLine,
			EndLine:   r.c.endLine,
			Text:      r.c.text,
			Score:     r.score,
		}
	}
	return out
}

// Context renders the top search results as a single block suitable for a
// prompt variable.
func (idx *Index) Context(query string, maxResults int) string {
	snippets := idx.Search(query, maxResults)
	if len(snippets) == 0 {
		return "(no relevant code found)"
	}
	var b strings.Builder
	for _, s := range snippets {
		fmt.Fprintf(&b, "--- %s (lines %d-%d) ---\n%s\n\n", s.FilePath, s.StartLine, s.EndLine, s.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Chunks reports how many chunks were indexed; used for progress logging.
func (idx *Index) Chunks() int { return len(idx.chunks) }

// termCounts lowercases and splits text into identifier-ish terms.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, term := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_')
	}) {
		if len(term) < 3 || stopWords[term] {
			continue
		}
		counts[term]++
	}
	return counts
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "var": true, "func": true, "def": true,
	"return": true, "import": true, "from": true, "this": true, "that": true,
	"with": true, "not": true, "int": true, "string": true, "nil": true, "none": true,
	"true": true, "false": true, "const": true, "let": true, "new": true,
}

// overlap scores a chunk: each shared term contributes the query count times
// the chunk count, dampened by chunk length so giant chunks do not dominate.
func overlap(query, doc map[string]int) float64 {
	var score float64
	var docLen int
	for _, n := range doc {
		docLen += n
	}
	if docLen == 0 {
		return 0
	}
	for term, qn := range query {
		if dn, ok := doc[term]; ok {
			score += float64(qn * dn)
		}
	}
	return score / (1 + float64(docLen)/100)
}
