// Package patch defines the structured edit format model fixes arrive in
// and applies them to a workspace. Application is all-or-nothing: the whole
// set is staged and validated in memory first, so a bad patch anywhere in
// the set leaves every file untouched.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mendhq/mend/fault"
)

// Operation is the kind of edit a patch performs.
type Operation string

const (
	// OpReplace replaces lines start through end with new code.
	OpReplace Operation = "replace"
	// OpInsert inserts new code before the start line.
	OpInsert Operation = "insert"
	// OpDelete removes lines start through end.
	OpDelete Operation = "delete"
)

// Patch is one line-addressed edit. Line numbers are 1-indexed and
// inclusive. Inserts are anchored by start_line alone; end_line may be
// omitted.
type Patch struct {
	FilePath    string    `json:"file_path" validate:"required"`
	Operation   Operation `json:"operation" validate:"required,oneof=replace insert delete"`
	StartLine   int       `json:"start_line" validate:"required,gte=1"`
	EndLine     int       `json:"end_line" validate:"omitempty,gtefield=StartLine"`
	NewCode     string    `json:"new_code"`
	Description string    `json:"description,omitempty"`
}

// Set is a group of patches fixing one bug.
type Set struct {
	Patches    []Patch `json:"patches" validate:"required,min=1,dive"`
	Rationale  string  `json:"rationale" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

// checkShape validates the fields of one patch independent of any file.
func checkShape(i int, p *Patch) error {
	if p.FilePath == "" {
		return fault.Newf(fault.PatchRejected, "patch %d: file_path is required", i+1)
	}
	clean := filepath.ToSlash(filepath.Clean(p.FilePath))
	if strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") || clean == ".." {
		return fault.Newf(fault.PatchRejected, "patch %d: path %q escapes the workspace", i+1, p.FilePath)
	}
	if p.StartLine < 1 {
		return fault.Newf(fault.PatchRejected, "patch %d: start_line %d must be >= 1", i+1, p.StartLine)
	}
	switch p.Operation {
	case OpInsert:
		// Inserts anchor on start_line only; end_line is ignored.
		if strings.TrimSpace(p.NewCode) == "" {
			return fault.Newf(fault.PatchRejected, "patch %d: %s requires new_code", i+1, p.Operation)
		}
	case OpReplace:
		if strings.TrimSpace(p.NewCode) == "" {
			return fault.Newf(fault.PatchRejected, "patch %d: %s requires new_code", i+1, p.Operation)
		}
		if p.EndLine < p.StartLine {
			return fault.Newf(fault.PatchRejected, "patch %d: end_line %d before start_line %d", i+1, p.EndLine, p.StartLine)
		}
	case OpDelete:
		if p.EndLine < p.StartLine {
			return fault.Newf(fault.PatchRejected, "patch %d: end_line %d before start_line %d", i+1, p.EndLine, p.StartLine)
		}
	default:
		return fault.Newf(fault.PatchRejected, "patch %d: unknown operation %q", i+1, p.Operation)
	}
	return nil
}

// Apply applies the whole set to workspace. Every patch is first applied to
// in-memory copies of the target files, in order, with line numbers
// interpreted against the file as left by the preceding patches. Only when
// the entire set stages cleanly are the buffers written out.
func Apply(workspace string, set *Set) error {
	if len(set.Patches) == 0 {
		return fault.New(fault.PatchRejected, "patch set is empty")
	}

	staged := make(map[string][]string)

	for i := range set.Patches {
		p := &set.Patches[i]
		if err := checkShape(i, p); err != nil {
			return err
		}

		rel := filepath.ToSlash(filepath.Clean(p.FilePath))
		lines, ok := staged[rel]
		if !ok {
			data, err := os.ReadFile(filepath.Join(workspace, filepath.FromSlash(rel)))
			if err != nil {
				return fault.Newf(fault.PatchRejected, "patch %d: read %s: %v", i+1, rel, err)
			}
			lines = splitLines(string(data))
		}

		next, err := applyOne(lines, p)
		if err != nil {
			return fault.Newf(fault.PatchRejected, "patch %d (%s): %v", i+1, rel, err)
		}
		staged[rel] = next
	}

	// Every patch staged cleanly; now write.
	for rel, lines := range staged {
		path := filepath.Join(workspace, filepath.FromSlash(rel))
		if err := os.WriteFile(path, []byte(joinLines(lines)), 0o644); err != nil {
			return fmt.Errorf("write patched file %s: %w", rel, err)
		}
	}
	return nil
}

// applyOne applies one patch to a line buffer.
func applyOne(lines []string, p *Patch) ([]string, error) {
	n := len(lines)
	switch p.Operation {
	case OpReplace, OpDelete:
		if p.StartLine > n {
			return nil, fmt.Errorf("start_line %d exceeds file length %d", p.StartLine, n)
		}
		if p.EndLine > n {
			return nil, fmt.Errorf("end_line %d exceeds file length %d", p.EndLine, n)
		}
	case OpInsert:
		// Insertion before line n+1 appends at the end.
		if p.StartLine > n+1 {
			return nil, fmt.Errorf("start_line %d exceeds file length %d", p.StartLine, n)
		}
	}

	start := p.StartLine - 1
	switch p.Operation {
	case OpReplace:
		out := make([]string, 0, n)
		out = append(out, lines[:start]...)
		out = append(out, splitLines(p.NewCode)...)
		out = append(out, lines[p.EndLine:]...)
		return out, nil
	case OpInsert:
		out := make([]string, 0, n)
		out = append(out, lines[:start]...)
		out = append(out, splitLines(p.NewCode)...)
		out = append(out, lines[start:]...)
		return out, nil
	case OpDelete:
		out := make([]string, 0, n)
		out = append(out, lines[:start]...)
		out = append(out, lines[p.EndLine:]...)
		return out, nil
	}
	return nil, fmt.Errorf("unknown operation %q", p.Operation)
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
