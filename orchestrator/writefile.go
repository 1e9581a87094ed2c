package orchestrator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mendhq/mend/fault"
)

// writeTestFile writes the generated test into the workspace, refusing any
// path that would land outside it.
func writeTestFile(workspace, rel, content string) error {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, "/") || clean == ".." {
		return fault.Newf(fault.ModelInvalidResponse, "test file path %q escapes the workspace", rel)
	}
	path := filepath.Join(workspace, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.Internal, "create test directory", err)
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fault.Wrap(fault.Internal, "write test file", err)
	}
	return nil
}
