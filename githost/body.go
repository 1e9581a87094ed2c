package githost

import (
	"fmt"
	"strings"

	"github.com/mendhq/mend/patch"
)

// Title builds a PR title from the bug description, truncated to fit the
// conventional 72-character limit.
func Title(bugDescription string) string {
	t := strings.TrimSpace(bugDescription)
	t = strings.ReplaceAll(t, "\n", " ")
	if len(t) > 64 {
		t = t[:61] + "..."
	}
	return "Fix: " + t
}

// Body renders the PR description: the bug, the fix rationale, the applied
// patches, and the before/after test output.
func Body(bugDescription string, set *patch.Set, testBefore, testAfter string) string {
	var b strings.Builder

	b.WriteString("## Automated Fix\n\n")
	b.WriteString("This pull request was generated automatically. Please review before merging.\n\n")

	b.WriteString("## Bug\n\n")
	b.WriteString(strings.TrimSpace(bugDescription))
	b.WriteString("\n\n")

	if set != nil {
		b.WriteString("## Fix\n\n")
		b.WriteString(strings.TrimSpace(set.Rationale))
		b.WriteString("\n\n")

		b.WriteString("## Changes\n\n")
		for i, p := range set.Patches {
			desc := p.Description
			if desc == "" {
				desc = "code change"
			}
			fmt.Fprintf(&b, "%d. `%s` lines %d-%d (%s): %s\n", i+1, p.FilePath, p.StartLine, p.EndLine, p.Operation, desc)
		}
		fmt.Fprintf(&b, "\nModel confidence: %.0f%%\n\n", set.Confidence*100)
	}

	b.WriteString("## Test Results\n\n")
	if testBefore != "" {
		b.WriteString("Before the fix (reproduction test failing):\n\n```\n")
		b.WriteString(tail(testBefore, 500))
		b.WriteString("\n```\n\n")
	}
	if testAfter != "" {
		b.WriteString("After the fix:\n\n```\n")
		b.WriteString(tail(testAfter, 500))
		b.WriteString("\n```\n")
	}
	return b.String()
}

// tail returns the last n bytes of s; test output is most useful at the end.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
