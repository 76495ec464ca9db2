package parse

import "strings"

// NormalizeMarkdown removes the duplicated table header-separator lines some
// extraction backends emit (a pipe-and-dash line immediately following another
// one). It runs on cache hits and misses alike, so cached entries pick up
// filter improvements without invalidation.
func NormalizeMarkdown(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines))
	previousWasSeparator := false
	for _, line := range lines {
		separator := isTableSeparator(line)
		if separator && previousWasSeparator {
			continue
		}
		previousWasSeparator = separator
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// isTableSeparator matches lines like "| --- | :--- |": only pipes, dashes,
// colons, and whitespace, with at least one dash and one pipe.
func isTableSeparator(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	hasDash := false
	hasPipe := false
	for _, r := range trimmed {
		switch r {
		case '-':
			hasDash = true
		case '|':
			hasPipe = true
		case ':', ' ', '\t':
		default:
			return false
		}
	}
	return hasDash && hasPipe
}
