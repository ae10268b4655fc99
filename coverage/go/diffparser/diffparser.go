// Package diffparser extracts per-file added-line sets from the unified
// diff output between a base and target commit.
package diffparser

import (
	"strconv"
	"strings"

	"go.skia.org/covgate/go/skerr"
)

// FileDiff holds the added post-image line numbers for one changed file.
// Deleted-only and context-only hunks contribute nothing here; a modified
// line is a delete+add pair and so appears only under its new line number.
type FileDiff struct {
	Path       string
	AddedLines []int
}

// Parse decodes the output of `git diff -U0` (zero context lines, rename
// detection enabled) into one FileDiff per changed file, in the order
// files appear in the diff.
func Parse(diffOutput string) ([]FileDiff, error) {
	var result []FileDiff
	index := map[string]int{} // path -> index into result

	var currentFile string
	var newLine, oldLine int
	inHunk := false

	lines := strings.Split(diffOutput, "\n")
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "diff --git"):
			inHunk = false
			currentFile = postImagePath(line)

		case strings.HasPrefix(line, "@@"):
			inHunk = false
			if currentFile == "" {
				continue
			}
			start, err := parseHunkHeader(line)
			if err != nil {
				continue
			}
			newLine = start
			inHunk = true
			if _, ok := index[currentFile]; !ok {
				index[currentFile] = len(result)
				result = append(result, FileDiff{Path: currentFile})
			}

		case inHunk && strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			idx := index[currentFile]
			result[idx].AddedLines = append(result[idx].AddedLines, newLine)
			newLine++

		case inHunk && strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			oldLine++

		case inHunk && strings.HasPrefix(line, " "):
			newLine++
			oldLine++

		default:
			// blank separator lines, file-mode lines, etc. contribute nothing.
		}
	}
	return result, nil
}

// postImagePath extracts the post-image path from a "diff --git a/x b/y"
// header line, stripping exactly the two characters "b/" rather than
// prefix-stripping arbitrary leading "b" or "/" characters.
func postImagePath(headerLine string) string {
	parts := strings.Fields(headerLine)
	if len(parts) < 4 {
		return ""
	}
	newPath := parts[3]
	if strings.HasPrefix(newPath, "b/") {
		return newPath[2:]
	}
	return newPath
}

// parseHunkHeader parses "@@ -old_start[,old_count] +new_start[,new_count] @@ ..."
// returning the new-file start line.
func parseHunkHeader(line string) (newStart int, err error) {
	segments := strings.SplitN(line, "@@", 3)
	if len(segments) < 3 {
		return 0, skerr.Fmt("diffparser: malformed hunk header %q", line)
	}
	fields := strings.Fields(strings.TrimSpace(segments[1]))
	if len(fields) < 2 {
		return 0, skerr.Fmt("diffparser: malformed hunk header %q", line)
	}

	if _, _, err := parseRange(fields[0], "-"); err != nil {
		return 0, err
	}
	start, _, err := parseRange(fields[1], "+")
	if err != nil {
		return 0, err
	}
	return start, nil
}

func parseRange(field, prefix string) (start, count int, err error) {
	field = strings.TrimPrefix(field, prefix)
	parts := strings.SplitN(field, ",", 2)
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, skerr.Wrapf(err, "parsing range %q", field)
	}
	count = 1
	if len(parts) == 2 {
		count, err = strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, skerr.Wrapf(err, "parsing range count %q", field)
		}
	}
	return start, count, nil
}
