// Package traceparser decodes the line-oriented trace grammar shared by the
// goc, pyca and jacoco coverage formats into per-file block lists.
package traceparser

import (
	"strconv"
	"strings"

	"go.skia.org/covgate/coverage/go/common"
)

// Block is one coverage range reported for a file, prior to being persisted
// as a common.Range (which additionally carries a FileID).
type Block struct {
	StartLine  int
	StartCol   int
	EndLine    int
	EndCol     int
	Statements int
	Hit        int
}

// Parse decodes raw trace text for the given format into a mapping of
// file path to its blocks. Malformed lines are skipped rather than causing
// the whole trace to fail; an empty or fully-malformed trace yields an
// empty, non-nil map and a nil error. Line ordering within a file follows
// the order blocks appeared in raw.
func Parse(format common.CoverageFormat, raw string) (map[string][]Block, error) {
	switch format {
	case common.FormatGoc, common.FormatPyca, common.FormatJacoco:
		return parseBlockGrammar(raw), nil
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

// UnsupportedFormatError is returned by Parse for any format outside
// {goc, pyca, jacoco}.
type UnsupportedFormatError struct {
	Format common.CoverageFormat
}

func (e *UnsupportedFormatError) Error() string {
	return "traceparser: unsupported coverage format " + string(e.Format)
}

// parseBlockGrammar implements the shared goc/pyca/jacoco grammar:
//
//	<file_path>:<startLine>.<startCol>,<endLine>.<endCol> <statements> <count>
//
// The separator before the range tuple is the last colon in the first
// whitespace-delimited token, since file paths may themselves contain
// colons on some platforms.
func parseBlockGrammar(raw string) map[string][]Block {
	result := make(map[string][]Block)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "mode:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		pathAndRange, statementsStr, countStr := parts[0], parts[1], parts[2]

		lastColon := strings.LastIndex(pathAndRange, ":")
		if lastColon == -1 {
			continue
		}
		filePath := pathAndRange[:lastColon]
		rangeStr := pathAndRange[lastColon+1:]

		rangeParts := strings.Split(rangeStr, ",")
		if len(rangeParts) != 2 {
			continue
		}
		startParts := strings.Split(rangeParts[0], ".")
		endParts := strings.Split(rangeParts[1], ".")
		if len(startParts) != 2 || len(endParts) != 2 {
			continue
		}

		startLine, err1 := strconv.Atoi(startParts[0])
		startCol, err2 := strconv.Atoi(startParts[1])
		endLine, err3 := strconv.Atoi(endParts[0])
		endCol, err4 := strconv.Atoi(endParts[1])
		statements, err5 := strconv.Atoi(statementsStr)
		hit, err6 := strconv.Atoi(countStr)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
			continue
		}

		result[filePath] = append(result[filePath], Block{
			StartLine:  startLine,
			StartCol:   startCol,
			EndLine:    endLine,
			EndCol:     endCol,
			Statements: statements,
			Hit:        hit,
		})
	}
	return result
}
