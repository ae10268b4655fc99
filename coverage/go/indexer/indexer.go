// Package indexer builds a line->blocks index over a file's coverage
// blocks, classifies each line's verdict, and merges that against a diff's
// added-line set to produce incremental-coverage records.
package indexer

import (
	"go.skia.org/covgate/coverage/go/common"
	"go.skia.org/covgate/coverage/go/traceparser"
)

// LineVerdict is covered/uncovered/unknown, independent of whether the
// line was added in a diff.
type LineVerdict int

const (
	VerdictUnknown LineVerdict = iota
	VerdictCovered
	VerdictUncovered
)

// Index maps a 1-based line number to the blocks that cover it.
type Index map[int][]indexedBlock

type indexedBlock struct {
	statements int
	hit        int
}

// Build expands each block over its inclusive [StartLine, EndLine] range.
func Build(blocks []traceparser.Block) Index {
	idx := make(Index)
	for _, b := range blocks {
		for line := b.StartLine; line <= b.EndLine; line++ {
			idx[line] = append(idx[line], indexedBlock{statements: b.Statements, hit: b.Hit})
		}
	}
	return idx
}

// FromRanges builds an Index directly from stored common.Range rows.
func FromRanges(ranges []common.Range) Index {
	blocks := make([]traceparser.Block, 0, len(ranges))
	for _, r := range ranges {
		blocks = append(blocks, traceparser.Block{StartLine: r.StartLine, EndLine: r.EndLine, Statements: r.Statements, Hit: r.Hit})
	}
	return Build(blocks)
}

// Verdict classifies line L: unknown if no block covers it, covered if any
// covering block has hit > 0 (with the line's effective hit count being the
// max hit across covering blocks), else uncovered.
func (idx Index) Verdict(line int) (verdict LineVerdict, hit int) {
	entries, ok := idx[line]
	if !ok || len(entries) == 0 {
		return VerdictUnknown, 0
	}
	maxHit := 0
	anyHit := false
	for _, e := range entries {
		if e.hit > maxHit {
			maxHit = e.hit
		}
		if e.hit > 0 {
			anyHit = true
		}
	}
	if anyHit {
		return VerdictCovered, maxHit
	}
	return VerdictUncovered, 0
}

// LineRecord is one added line's incremental-coverage verdict.
type LineRecord struct {
	Line   int
	Status common.LineStatus
	Hit    int
	IsNew  bool
}

// FileSummary totals new-covered/new-uncovered counts for one file.
type FileSummary struct {
	Path         string
	NewCovered   int
	NewUncovered int
}

// Merge intersects addedLines with idx, emitting one LineRecord per added
// line whose verdict is non-unknown, in the order addedLines lists them
// (Merge does not sort). Lines with
// unknown verdict are silently dropped, matching the spec's definition of
// non-executable lines.
func Merge(idx Index, addedLines []int) ([]LineRecord, FileSummary) {
	var records []LineRecord
	var summary FileSummary
	for _, line := range addedLines {
		verdict, hit := idx.Verdict(line)
		switch verdict {
		case VerdictCovered:
			records = append(records, LineRecord{Line: line, Status: common.StatusNewCovered, Hit: hit, IsNew: true})
			summary.NewCovered++
		case VerdictUncovered:
			records = append(records, LineRecord{Line: line, Status: common.StatusNewUncovered, Hit: 0, IsNew: true})
			summary.NewUncovered++
		case VerdictUnknown:
			// non-executable line; excluded from the merger's output.
		}
	}
	return records, summary
}

// AggregateSummary sums new-covered/new-uncovered across files and computes
// the coverage rate as a percentage, 0 when there is no denominator.
type AggregateSummary struct {
	NewCovered   int
	NewUncovered int
	Rate         float64
}

func Aggregate(fileSummaries []FileSummary) AggregateSummary {
	var agg AggregateSummary
	for _, fs := range fileSummaries {
		agg.NewCovered += fs.NewCovered
		agg.NewUncovered += fs.NewUncovered
	}
	total := agg.NewCovered + agg.NewUncovered
	if total > 0 {
		agg.Rate = float64(agg.NewCovered) / float64(total) * 100
	}
	return agg
}
