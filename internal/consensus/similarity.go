// Package consensus measures inter-annotator agreement and compiles the
// majority-vote token sequence used for adjudication and export.
package consensus

import (
	"math"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity scores two token values from 0 to 100 using a
// character-level diff: the share of characters the diff reports as
// common, rounded to two decimals. Identical strings, including two empty
// strings, score 100 without diffing.
func Similarity(a, b string) float64 {
	if a == b {
		return 100
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)

	common := 0
	total := 0
	for _, diff := range diffs {
		length := utf8.RuneCountInString(diff.Text)
		total += length
		if diff.Type == diffmatchpatch.DiffEqual {
			common += length
		}
	}
	if total == 0 {
		return 100
	}
	return round2(float64(common) / float64(total) * 100)
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
