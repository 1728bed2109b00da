package consensus

import "sort"

// PairScore is the mean token similarity between two annotators across
// every position of a text.
type PairScore struct {
	A     string  `json:"a"`
	B     string  `json:"b"`
	Score float64 `json:"score"`
}

// Report carries every agreement figure for one text.
type Report struct {
	DocumentIAA float64     `json:"documentIAA"`
	Pairwise    []PairScore `json:"pairwise"`
	TokenIAA    []float64   `json:"tokenIAA"`
}

// Agree computes pairwise, document-level, and per-token IAA over the
// token value sequences of each annotator. sequences maps annotator name
// to that annotator's current token values; all sequences must be the
// same length (positions beyond a shorter sequence count as empty).
//
// One annotator means no disagreement is possible: every score is 100.
// No annotators (or no usable pairs) yields 0.
func Agree(sequences map[string][]string, tokenCount int) Report {
	names := make([]string, 0, len(sequences))
	for name := range sequences {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 1 {
		tokens := make([]float64, tokenCount)
		for i := range tokens {
			tokens[i] = 100
		}
		return Report{DocumentIAA: 100, Pairwise: []PairScore{}, TokenIAA: tokens}
	}

	pairwise := make([]PairScore, 0)
	tokenSums := make([]float64, tokenCount)
	pairCount := 0

	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := sequences[names[i]], sequences[names[j]]
			pairTotal := 0.0
			for pos := 0; pos < tokenCount; pos++ {
				score := Similarity(valueAt(a, pos), valueAt(b, pos))
				pairTotal += score
				tokenSums[pos] += score
			}
			mean := 0.0
			if tokenCount > 0 {
				mean = round2(pairTotal / float64(tokenCount))
			}
			pairwise = append(pairwise, PairScore{A: names[i], B: names[j], Score: mean})
			pairCount++
		}
	}

	if pairCount == 0 {
		return Report{DocumentIAA: 0, Pairwise: []PairScore{}, TokenIAA: make([]float64, tokenCount)}
	}

	docTotal := 0.0
	for _, pair := range pairwise {
		docTotal += pair.Score
	}
	tokenIAA := make([]float64, tokenCount)
	for pos := range tokenSums {
		tokenIAA[pos] = round2(tokenSums[pos] / float64(pairCount))
	}

	return Report{
		DocumentIAA: round2(docTotal / float64(pairCount)),
		Pairwise:    pairwise,
		TokenIAA:    tokenIAA,
	}
}

func valueAt(values []string, pos int) string {
	if pos < len(values) {
		return values[pos]
	}
	return ""
}
