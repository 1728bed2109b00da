package consensus

import "sort"

// Compile produces the majority-vote token sequence: at each position the
// most frequent value across annotators wins. Ties break
// lexicographically, which keeps the result independent of annotator
// iteration order.
func Compile(sequences map[string][]string, tokenCount int) []string {
	compiled := make([]string, tokenCount)
	for pos := 0; pos < tokenCount; pos++ {
		counts := make(map[string]int)
		for _, values := range sequences {
			counts[valueAt(values, pos)]++
		}

		candidates := make([]string, 0, len(counts))
		for value := range counts {
			candidates = append(candidates, value)
		}
		sort.Strings(candidates)

		best := ""
		bestCount := -1
		for _, value := range candidates {
			if counts[value] > bestCount {
				best = value
				bestCount = counts[value]
			}
		}
		compiled[pos] = best
	}
	return compiled
}
