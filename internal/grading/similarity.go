// Package grading scores extracted answers against answer keys, triages
// them for manual review, and maintains the aggregated grade.
package grading

// Ratio returns a character-sequence similarity in [0, 1] between two
// strings: 2*M/T where M is the total length of the longest matching
// blocks and T is the combined length. Identical strings score 1.0,
// disjoint strings 0.0. Comparison is rune-based so Arabic text is
// measured per letter, not per byte.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	return 2.0 * float64(matchingRunes(ra, rb)) / float64(total)
}

// matchingRunes sums the lengths of the longest matching blocks by
// recursively splitting around the longest common substring.
func matchingRunes(a, b []rune) int {
	i, j, k := longestMatch(a, b)
	if k == 0 {
		return 0
	}
	return k + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+k:], b[j+k:])
}

// longestMatch finds the longest common substring of a and b, returning
// its start in a, start in b, and length.
func longestMatch(a, b []rune) (besti, bestj, bestk int) {
	if len(a) == 0 || len(b) == 0 {
		return 0, 0, 0
	}
	b2j := make(map[rune][]int, len(b))
	for j, r := range b {
		b2j[r] = append(b2j[r], j)
	}
	j2len := make(map[int]int)
	for i, r := range a {
		newj2len := make(map[int]int)
		for _, j := range b2j[r] {
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestk {
				besti, bestj, bestk = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, bestk
}
