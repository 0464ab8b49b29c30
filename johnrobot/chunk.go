package johnrobot

import "unicode"

// splitMessage splits s into at most ceil(len/maxLen) chunks of no more
// than maxLen runes each, preferring to break after a paragraph ("\n\n"),
// then after a newline, then after any whitespace. Chunks are contiguous
// slices of the input, so concatenating them reproduces s exactly.
//
// Limits are counted in runes rather than bytes, since Discord counts
// characters rather than UTF-8 length.
func splitMessage(s string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	total := len(runes)
	if total <= maxLen {
		return []string{s}
	}

	count := (total + maxLen - 1) / maxLen
	chunks := make([]string, 0, count)
	pos := 0

	for remaining := count; remaining > 1; remaining-- {
		maxEnd := pos + maxLen

		// Leave enough runes that the remaining chunks can still fit
		// under maxLen each, keeping the total chunk count at
		// ceil(total/maxLen) no matter how uneven the breaks are.
		minEnd := total - (remaining-1)*maxLen
		if minEnd <= pos {
			minEnd = pos + 1
		}

		end := splitIndex(runes, minEnd, maxEnd)
		chunks = append(chunks, string(runes[pos:end]))
		pos = end
	}
	chunks = append(chunks, string(runes[pos:]))

	return chunks
}

// splitIndex returns the index to cut at, scanning the window
// (minEnd..maxEnd] from the right for the best available boundary.
// A paragraph break wins immediately. Otherwise the rightmost newline,
// then the rightmost other whitespace. Falls back to a hard cut at
// maxEnd when the window has no whitespace at all.
func splitIndex(runes []rune, minEnd int, maxEnd int) int {
	newline := -1
	space := -1
	for end := maxEnd; end >= minEnd; end-- {
		c := runes[end-1]
		if c == '\n' {
			if end >= 2 && runes[end-2] == '\n' {
				return end
			}
			if newline == -1 {
				newline = end
			}
			continue
		}
		if space == -1 && unicode.IsSpace(c) {
			space = end
		}
	}
	if newline != -1 {
		return newline
	}
	if space != -1 {
		return space
	}
	return maxEnd
}
