package knowledge

import "strings"

type chunkInput struct {
	Content    string
	TokenCount int
}

// chunker splits normalized text into retrieval-sized segments. Splits prefer
// sentence or line boundaries found between minChars and targetChars so that
// words are not cut mid-token. Same input and parameters always produce the
// same sequence.
type chunker struct {
	targetChars int
	minChars    int
}

func newChunker(targetChars int, minChars int) *chunker {
	if targetChars <= 0 {
		targetChars = 800
	}
	if minChars <= 0 || minChars >= targetChars {
		minChars = targetChars / 2
		if minChars < 200 {
			minChars = 200
		}
	}
	return &chunker{targetChars: targetChars, minChars: minChars}
}

func (c *chunker) split(text string) []chunkInput {
	cleaned := strings.TrimSpace(normalizeNewlines(text))
	if cleaned == "" {
		return nil
	}

	runes := []rune(cleaned)
	total := len(runes)

	segments := make([]chunkInput, 0, (total/c.targetChars)+1)
	start := 0
	for start < total {
		end := start + c.targetChars
		if end >= total {
			end = total
		} else {
			preferred := findBoundary(runes, start+c.minChars, end)
			if preferred > start+c.minChars {
				end = preferred
			}
		}
		content := strings.TrimSpace(string(runes[start:end]))
		if content != "" {
			segments = append(segments, chunkInput{
				Content:    content,
				TokenCount: estimateTokenCount(content),
			})
		}
		if end == start {
			end = start + c.targetChars
			if end > total {
				end = total
			}
		}
		start = end
	}
	return segments
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

func findBoundary(runes []rune, min int, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return min
	}
	boundaryChars := []rune{'\n', '。', '！', '？', '.', '!', '?'}
	boundarySet := make(map[rune]struct{}, len(boundaryChars))
	for _, ch := range boundaryChars {
		boundarySet[ch] = struct{}{}
	}
	for i := max - 1; i >= min; i-- {
		if _, ok := boundarySet[runes[i]]; ok {
			return i + 1
		}
	}
	return max
}

func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	words := strings.Fields(trimmed)
	wordCount := len(words)
	runeCount := len([]rune(trimmed))
	estimate := wordCount + runeCount/3
	if estimate < wordCount {
		estimate = wordCount
	}
	if estimate <= 0 {
		estimate = runeCount/2 + 1
	}
	return estimate
}
