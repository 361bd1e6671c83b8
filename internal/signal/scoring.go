package signal

import (
	"strconv"
	"strings"
)

// assessStrength scores direction clarity, VSA tags, phrase strength and an
// explicit confidence mention, then buckets the score.
func assessStrength(lower string, dir Direction, vsa []string) Strength {
	score := 0.0
	if dir == Long || dir == Short {
		score++
	}
	for _, tag := range vsa {
		if w, ok := vsaWeights[tag]; ok {
			score += w
		} else {
			score += 0.5
		}
	}
	for _, re := range strongPhrases {
		if re.MatchString(lower) {
			score += 1.5
		}
	}
	for _, re := range moderatePhrases {
		if re.MatchString(lower) {
			score += 0.8
		}
	}
	for _, re := range weakPhrases {
		if re.MatchString(lower) {
			score -= 0.5
		}
	}
	if m := confidenceMention.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			switch {
			case n >= 80:
				score++
			case n >= 60:
				score += 0.5
			default:
				score -= 0.5
			}
		}
	}

	switch {
	case score >= 4:
		return VeryStrong
	case score >= 2.5:
		return Strong
	case score >= 1:
		return Moderate
	default:
		return Weak
	}
}

// extractConfidence reads a percentage after a confidence word, a score out
// of ten, or a confidence phrase. Nil when nothing matches.
func extractConfidence(text string) *float64 {
	for _, re := range percentConfidence {
		if v, ok := firstNumber(re, text); ok && v <= 100 {
			c := v / 100
			return &c
		}
	}
	for _, re := range scoreConfidence {
		if v, ok := firstNumber(re, text); ok && v <= 10 {
			c := v / 10
			return &c
		}
	}
	lower := strings.ToLower(text)
	for _, cw := range confidenceWords {
		for _, w := range cw.words {
			if strings.Contains(lower, w) {
				c := cw.value
				return &c
			}
		}
	}
	return nil
}
