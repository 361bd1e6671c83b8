package signal

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxReasoning = 500

// Extractor turns free-form analysis text into a TradingSignal. Extraction
// never fails: text without a clear intent yields a neutral, weak signal.
type Extractor struct {
	now func() time.Time

	mu     sync.Mutex
	lastID int64
}

func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// Extract parses text. A positive currentPrice becomes the entry when the
// text names none.
func (e *Extractor) Extract(text string, currentPrice float64) TradingSignal {
	lower := strings.ToLower(text)
	dir := extractDirection(lower)

	entry := extractPrice(text, entryPatterns)
	stop := extractPrice(text, stopPatterns)
	target := extractPrice(text, targetPatterns)
	if entry == nil && currentPrice > 0 {
		p := currentPrice
		entry = &p
	}

	vsa := extractTags(lower, vsaPatterns)
	sig := TradingSignal{
		ID:                e.nextID(),
		Time:              e.now(),
		Direction:         dir,
		Strength:          assessStrength(lower, dir, vsa),
		EntryPrice:        entry,
		StopLoss:          stop,
		TakeProfit:        target,
		Confidence:        extractConfidence(text),
		Reasoning:         truncate(text, maxReasoning),
		MarketPhase:       extractPhase(lower),
		VSASignals:        vsa,
		RequestedQuantity: extractQuantity(text),
	}
	sig.RiskRewardRatio = riskReward(entry, stop, target)
	return sig
}

// nextID returns signal_<unix ms>, bumped past the previous id so two
// signals in the same millisecond stay distinct.
func (e *Extractor) nextID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ms := e.now().UnixMilli()
	if ms <= e.lastID {
		ms = e.lastID + 1
	}
	e.lastID = ms
	return fmt.Sprintf("signal_%d", ms)
}

func extractDirection(lower string) Direction {
	best, bestScore := Neutral, 0
	for _, d := range directionOrder {
		score := 0
		for _, re := range directionPatterns[d] {
			score += len(re.FindAllStringIndex(lower, -1))
		}
		if score > bestScore {
			best, bestScore = d, score
		}
	}
	return best
}

func extractPrice(text string, patterns []*regexp.Regexp) *float64 {
	for _, re := range patterns {
		if v, ok := firstNumber(re, text); ok && v > 0 {
			return &v
		}
	}
	return nil
}

func extractQuantity(text string) *float64 {
	for _, re := range quantityPatterns {
		if v, ok := firstNumber(re, text); ok && v > 0 {
			return &v
		}
	}
	return nil
}

func extractTags(lower string, patterns []namedPattern) []string {
	tags := []string{}
	for _, p := range patterns {
		if p.re.MatchString(lower) {
			tags = append(tags, p.name)
		}
	}
	return tags
}

func extractPhase(lower string) string {
	for _, p := range phasePatterns {
		if p.re.MatchString(lower) {
			return p.name
		}
	}
	return "unknown"
}

func riskReward(entry, stop, target *float64) *float64 {
	if entry == nil || stop == nil || target == nil {
		return nil
	}
	risk := math.Abs(*entry - *stop)
	if risk == 0 {
		return nil
	}
	rr := math.Abs(*target-*entry) / risk
	return &rr
}

// firstNumber parses the first capture group of the first match.
func firstNumber(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
