package signal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEnglishAnalysis(t *testing.T) {
	e := NewExtractor()
	sig := e.Extract("Strong bullish spring detected, smart money accumulation. Entry: 3000 stop: 2940 target: 3180 confidence: 85%", 0)

	assert.Equal(t, Long, sig.Direction)
	assert.Equal(t, VeryStrong, sig.Strength)
	require.NotNil(t, sig.EntryPrice)
	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.Equal(t, 3000.0, *sig.EntryPrice)
	assert.Equal(t, 2940.0, *sig.StopLoss)
	assert.Equal(t, 3180.0, *sig.TakeProfit)
	require.NotNil(t, sig.RiskRewardRatio)
	assert.InDelta(t, 3.0, *sig.RiskRewardRatio, 1e-9)
	require.NotNil(t, sig.Confidence)
	assert.InDelta(t, 0.85, *sig.Confidence, 1e-9)
	assert.Equal(t, []string{"spring", "professional_money", "accumulation"}, sig.VSASignals)
	assert.Equal(t, "accumulation", sig.MarketPhase)
	assert.Nil(t, sig.RequestedQuantity)
	assert.True(t, strings.HasPrefix(sig.ID, "signal_"))
}

func TestExtractChineseAnalysis(t *testing.T) {
	sig := NewExtractor().Extract("建议做空，止损3100，目标2800，置信度70%", 3000)

	assert.Equal(t, Short, sig.Direction)
	assert.Equal(t, Moderate, sig.Strength)
	require.NotNil(t, sig.EntryPrice)
	assert.Equal(t, 3000.0, *sig.EntryPrice, "current price fills a missing entry")
	assert.Equal(t, 3100.0, *sig.StopLoss)
	assert.Equal(t, 2800.0, *sig.TakeProfit)
	assert.InDelta(t, 2.0, *sig.RiskRewardRatio, 1e-9)
	assert.InDelta(t, 0.7, *sig.Confidence, 1e-9)
}

func TestExtractNeutralWithoutPrices(t *testing.T) {
	sig := NewExtractor().Extract("Market is sideways, wait and see.", 0)

	assert.Equal(t, Neutral, sig.Direction)
	assert.Equal(t, Weak, sig.Strength)
	assert.Nil(t, sig.EntryPrice)
	assert.Nil(t, sig.RiskRewardRatio)
	assert.NotNil(t, sig.VSASignals)
	assert.Empty(t, sig.VSASignals)
	assert.Equal(t, "unknown", sig.MarketPhase)
}

func TestExtractQuantityAndReasoning(t *testing.T) {
	sig := NewExtractor().Extract("buy 0.5 ETH now "+strings.Repeat("a", 600), 0)
	require.NotNil(t, sig.RequestedQuantity)
	assert.Equal(t, 0.5, *sig.RequestedQuantity)
	assert.Len(t, []rune(sig.Reasoning), maxReasoning)
}

func TestExtractConfidence(t *testing.T) {
	cases := []struct {
		text string
		want *float64
	}{
		{"rating 8/10", ptr(0.8)},
		{"评分7分", ptr(0.7)},
		{"I am very confident", ptr(0.9)},
		{"大概率上涨", ptr(0.7)},
		{"confidence: 150%", nil},
		{"nothing to see", nil},
	}
	for _, c := range cases {
		got := extractConfidence(c.text)
		if c.want == nil {
			assert.Nil(t, got, c.text)
			continue
		}
		require.NotNil(t, got, c.text)
		assert.InDelta(t, *c.want, *got, 1e-9, c.text)
	}
}

func TestSignalIDsAreUnique(t *testing.T) {
	e := NewExtractor()
	fixed := time.UnixMilli(1700000000000)
	e.now = func() time.Time { return fixed }

	a := e.Extract("long", 0)
	b := e.Extract("long", 0)
	assert.Equal(t, "signal_1700000000000", a.ID)
	assert.Equal(t, "signal_1700000000001", b.ID)
}

func TestStrengthText(t *testing.T) {
	s, err := ParseStrength("Very_Strong")
	require.NoError(t, err)
	assert.Equal(t, VeryStrong, s)

	b, err := Strong.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "strong", string(b))

	var out Strength
	assert.Error(t, out.UnmarshalText([]byte("huge")))

	_, err = ParseMode("yolo")
	assert.Error(t, err)
}

func ptr(v float64) *float64 { return &v }
