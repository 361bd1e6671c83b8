package position

import (
	"math"
	"time"

	"vpa-trader/internal/exchange"
)

// heatLevel scores a position from 1 (cool) to 5 (hot). It is advisory and
// never closes anything on its own.
func heatLevel(maeRatio, riskRatio float64, holding time.Duration) int {
	score := 0
	if maeRatio > 0.02 {
		score++
	}
	if maeRatio > 0.05 {
		score++
	}
	if riskRatio > 0.02 {
		score++
	}
	if riskRatio > 0.05 {
		score++
	}
	if holding > 24*time.Hour {
		score++
	}
	return max(1, min(5, score+1))
}

func positionHealth(heat int, riskRatio float64) string {
	switch {
	case heat <= 2 && riskRatio < 0.01:
		return "healthy"
	case heat <= 3 && riskRatio < 0.02:
		return "normal"
	case heat <= 4 && riskRatio < 0.05:
		return "warning"
	default:
		return "danger"
	}
}

func portfolioHealth(totalRisk float64) string {
	switch {
	case totalRisk < 0.04:
		return "healthy"
	case totalRisk < 0.08:
		return "warning"
	default:
		return "danger"
	}
}

// confidenceMultiplier maps an AI confidence into a risk multiplier band.
func confidenceMultiplier(confidence float64) float64 {
	c := math.Max(0, math.Min(1, confidence))
	switch {
	case c >= 0.85:
		return 1.5
	case c >= 0.75:
		return 1.25
	case c >= 0.60:
		return 1.0
	case c >= 0.40:
		return 0.75
	default:
		return 0.5
	}
}

// streakAdjustment shrinks size after losing streaks and grows it slightly
// after winning ones.
func streakAdjustment(consecutiveWins, consecutiveLosses int) float64 {
	switch {
	case consecutiveLosses >= 3:
		return 0.5
	case consecutiveLosses >= 2:
		return 0.75
	case consecutiveWins >= 3:
		return 1.2
	default:
		return 1.0
	}
}

// update refreshes excursions and drawdown for pos marked at price.
func (m *Metrics) update(pos exchange.Position, price float64, now time.Time) {
	m.HoldingDuration = now.Sub(m.EntryTime)
	move := price - pos.AvgEntryPrice
	if pos.Side == exchange.Short {
		move = -move
	}
	if move > 0 {
		m.MFE = math.Max(m.MFE, move)
	} else {
		m.MAE = math.Max(m.MAE, -move)
	}

	unrealized := move * pos.Size
	if unrealized > m.PeakUnrealized {
		m.PeakUnrealized = unrealized
	}
	if m.PeakUnrealized > 0 {
		dd := (m.PeakUnrealized - unrealized) / m.PeakUnrealized
		m.DrawdownFromPeak = math.Max(m.DrawdownFromPeak, dd)
	}
}

func (m *Metrics) ratios(entry float64) (mae, mfe float64) {
	if entry <= 0 {
		return 0, 0
	}
	return m.MAE / entry, m.MFE / entry
}

func recommendationsFor(a Assessment) []string {
	var out []string
	if a.HeatLevel >= 4 {
		out = append(out, "consider reducing or closing the position")
	}
	if a.RiskRatio > 0.03 {
		out = append(out, "risk is high, tighten the stop")
	}
	if a.MAERatio > 0.025 {
		out = append(out, "adverse excursion is large, re-evaluate the entry thesis")
	}
	if a.HoldingHours > 48 {
		out = append(out, "long holding period, confirm it still matches the plan")
	}
	if len(out) == 0 {
		out = append(out, "position looks healthy, keep holding")
	}
	return out
}
