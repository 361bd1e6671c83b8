package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpa-trader/internal/events"
)

// MonitorCurrentRisks recomputes every limit, raises de-duplicated alerts and
// applies the automatic actions: any critical or emergency alert sets the
// emergency stop, and two or more demote the level one step.
func (m *Manager) MonitorCurrentRisks() Summary {
	acct := m.ex.GetAccountInfo()
	positions := m.ex.GetPositions()
	now := m.now()

	m.mu.Lock()
	if total := acct.TotalBalance; total > 0 {
		var margin, worstLoss float64
		leverage := 1.0
		for _, p := range positions {
			margin += p.MarginUsed
			leverage = max(leverage, p.Leverage)
			if p.UnrealizedPnL < 0 {
				worstLoss = max(worstLoss, -p.UnrealizedPnL)
			}
		}
		m.peak = max(m.peak, acct.InitialBalance, total)
		drawdown := (m.peak - total) / m.peak

		m.limits[LimitSingleTrade].Current = worstLoss / total
		m.limits[LimitTotalRisk].Current = margin / total
		m.limits[LimitPositionCount].Current = float64(len(positions))
		m.limits[LimitLeverage].Current = leverage
		m.limits[LimitDrawdown].Current = drawdown
		m.stats.MaxDrawdownReached = max(m.stats.MaxDrawdownReached, drawdown)
	}

	s := Summary{
		Time:   now,
		Level:  m.level,
		Limits: make(map[string]RiskLimit, len(m.limits)),
	}
	for _, name := range limitOrder {
		l := m.limits[name]
		l.Status = limitStatus(name, l.Current, l.Threshold)
		if l.Threshold > 0 {
			l.Utilization = l.Current / l.Threshold
		}
		s.Limits[name] = *l
		if l.Status == StatusSafe {
			continue
		}
		msg := fmt.Sprintf("%s: %.4f / %.4f", name, l.Current, l.Threshold)
		if a, ok := m.raiseLocked(name, severityFor(l.Status), msg, l.Current, l.Threshold, actionFor(l.Status), now); ok {
			s.Alerts = append(s.Alerts, a)
		}
	}
	if dd := m.limits[LimitDrawdown]; dd.Current >= dd.Threshold {
		msg := fmt.Sprintf("account drawdown reached limit: %.2f%% >= %.2f%%", dd.Current*100, dd.Threshold*100)
		if a, ok := m.raiseLocked(drawdownBreach, SeverityCritical, msg, dd.Current, dd.Threshold, actionFor(StatusCritical), now); ok {
			s.Alerts = append(s.Alerts, a)
		}
	}
	m.stats.LastCheck = now
	stopped := m.stopped
	level := m.level
	m.mu.Unlock()

	for _, a := range s.Alerts {
		m.metrics.IncRiskAlert(a.RiskType, string(a.Severity))
		m.bus.Publish(events.EventRiskAlert, a)
		m.journal.LogRiskEvent("risk_alert", string(a.Severity), a.Message, a.ActionRequired)
		m.logger.Warn("risk alert",
			zap.String("risk_type", a.RiskType),
			zap.String("severity", string(a.Severity)),
			zap.Float64("current", a.Current),
			zap.Float64("threshold", a.Threshold))
	}
	s.Recommendations = m.recommendations(s.Limits)

	severe := 0
	for _, a := range s.Alerts {
		if a.Severity.severe() {
			severe++
		}
	}
	switch {
	case severe > 0 && !stopped:
		m.TriggerEmergencyStop(autoStopReason)
		s.Actions = append(s.Actions, "emergency_stop")
	case severe >= 2:
		if next, ok := level.demote(); ok {
			if err := m.SetRiskLevel(next, autoDemote); err == nil {
				s.Actions = append(s.Actions, "demote_to_"+string(next))
			}
		}
	}

	s.EmergencyStop = m.EmergencyStopActive()
	s.Level = m.Level()
	return s
}

// raiseLocked appends an alert unless one of the same type was raised within
// alertWindow.
func (m *Manager) raiseLocked(riskType string, sev Severity, msg string, current, threshold float64, action string, now time.Time) (RiskAlert, bool) {
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if now.Sub(a.Time) >= alertWindow {
			break
		}
		if a.RiskType == riskType {
			return RiskAlert{}, false
		}
	}
	a := RiskAlert{
		ID:             "alert_" + riskType + "_" + uuid.NewString()[:8],
		Time:           now,
		Severity:       sev,
		RiskType:       riskType,
		Message:        msg,
		Current:        current,
		Threshold:      threshold,
		ActionRequired: action,
	}
	m.alerts = append(m.alerts, a)
	if len(m.alerts) > maxAlerts {
		m.alerts = append([]RiskAlert(nil), m.alerts[len(m.alerts)-maxAlerts/2:]...)
	}
	m.stats.TotalRiskEvents++
	return a, true
}

func (m *Manager) recommendations(limits map[string]RiskLimit) []string {
	var out []string
	for _, name := range limitOrder {
		switch l := limits[name]; l.Status {
		case StatusCritical:
			out = append(out, "urgent: "+name+" is over its limit, act now")
		case StatusDanger:
			out = append(out, "warning: "+name+" is close to its limit, consider adjusting")
		case StatusWarning:
			out = append(out, "notice: "+name+" utilization is high, keep watching")
		}
	}
	if m.perf != nil {
		if n := m.perf.PerformanceSummary().ConsecutiveLosses; n >= 3 {
			out = append(out, fmt.Sprintf("%d consecutive losses, consider a lower risk level", n))
		}
	}
	return out
}

// Report runs a monitoring pass and returns it with account status, alerts
// from the last 24 hours and running statistics.
func (m *Manager) Report() Report {
	current := m.MonitorCurrentRisks()
	acct := m.ex.GetAccountInfo()
	now := m.now()

	r := Report{
		Time: now,
		Account: AccountStatus{
			TotalBalance:     acct.TotalBalance,
			AvailableBalance: acct.AvailableBalance,
			MarginUsed:       acct.MarginUsed,
			UnrealizedPnL:    acct.UnrealizedPnL,
			PositionsCount:   acct.PositionsCount,
		},
		Level:         current.Level,
		Settings:      Settings[current.Level],
		Current:       current,
		RecentAlerts:  m.Alerts(now.Add(-24 * time.Hour)),
		Stats:         m.Stats(),
		EmergencyStop: current.EmergencyStop,
	}
	if m.perf != nil {
		p := m.perf.PerformanceSummary()
		r.Performance = PerformanceImpact{WinRate: p.WinRate, TotalPnL: p.TotalPnL, ConsecutiveLosses: p.ConsecutiveLosses}
	}
	return r
}

// Start runs MonitorCurrentRisks every interval until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("risk monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("risk monitor stopped")
			return nil
		case <-ticker.C:
			m.MonitorCurrentRisks()
		}
	}
}
