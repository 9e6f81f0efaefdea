// Package mitigation decides what to do about a scored click: nothing,
// suppress (whitelisted), auto-block the source, open a fraud report, or both.
// Every decision is gated by the production settings.
package mitigation

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/config"
	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
	"github.com/nexus-cloaker/trafficguard/internal/integrations"
	"github.com/nexus-cloaker/trafficguard/internal/lists"
	"github.com/nexus-cloaker/trafficguard/internal/metrics"
	"github.com/nexus-cloaker/trafficguard/internal/reports"
	"github.com/nexus-cloaker/trafficguard/internal/settings"
	"github.com/nexus-cloaker/trafficguard/internal/stats"
	"github.com/nexus-cloaker/trafficguard/internal/velocity"
)

// State is the terminal state of one evaluation.
type State string

const (
	StateSuppressed    State = "suppressed"
	StateNoAction      State = "no_action"
	StateAutoBlocked   State = "auto_blocked"
	StateReportCreated State = "report_created"
	StateBoth          State = "both"
)

// Report types
const (
	ReportBotTraffic        = "bot_traffic"
	ReportVPNProxy          = "vpn_proxy"
	ReportClickFlood        = "click_flood"
	ReportConversionAnomaly = "conversion_anomaly"
	ReportSuspicious        = "suspicious_traffic"
)

// CriticalScore is the effective score from which reports are critical.
const CriticalScore = 90

// Outcome describes what one evaluation did.
type Outcome struct {
	ClickID        string                `json:"click_id"`
	IP             string                `json:"ip"`
	State          State                 `json:"state"`
	Reason         string                `json:"reason,omitempty"`
	Result         detection.Result      `json:"result"`
	EffectiveScore int                   `json:"effective_score"`
	Heuristics     velocity.Assessment   `json:"heuristics"`
	AlreadyBlocked bool                  `json:"already_blocked"`
	BlockEntry     *database.ListEntry   `json:"block_entry,omitempty"`
	Report         *database.FraudReport `json:"report,omitempty"`
	Notified       []string              `json:"notified,omitempty"`
}

// ClickRecorder persists scored clicks.
type ClickRecorder interface {
	CreateClick(ctx context.Context, c *database.Click) error
}

// Notifier queues outbound events.
type Notifier interface {
	Enqueue(eventType string, data interface{}) error
	Test(ctx context.Context, eventType string, sample interface{}) ([]integrations.DeliveryResult, error)
}

// Deps are the collaborators of an Engine. Heuristics, Notifier and
// Metrics may be nil.
type Deps struct {
	Analyzer   *detection.Analyzer
	Lists      *lists.Store
	Reports    *reports.Mutator
	Settings   *settings.Service
	Stats      *stats.Aggregator
	Heuristics *velocity.Heuristics
	Clicks     ClickRecorder
	Notifier   Notifier
	Metrics    *metrics.Metrics
}

// Engine runs the mitigation pipeline.
type Engine struct {
	deps   Deps
	cfg    config.DetectionConfig
	logger *zap.Logger
	now    func() time.Time
}

// New creates an engine.
func New(deps Deps, cfg config.DetectionConfig, logger *zap.Logger) *Engine {
	if cfg.AutoBlockTTL <= 0 {
		cfg.AutoBlockTTL = 7 * 24 * time.Hour
	}
	return &Engine{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("mitigation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AnalyzeClick scores a click without side effects beyond the optional IP
// intelligence lookup.
func (e *Engine) AnalyzeClick(ctx context.Context, ev detection.ClickEvent) detection.Result {
	return e.deps.Analyzer.AnalyzeClick(ctx, ev)
}

// TriggerMitigation scores ev, records it, and applies whatever automatic
// consequences the production settings allow. It never fails: storage and
// delivery errors are logged and the evaluation degrades.
func (e *Engine) TriggerMitigation(ctx context.Context, ev detection.ClickEvent) Outcome {
	start := time.Now()
	e.fill(&ev)

	out := Outcome{ClickID: ev.ClickID, IP: ev.IP}
	log := e.logger.With(zap.String("click_id", ev.ClickID), zap.String("ip", ev.IP))

	blocklist := e.deps.Lists.Blocklist()
	blocked, err := blocklist.IsMember(ctx, ev.IP)
	if err != nil {
		log.Warn("blocklist lookup failed", zap.Error(err))
	}
	if blocked {
		out.AlreadyBlocked = true
		out.Result = detection.BlockedResult()
	} else {
		out.Result = e.deps.Analyzer.AnalyzeClick(ctx, ev)
	}
	out.EffectiveScore = out.Result.FraudScore
	e.deps.Metrics.ObserveEvaluation(out.Result.RiskLevel)

	e.record(ctx, ev, out.Result, log)

	finish := func(state State, reason string) Outcome {
		out.State = state
		out.Reason = reason
		e.deps.Metrics.ObserveOutcome(string(state), time.Since(start))
		log.Debug("mitigation evaluated",
			zap.String("state", string(state)),
			zap.String("reason", reason),
			zap.Int("fraud_score", out.Result.FraudScore),
			zap.Int("effective_score", out.EffectiveScore),
		)
		return out
	}

	cfg := e.deps.Settings.Get(ctx)
	if !cfg.Enabled {
		return finish(StateNoAction, "system disabled")
	}
	if !cfg.AutoTriggersEnabled {
		return finish(StateNoAction, "auto triggers disabled")
	}

	whitelisted, err := e.deps.Lists.Whitelist().IsMember(ctx, ev.IP)
	if err != nil {
		log.Warn("whitelist lookup failed", zap.Error(err))
	}
	if whitelisted {
		return finish(StateSuppressed, "ip is whitelisted")
	}
	if out.AlreadyBlocked {
		return finish(StateNoAction, "ip already blocked")
	}

	if cfg.RealTimeAnalysis && e.deps.Heuristics != nil {
		a, err := e.deps.Heuristics.Assess(ctx, ev.IP, velocity.Thresholds{
			IPClickThreshold:        cfg.IPClickThreshold,
			ConversionRateThreshold: cfg.ConversionRateThreshold,
		})
		if err != nil {
			log.Warn("velocity heuristics degraded", zap.Error(err))
		}
		out.Heuristics = a
		out.EffectiveScore = max(out.Result.FraudScore, a.FrequencyScore, a.PatternScore)
	}

	var events []func()

	if cfg.AutoBlockingEnabled && out.EffectiveScore > cfg.BotScoreThreshold {
		if entry := e.autoBlock(ctx, ev, out, log); entry != nil {
			out.BlockEntry = entry
			events = append(events, func() {
				e.notify(log, &out, integrations.EventIPBlocked, integrations.BlockEventData{
					IP:        entry.IP,
					EntryID:   entry.ID,
					ClickID:   ev.ClickID,
					Reason:    entry.Reason,
					RiskScore: entry.RiskScore,
					ExpiresAt: entry.ExpiresAt,
				})
			})
		}
	}

	if detection.Classify(out.EffectiveScore) == detection.RiskHigh {
		if report := e.autoReport(ctx, ev, out, log); report != nil {
			out.Report = report
			events = append(events, func() {
				e.notify(log, &out, integrations.EventFraudReportCreated, integrations.ReportEventData{
					ReportID:  report.ID,
					IP:        report.IP,
					ClickID:   report.ClickID,
					Type:      report.Type,
					Severity:  report.Severity,
					RiskScore: report.RiskScore,
					Reasons:   report.Details.Reasons,
				})
			})
		}
	}

	if cfg.WebhookNotificationsEnabled && e.deps.Notifier != nil {
		for _, send := range events {
			send()
		}
	}

	switch {
	case out.BlockEntry != nil && out.Report != nil:
		return finish(StateBoth, "")
	case out.BlockEntry != nil:
		return finish(StateAutoBlocked, "")
	case out.Report != nil:
		return finish(StateReportCreated, "")
	default:
		return finish(StateNoAction, "below action thresholds")
	}
}

// fill completes fields the tracker may have left empty.
func (e *Engine) fill(ev *detection.ClickEvent) {
	ev.IP = strings.TrimSpace(ev.IP)
	if ev.ClickID == "" {
		ev.ClickID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	device, os, browser := detection.ParseUserAgent(ev.UserAgent)
	if ev.Device == "" {
		ev.Device = device
	}
	if ev.OS == "" {
		ev.OS = os
	}
	if ev.Browser == "" {
		ev.Browser = browser
	}
}

func (e *Engine) record(ctx context.Context, ev detection.ClickEvent, r detection.Result, log *zap.Logger) {
	if e.deps.Clicks != nil {
		click := &database.Click{
			ID:          ev.ClickID,
			IP:          ev.IP,
			UserAgent:   ev.UserAgent,
			Country:     ev.Country,
			Device:      ev.Device,
			OS:          ev.OS,
			Browser:     ev.Browser,
			Referer:     ev.Referer,
			OfferID:     ev.OfferID,
			FraudScore:  r.FraudScore,
			IsBot:       r.IsBot,
			VPNDetected: r.VPNDetected,
			RiskLevel:   r.RiskLevel,
			Reasons:     r.Reasons,
			CreatedAt:   ev.Timestamp,
		}
		if err := e.deps.Clicks.CreateClick(ctx, click); err != nil {
			log.Error("failed to persist click score", zap.Error(err))
		}
	}
	if e.deps.Heuristics != nil {
		if err := e.deps.Heuristics.Record(ctx, ev.IP, ev.Timestamp); err != nil {
			log.Warn("failed to record click velocity", zap.Error(err))
		}
	}
}

func (e *Engine) autoBlock(ctx context.Context, ev detection.ClickEvent, out Outcome, log *zap.Logger) *database.ListEntry {
	expires := e.now().Add(e.cfg.AutoBlockTTL)
	entry, created, err := e.deps.Lists.Blocklist().BlockIfAbsent(ctx, database.ListEntry{
		IP:        ev.IP,
		Reason:    "auto-blocked: " + summarize(out),
		RiskScore: out.EffectiveScore,
		CreatedBy: database.CreatedBySystem,
		ExpiresAt: &expires,
	})
	if err != nil {
		log.Error("auto-block failed", zap.Error(err))
		return nil
	}
	if !created {
		log.Debug("auto-block skipped, active entry exists", zap.String("entry_id", entry.ID))
		return nil
	}
	log.Info("ip auto-blocked",
		zap.String("entry_id", entry.ID),
		zap.Int("effective_score", out.EffectiveScore),
		zap.Time("expires_at", expires),
	)
	return entry
}

func (e *Engine) autoReport(ctx context.Context, ev detection.ClickEvent, out Outcome, log *zap.Logger) *database.FraudReport {
	severity := reports.SeverityHigh
	if out.EffectiveScore >= CriticalScore {
		severity = reports.SeverityCritical
	}

	report := &database.FraudReport{
		Type:        reportType(out),
		IP:          ev.IP,
		ClickID:     ev.ClickID,
		Description: "automated detection: " + summarize(out),
		RiskScore:   out.EffectiveScore,
		Status:      database.ReportPending,
		Severity:    severity,
		ReportedBy:  database.CreatedBySystem,
		Details: database.ReportDetails{
			Reasons:        out.Result.Reasons,
			IsBot:          out.Result.IsBot,
			VPNDetected:    out.Result.VPNDetected,
			BaseScore:      out.Result.FraudScore,
			FrequencyScore: out.Heuristics.FrequencyScore,
			PatternScore:   out.Heuristics.PatternScore,
			ClicksLastHour: out.Heuristics.ClicksLastHour,
			ConversionRate: out.Heuristics.ConversionRate,
		},
	}
	if err := e.deps.Reports.Create(ctx, report); err != nil {
		log.Error("auto-report failed", zap.Error(err))
		return nil
	}
	return report
}

func (e *Engine) notify(log *zap.Logger, out *Outcome, event string, data interface{}) {
	if err := e.deps.Notifier.Enqueue(event, data); err != nil {
		log.Warn("webhook event not queued", zap.String("event", event), zap.Error(err))
		return
	}
	out.Notified = append(out.Notified, event)
}

// reportType names the dominant reason for a report.
func reportType(out Outcome) string {
	h := out.Heuristics
	base := out.Result.FraudScore
	switch {
	case h.FrequencyScore > base && h.FrequencyScore >= h.PatternScore:
		return ReportClickFlood
	case h.PatternScore > base:
		return ReportConversionAnomaly
	case out.Result.IsBot:
		return ReportBotTraffic
	case out.Result.VPNDetected:
		return ReportVPNProxy
	default:
		return ReportSuspicious
	}
}

func summarize(out Outcome) string {
	reasons := append([]string{}, out.Result.Reasons...)
	h := out.Heuristics
	if h.FrequencyScore > 0 {
		reasons = append(reasons, "click frequency anomaly")
	}
	if h.PatternScore > 0 {
		reasons = append(reasons, "conversion rate anomaly")
	}
	if len(reasons) == 0 {
		return "high risk score"
	}
	return strings.Join(reasons, "; ")
}
