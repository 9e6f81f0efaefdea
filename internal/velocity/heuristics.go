package velocity

import (
	"context"
	"time"

	"github.com/nexus-cloaker/trafficguard/internal/stats"
)

// Heuristic scores
const (
	FrequencyHighScore     = 90
	FrequencyElevatedScore = 60
	ConversionAnomalyScore = 75

	// MinClicksForConversionRate keeps a handful of early clicks from
	// producing a 100% rate.
	MinClicksForConversionRate = 10
)

// Windows
const (
	FrequencyWindow  = time.Hour
	ConversionWindow = 24 * time.Hour
)

// ConversionSource reports click and conversion totals.
type ConversionSource interface {
	ConversionStats(ctx context.Context, since time.Time) (clicks, conversions int64, err error)
}

// Thresholds come from the production config.
type Thresholds struct {
	IPClickThreshold        int
	ConversionRateThreshold float64
}

// Assessment is the heuristic view of one IP at one moment.
type Assessment struct {
	ClicksLastHour int64   `json:"clicks_last_hour"`
	FrequencyScore int     `json:"frequency_score"`
	ConversionRate float64 `json:"conversion_rate"`
	PatternScore   int     `json:"pattern_score"`
}

// Heuristics combines a click counter with the conversion history.
type Heuristics struct {
	counter     Counter
	conversions ConversionSource
	now         func() time.Time
}

func NewHeuristics(counter Counter, conversions ConversionSource) *Heuristics {
	return &Heuristics{
		counter:     counter,
		conversions: conversions,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ping reports whether the counter backend is reachable. Counters without a
// remote backend are always reachable.
func (h *Heuristics) Ping(ctx context.Context) error {
	if p, ok := h.counter.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Record forwards a click to the counter.
func (h *Heuristics) Record(ctx context.Context, ip string, at time.Time) error {
	return h.counter.Record(ctx, ip, at)
}

// Assess computes both heuristic scores. A failing source leaves its part
// of the assessment at zero and the first error is returned alongside.
func (h *Heuristics) Assess(ctx context.Context, ip string, t Thresholds) (Assessment, error) {
	var a Assessment
	var firstErr error
	now := h.now()

	clicks, err := h.counter.Count(ctx, ip, now.Add(-FrequencyWindow))
	if err != nil {
		firstErr = err
	} else {
		a.ClicksLastHour = clicks
		a.FrequencyScore = FrequencyRisk(clicks, t.IPClickThreshold)
	}

	total, converted, err := h.conversions.ConversionStats(ctx, now.Add(-ConversionWindow))
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else {
		a.ConversionRate = stats.Rate(converted, total)
		a.PatternScore = PatternRisk(total, converted, t.ConversionRateThreshold)
	}

	return a, firstErr
}

// FrequencyRisk scores clicks from one IP in the last hour against the
// configured threshold. A threshold of zero disables the heuristic.
func FrequencyRisk(clicks int64, threshold int) int {
	if threshold <= 0 {
		return 0
	}
	switch {
	case clicks >= int64(threshold):
		return FrequencyHighScore
	case clicks >= int64(threshold)/2 && clicks > 0:
		return FrequencyElevatedScore
	default:
		return 0
	}
}

// PatternRisk flags a conversion rate above threshold percent. A threshold
// of zero disables the heuristic.
func PatternRisk(clicks, conversions int64, threshold float64) int {
	if threshold <= 0 || clicks < MinClicksForConversionRate {
		return 0
	}
	if stats.Rate(conversions, clicks) > threshold {
		return ConversionAnomalyScore
	}
	return 0
}
