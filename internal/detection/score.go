package detection

// Risk levels
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Classification boundaries. A score equal to a boundary belongs to the
// higher level.
const (
	HighThreshold   = 70
	MediumThreshold = 40
	MaxScore        = 100
)

// Result is the outcome of scoring one click.
type Result struct {
	FraudScore  int      `json:"fraud_score"`
	IsBot       bool     `json:"is_bot"`
	VPNDetected bool     `json:"vpn_detected"`
	RiskLevel   string   `json:"risk_level"`
	Reasons     []string `json:"reasons"`
	Signals     []Signal `json:"signals"`
}

// Clamp bounds a score to [0, 100].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Classify maps a score to its risk level.
func Classify(score int) string {
	switch {
	case score >= HighThreshold:
		return RiskHigh
	case score >= MediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Aggregate sums the contributions of the given signals into a result.
func Aggregate(signals []Signal) Result {
	result := Result{
		Reasons: []string{},
		Signals: []Signal{},
	}

	total := 0
	for _, s := range signals {
		total += s.Score
		result.Signals = append(result.Signals, s)
		if s.Reason != "" {
			result.Reasons = append(result.Reasons, s.Reason)
		}
		switch s.Name {
		case SignalBot:
			result.IsBot = true
		case SignalVPN:
			if s.Score > 0 {
				result.VPNDetected = true
			}
		}
	}

	result.FraudScore = Clamp(total)
	result.RiskLevel = Classify(result.FraudScore)
	return result
}

// Extract runs every in-memory extractor against ev in order.
func Extract(ev *ClickEvent) []Signal {
	return run(Extractors, ev)
}

func run(extractors []Extractor, ev *ClickEvent) []Signal {
	signals := make([]Signal, 0, len(extractors))
	for _, extract := range extractors {
		if s, ok := extract(ev); ok {
			signals = append(signals, s)
		}
	}
	return signals
}

// AnalyzeClick scores a click using only the in-memory extractors. It is a
// pure function of ev.
func AnalyzeClick(ev ClickEvent) Result {
	return Aggregate(Extract(&ev))
}

// BlockedResult is reported for an IP already on the blocklist, without
// running any extractor.
func BlockedResult() Result {
	return Result{
		FraudScore: MaxScore,
		RiskLevel:  RiskHigh,
		Reasons:    []string{"ip is on the blocklist"},
		Signals:    []Signal{},
	}
}
