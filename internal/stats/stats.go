package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nexus-cloaker/trafficguard/internal/database"
	"github.com/nexus-cloaker/trafficguard/internal/detection"
)

// DefaultWindow is the trailing window used by the dashboard.
const DefaultWindow = 24 * time.Hour

// Repository is the read-only storage the aggregator needs.
type Repository interface {
	ClickCounts(ctx context.Context, since time.Time, fraudAbove int) (database.ClickCounts, error)
	CountLiveEntries(ctx context.Context, listType string, now time.Time) (int64, error)
	CountReportsByStatus(ctx context.Context, status string) (int64, error)
}

// Snapshot is one read of the counters.
type Snapshot struct {
	Window         string    `json:"window"`
	TotalClicks    int64     `json:"total_clicks"`
	BotClicks      int64     `json:"bot_clicks"`
	FraudClicks    int64     `json:"fraud_clicks"`
	BlockedIPs     int64     `json:"blocked_ips"`
	PendingReports int64     `json:"pending_reports"`
	BotRate        float64   `json:"bot_rate"`
	FraudRate      float64   `json:"fraud_rate"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Aggregator computes snapshots. It only reads.
type Aggregator struct {
	repo Repository
	now  func() time.Time
}

func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Snapshot reads the counters over the trailing window.
func (a *Aggregator) Snapshot(ctx context.Context, window time.Duration) (*Snapshot, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	now := a.now()

	counts, err := a.repo.ClickCounts(ctx, now.Add(-window), detection.MediumThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to count clicks: %w", err)
	}
	blocked, err := a.repo.CountLiveEntries(ctx, database.ListBlocklist, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count blocked ips: %w", err)
	}
	pending, err := a.repo.CountReportsByStatus(ctx, database.ReportPending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending reports: %w", err)
	}

	return &Snapshot{
		Window:         window.String(),
		TotalClicks:    counts.Total,
		BotClicks:      counts.Bot,
		FraudClicks:    counts.Fraud,
		BlockedIPs:     blocked,
		PendingReports: pending,
		BotRate:        Rate(counts.Bot, counts.Total),
		FraudRate:      Rate(counts.Fraud, counts.Total),
		GeneratedAt:    now,
	}, nil
}

// Rate returns count/total as a percentage rounded to two decimals, or 0
// when total is 0.
func Rate(count, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(count)/float64(total)*100*100) / 100
}
