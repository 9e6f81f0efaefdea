package detection

import (
	"context"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// Analyzer scores clicks. With no IP-intelligence provider it is a pure
// function of the event; with one, the VPN signal also consults the provider
// and degrades to a zero contribution when the provider fails.
type Analyzer struct {
	intel  IPIntel
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer. intel may be nil.
func NewAnalyzer(intel IPIntel, logger *zap.Logger) *Analyzer {
	return &Analyzer{intel: intel, logger: logger.Named("detection")}
}

// AnalyzeClick scores one click event.
func (a *Analyzer) AnalyzeClick(ctx context.Context, ev ClickEvent) Result {
	if a.intel == nil {
		return AnalyzeClick(ev)
	}

	network := func(ev *ClickEvent) (Signal, bool) {
		return a.vpnSignal(ctx, ev)
	}
	return Aggregate(run(pipeline(network), &ev))
}

func (a *Analyzer) vpnSignal(ctx context.Context, ev *ClickEvent) (Signal, bool) {
	if s, ok := DetectPrivateNetwork(ev); ok {
		return s, true
	}

	ip := strings.TrimSpace(ev.IP)
	if _, err := netip.ParseAddr(ip); err != nil {
		return Signal{}, false
	}

	verdict, err := a.intel.Lookup(ctx, ip)
	if err != nil {
		a.logger.Warn("ip intelligence lookup failed", zap.String("ip", ip), zap.Error(err))
		return Signal{Name: SignalVPN, Score: 0, Reason: "ip intelligence service unavailable"}, true
	}
	if !verdict.Anonymized() {
		return Signal{}, false
	}

	var kinds []string
	if verdict.VPN {
		kinds = append(kinds, "vpn")
	}
	if verdict.Proxy {
		kinds = append(kinds, "proxy")
	}
	if verdict.Hosting {
		kinds = append(kinds, "hosting")
	}
	return Signal{
		Name:   SignalVPN,
		Score:  VPNContribution,
		Reason: "ip intelligence flagged " + strings.Join(kinds, "/"),
	}, true
}
