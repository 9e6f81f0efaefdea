// Package lists implements the whitelist and blocklist registries. Both share
// one table and differ only by their type tag.
package lists

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-cloaker/trafficguard/internal/database"
)

var (
	// ErrInvalidAddress is returned for an entry whose ip or cidr does not parse.
	ErrInvalidAddress = errors.New("invalid ip address or cidr")
	// ErrNotFound is returned when no entry matches an id or ip.
	ErrNotFound = errors.New("list entry not found")
	// ErrInvalidRiskScore is returned for a risk score outside 0..100.
	ErrInvalidRiskScore = errors.New("risk score must be between 0 and 100")
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Repository is the storage the lists need.
type Repository interface {
	CreateListEntry(ctx context.Context, e *database.ListEntry) error
	ActiveEntriesForIP(ctx context.Context, listType, ip string) ([]database.ListEntry, error)
	ActiveCIDREntries(ctx context.Context, listType string) ([]database.ListEntry, error)
	DeactivateListEntry(ctx context.Context, id string) error
	DeactivateIP(ctx context.Context, listType, value string) (int64, error)
	UpdateListEntry(ctx context.Context, listType, id string, p database.ListEntryPatch) (*database.ListEntry, error)
	ListEntries(ctx context.Context, f database.ListFilter) ([]database.ListEntry, int64, error)
	CountLiveEntries(ctx context.Context, listType string, now time.Time) (int64, error)
}

// Store hands out the two list views over one repository.
type Store struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a list store.
func NewStore(repo Repository, logger *zap.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.Named("lists"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Whitelist returns the allow list.
func (s *Store) Whitelist() *List { return &List{store: s, kind: database.ListWhitelist} }

// Blocklist returns the deny list.
func (s *Store) Blocklist() *List { return &List{store: s, kind: database.ListBlocklist} }

// List is one typed view of the store.
type List struct {
	store *Store
	kind  string
}

// Page is one page of List results.
type Page struct {
	Entries []database.ListEntry `json:"entries"`
	Total   int64                `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// Add validates and stores a new entry. IsActive defaults to true for new
// entries; the caller's ID, Type and timestamps are overwritten.
func (l *List) Add(ctx context.Context, e database.ListEntry) (*database.ListEntry, error) {
	if err := normalize(&e); err != nil {
		return nil, err
	}
	e.ID = ""
	e.Type = l.kind
	e.IsActive = true
	e.CreatedAt = time.Time{}
	if e.CreatedBy == "" {
		e.CreatedBy = "admin"
	}
	if err := l.store.repo.CreateListEntry(ctx, &e); err != nil {
		return nil, fmt.Errorf("failed to add %s entry: %w", l.kind, err)
	}
	l.store.logger.Info("list entry added",
		zap.String("list", l.kind),
		zap.String("ip", e.IP),
		zap.String("cidr", e.CIDR),
		zap.String("created_by", e.CreatedBy),
	)
	return &e, nil
}

// Remove deactivates every active entry for ip (or a cidr string). Entries
// are never deleted.
func (l *List) Remove(ctx context.Context, ip string) (int64, error) {
	value := strings.TrimSpace(ip)
	if value == "" {
		return 0, ErrInvalidAddress
	}
	n, err := l.store.repo.DeactivateIP(ctx, l.kind, value)
	if err != nil {
		return 0, fmt.Errorf("failed to remove %s entry: %w", l.kind, err)
	}
	if n == 0 {
		return 0, ErrNotFound
	}
	l.store.logger.Info("list entry removed", zap.String("list", l.kind), zap.String("ip", value), zap.Int64("count", n))
	return n, nil
}

// List returns a page of entries. Limit defaults to DefaultLimit and is capped
// at MaxLimit.
func (l *List) List(ctx context.Context, f database.ListFilter) (*Page, error) {
	f.Type = l.kind
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	entries, total, err := l.store.repo.ListEntries(ctx, f)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []database.ListEntry{}
	}
	return &Page{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Update applies patch to the entry with id.
func (l *List) Update(ctx context.Context, id string, patch database.ListEntryPatch) (*database.ListEntry, error) {
	if patch.RiskScore != nil && (*patch.RiskScore < 0 || *patch.RiskScore > 100) {
		return nil, ErrInvalidRiskScore
	}
	e, err := l.store.repo.UpdateListEntry(ctx, l.kind, id, patch)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return e, err
}

// BulkAdd adds each entry independently and returns the ones that were
// stored. A failing entry is logged and skipped.
func (l *List) BulkAdd(ctx context.Context, entries []database.ListEntry) []database.ListEntry {
	added := make([]database.ListEntry, 0, len(entries))
	for _, e := range entries {
		stored, err := l.Add(ctx, e)
		if err != nil {
			l.store.logger.Warn("bulk add skipped entry",
				zap.String("list", l.kind),
				zap.String("ip", e.IP),
				zap.String("cidr", e.CIDR),
				zap.Error(err),
			)
			continue
		}
		added = append(added, *stored)
	}
	return added
}

// IsMember reports whether ip is covered by any live entry. Exact entries
// are checked first; expired ones found there are deactivated on the way.
func (l *List) IsMember(ctx context.Context, ip string) (bool, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, nil
	}
	addr = addr.Unmap()
	key := addr.String()
	now := l.store.now()

	exact, err := l.store.repo.ActiveEntriesForIP(ctx, l.kind, key)
	if err != nil {
		return false, err
	}
	for i := range exact {
		e := &exact[i]
		if e.CIDR != "" {
			continue
		}
		if e.Live(now) {
			return true, nil
		}
		l.expire(ctx, e)
	}

	networks, err := l.store.repo.ActiveCIDREntries(ctx, l.kind)
	if err != nil {
		return false, err
	}
	for i := range networks {
		e := &networks[i]
		if e.Expired(now) {
			l.expire(ctx, e)
			continue
		}
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			continue
		}
		if contains(prefix, addr) {
			return true, nil
		}
	}
	return false, nil
}

// BlockIfAbsent adds e unless ip already has a live exact entry. It reports
// whether a new entry was written.
func (l *List) BlockIfAbsent(ctx context.Context, e database.ListEntry) (*database.ListEntry, bool, error) {
	if err := normalize(&e); err != nil {
		return nil, false, err
	}
	now := l.store.now()
	existing, err := l.store.repo.ActiveEntriesForIP(ctx, l.kind, e.IP)
	if err != nil {
		return nil, false, err
	}
	for i := range existing {
		if existing[i].CIDR == e.CIDR && existing[i].Live(now) {
			return &existing[i], false, nil
		}
	}

	stored, err := l.Add(ctx, e)
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// CountLive counts active, unexpired entries.
func (l *List) CountLive(ctx context.Context) (int64, error) {
	return l.store.repo.CountLiveEntries(ctx, l.kind, l.store.now())
}

func (l *List) expire(ctx context.Context, e *database.ListEntry) {
	if err := l.store.repo.DeactivateListEntry(ctx, e.ID); err != nil {
		l.store.logger.Warn("failed to deactivate expired entry", zap.String("id", e.ID), zap.Error(err))
		return
	}
	l.store.logger.Debug("expired list entry deactivated",
		zap.String("list", l.kind),
		zap.String("id", e.ID),
		zap.String("ip", e.IP),
	)
}

func contains(prefix netip.Prefix, addr netip.Addr) bool {
	if prefix.IsSingleIP() {
		return prefix.Addr().Unmap() == addr
	}
	return prefix.Masked().Contains(addr)
}

// normalize validates the address fields of e and puts them in canonical
// form. A /32 (or /128) cidr collapses to an exact entry.
func normalize(e *database.ListEntry) error {
	e.IP = strings.TrimSpace(e.IP)
	e.CIDR = strings.TrimSpace(e.CIDR)

	if e.CIDR == "" && strings.Contains(e.IP, "/") {
		e.CIDR = e.IP
		e.IP = ""
	}

	if e.CIDR != "" {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, e.CIDR)
		}
		if prefix.Addr().Is4In6() && prefix.Bits() >= 96 {
			prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()-96)
		}
		prefix = prefix.Masked()
		if prefix.IsSingleIP() {
			e.IP = prefix.Addr().String()
			e.CIDR = ""
		} else {
			e.CIDR = prefix.String()
			if e.IP == "" {
				e.IP = prefix.Addr().String()
			}
		}
	}

	addr, err := netip.ParseAddr(e.IP)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, e.IP)
	}
	e.IP = addr.Unmap().String()

	if e.RiskScore < 0 || e.RiskScore > 100 {
		return ErrInvalidRiskScore
	}
	if e.ExpiresAt != nil {
		t := e.ExpiresAt.UTC()
		e.ExpiresAt = &t
	}
	return nil
}
