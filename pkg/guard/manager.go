package guard

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/onionkit/onionkit/pkg/directory"
	"github.com/onionkit/onionkit/pkg/logger"
)

// Params are the guard-selection policy knobs
type Params struct {
	MinFilteredSampleSize int
	MaxSampleSize         int
	MaxSampleBWFraction   float64
	NPrimary              int
	DataParallelism       int
	DirParallelism        int
	NPConnectTimeout      time.Duration
	NPIdleTimeout         time.Duration
	InternetDownTimeout   time.Duration
	LifetimeUnconfirmed   time.Duration
	LifetimeConfirmed     time.Duration
	LifetimeUnlisted      time.Duration
	FilterThreshold       float64
	ExtremeThreshold      float64
}

// DefaultParams returns the standard policy
func DefaultParams() Params {
	return Params{
		MinFilteredSampleSize: 20,
		MaxSampleSize:         60,
		MaxSampleBWFraction:   0.2,
		NPrimary:              3,
		DataParallelism:       1,
		DirParallelism:        3,
		NPConnectTimeout:      15 * time.Second,
		NPIdleTimeout:         10 * time.Minute,
		InternetDownTimeout:   10 * time.Minute,
		LifetimeUnconfirmed:   120 * 24 * time.Hour,
		LifetimeConfirmed:     60 * 24 * time.Hour,
		LifetimeUnlisted:      20 * 24 * time.Hour,
		FilterThreshold:       0.2,
		ExtremeThreshold:      0.01,
	}
}

// UsageKind says what a requested guard will be used for
type UsageKind int

const (
	// UsageData is a normal multi-hop data circuit
	UsageData UsageKind = iota
	// UsageDir is a one-hop directory circuit
	UsageDir
)

// Usage describes one guard request
type Usage struct {
	Kind UsageKind
	// Exclude rejects specific guards for this request (lowercase hex IDs)
	Exclude map[string]bool
}

func (u *Usage) permits(g *Guard) bool {
	if u == nil || u.Exclude == nil {
		return true
	}
	return !u.Exclude[strings.ToLower(g.ID)]
}

// stateFileName is the single persisted guard state file
const stateFileName = "guards.json"

// Manager is the guard manager. Everything in memory is mutex-protected
// because the manager is called from circuit-building code, not from a
// reactor of its own. Save writes the state file without any inter-process
// lock; nothing stops two processes sharing a state dir from both writing.
type Manager struct {
	mu     sync.Mutex
	params Params
	set    *GuardSet
	filter *Filter
	netdir *directory.NetDir

	stateFile string
	logger    *logger.Logger

	lastPrimaryRetry time.Time
}

// NewManager loads (or initializes) guard state from dataDir
func NewManager(dataDir string, params Params, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	m := &Manager{
		params:    params,
		set:       &GuardSet{},
		stateFile: filepath.Join(dataDir, stateFileName),
		logger:    log.Component("guardmgr"),
	}
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to load guard state", "error", err)
		}
	}
	return m, nil
}

// load reads the persisted guard set
func (m *Manager) load() error {
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		return err
	}
	set := &GuardSet{}
	if err := json.Unmarshal(data, set); err != nil {
		return fmt.Errorf("failed to parse guard state: %w", err)
	}
	m.set = set
	m.logger.Info("loaded guard state", "sample", len(set.Sample),
		"confirmed", len(set.Confirmed), "primary", len(set.Primary))
	return nil
}

// Save writes the guard set to the single state file atomically
func (m *Manager) Save() error {
	m.mu.Lock()
	data, err := json.MarshalIndent(m.set, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal guard state: %w", err)
	}

	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write guard state: %w", err)
	}
	if err := os.Rename(tmp, m.stateFile); err != nil {
		return fmt.Errorf("failed to rename guard state file: %w", err)
	}
	return nil
}

// SetFilter installs the active restriction filter
func (m *Manager) SetFilter(f *Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

// UpdateNetDir applies a new directory: expiring old guards, marking
// unlisted ones, extending the sample per policy, and refreshing the
// primary set.
func (m *Manager) UpdateNetDir(nd *directory.NetDir) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.netdir = nd
	now := time.Now()

	listed := make(map[string]*directory.RelayEntry)
	for _, r := range nd.Relays() {
		if r.IsGuard() && r.IsRunning() {
			listed[strings.ToLower(r.Fingerprint)] = r
		}
	}

	// Mark listed/unlisted and expire.
	kept := m.set.Sample[:0]
	for _, g := range m.set.Sample {
		if _, ok := listed[strings.ToLower(g.RSAID)]; ok {
			g.Listed = true
			g.FirstUnlistedAt = nil
		} else if g.Listed || g.FirstUnlistedAt == nil {
			g.Listed = false
			t := now
			g.FirstUnlistedAt = &t
		}
		if m.expired(g, now) {
			m.dropRefs(g.ID)
			continue
		}
		kept = append(kept, g)
	}
	m.set.Sample = kept

	m.extendSample(listed, now)
	m.selectPrimaryGuards()
}

// expired applies the lifetime policy
func (m *Manager) expired(g *Guard, now time.Time) bool {
	if g.FirstUnlistedAt != nil && now.Sub(*g.FirstUnlistedAt) > m.params.LifetimeUnlisted {
		return true
	}
	if g.Confirmed && g.ConfirmedAt != nil {
		return now.Sub(*g.ConfirmedAt) > m.params.LifetimeConfirmed
	}
	return now.Sub(g.SampledAt) > m.params.LifetimeUnconfirmed
}

// dropRefs removes a guard's ID from the confirmed and primary lists
func (m *Manager) dropRefs(id string) {
	m.set.Confirmed = removeString(m.set.Confirmed, id)
	m.set.Primary = removeString(m.set.Primary, id)
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// extendSample grows the sample until enough guards pass the filter and
// are not unreachable, or the size and bandwidth-fraction caps bind. For a
// non-restrictive filter we sample without applying it; the filter then
// only shapes the usable subset.
func (m *Manager) extendSample(listed map[string]*directory.RelayEntry, now time.Time) {
	restrictive := m.filter.IsRestrictive(m.netdir, m.params.FilterThreshold)

	var totalBW, sampledBW uint64
	for _, r := range listed {
		totalBW += r.Bandwidth
	}
	inSample := make(map[string]bool, len(m.set.Sample))
	for _, g := range m.set.Sample {
		inSample[strings.ToLower(g.RSAID)] = true
		if r, ok := listed[strings.ToLower(g.RSAID)]; ok {
			sampledBW += r.Bandwidth
		}
	}

	// Candidates not yet sampled, optionally pre-filtered.
	var candidates []*directory.RelayEntry
	for fp, r := range listed {
		if inSample[fp] {
			continue
		}
		if restrictive && !m.filter.PermitsRelay(r, fp) {
			continue
		}
		candidates = append(candidates, r)
	}

	for m.filteredUsable() < m.params.MinFilteredSampleSize &&
		len(m.set.Sample) < m.params.MaxSampleSize &&
		len(candidates) > 0 {

		if totalBW > 0 && float64(sampledBW) >= m.params.MaxSampleBWFraction*float64(totalBW) {
			break
		}

		idx := weightedPick(candidates)
		r := candidates[idx]
		candidates = append(candidates[:idx], candidates[idx+1:]...)

		g := &Guard{
			ID:        strings.ToLower(r.Fingerprint),
			RSAID:     strings.ToUpper(r.Fingerprint),
			Nickname:  r.Nickname,
			Addr:      fmt.Sprintf("%s:%d", r.Addr, r.ORPort),
			SampledAt: now,
			Listed:    true,
		}
		m.set.Sample = append(m.set.Sample, g)
		sampledBW += r.Bandwidth
		m.logger.Info("sampled new guard", "nickname", g.Nickname, "addr", g.Addr)
	}
}

// filteredUsable counts sampled guards passing the filter and not unreachable
func (m *Manager) filteredUsable() int {
	n := 0
	for _, g := range m.set.Sample {
		if g.Reachable != Unreachable && m.filter.Permits(g) {
			n++
		}
	}
	return n
}

// weightedPick selects a candidate index weighted by bandwidth
func weightedPick(candidates []*directory.RelayEntry) int {
	var total uint64
	for _, r := range candidates {
		total += r.Bandwidth
	}
	if total == 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates))))
		if err != nil {
			return 0
		}
		return int(n.Int64())
	}
	n, err := rand.Int(rand.Reader, new(big.Int).SetUint64(total))
	if err != nil {
		return 0
	}
	target := n.Uint64()
	var acc uint64
	for i, r := range candidates {
		acc += r.Bandwidth
		if target < acc {
			return i
		}
	}
	return len(candidates) - 1
}

// preferenceOrder returns guards in selection preference: primary in
// priority order, then non-primary confirmed oldest-first, then the rest
// of the sample in sampling order.
func (m *Manager) preferenceOrder() []*Guard {
	seen := make(map[string]bool)
	var out []*Guard

	for _, id := range m.set.Primary {
		if g := m.set.byID(id); g != nil && !seen[id] {
			out = append(out, g)
			seen[id] = true
		}
	}
	for _, id := range m.set.Confirmed {
		if g := m.set.byID(id); g != nil && !seen[id] {
			out = append(out, g)
			seen[id] = true
		}
	}
	for _, g := range m.set.Sample {
		if !seen[g.ID] {
			out = append(out, g)
			seen[g.ID] = true
		}
	}
	return out
}

// isPrimary reports whether an ID is in the primary list
func (m *Manager) isPrimary(id string) bool {
	for _, p := range m.set.Primary {
		if p == id {
			return true
		}
	}
	return false
}

// selectPrimaryGuards rebuilds the primary list: the first NPrimary
// usable guards in preference order.
func (m *Manager) selectPrimaryGuards() {
	var primary []string
	for _, g := range m.preferenceOrder() {
		if len(primary) >= m.params.NPrimary {
			break
		}
		if !g.Listed || !m.filter.Permits(g) {
			continue
		}
		primary = append(primary, g.ID)
	}
	m.set.Primary = primary
}

// SelectGuard picks a guard for a circuit per the usage: walk the
// preference order skipping unusable guards and keep the first parallelism
// candidates. If any kept candidate is primary, one of the kept primaries
// is picked uniformly at random; otherwise the first candidate is taken.
// Non-primary picks are marked exploratory-pending.
func (m *Manager) SelectGuard(usage *Usage) (*Guard, *Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parallelism := m.params.DataParallelism
	if usage != nil && usage.Kind == UsageDir {
		parallelism = m.params.DirParallelism
	}
	if parallelism < 1 {
		parallelism = 1
	}

	var kept []*Guard
	anyPrimary := false
	for _, g := range m.preferenceOrder() {
		if g.IsDown() || !g.Listed {
			continue
		}
		if g.exploratoryCircPending {
			continue
		}
		if !m.filter.Permits(g) || !usage.permits(g) {
			continue
		}
		kept = append(kept, g)
		if m.isPrimary(g.ID) {
			anyPrimary = true
		}
		if len(kept) >= parallelism {
			break
		}
	}
	if len(kept) == 0 {
		return nil, nil, fmt.Errorf("no usable guard matches the request")
	}

	if anyPrimary {
		primaries := kept[:0]
		for _, g := range kept {
			if m.isPrimary(g.ID) {
				primaries = append(primaries, g)
			}
		}
		kept = primaries
	} else {
		kept = kept[:1]
	}

	idx := 0
	if len(kept) > 1 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(kept))))
		if err == nil {
			idx = int(n.Int64())
		}
	}
	g := kept[idx]
	g.LastAttempt = time.Now()
	if !m.isPrimary(g.ID) {
		g.exploratoryCircPending = true
	}
	return g, &Monitor{m: m, id: g.ID}, nil
}

// IsCircUsable decides whether a completed-or-pending circuit through a
// guard may carry traffic now. Primary guards are immediately usable; a
// non-primary guard's circuit waits until every preferred guard above it
// is down or has had its own attempt pending at least NPConnectTimeout.
func (m *Manager) IsCircUsable(id string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isPrimary(id) {
		return true
	}
	for _, g := range m.preferenceOrder() {
		if g.ID == id {
			return true
		}
		if g.IsDown() || !g.Listed {
			continue
		}
		// A higher-preference guard is up: its attempt must have had its
		// chance before the lower-preference circuit is usable.
		if g.LastAttempt.IsZero() || now.Sub(g.LastAttempt) < m.params.NPConnectTimeout {
			return false
		}
	}
	return false
}

// MarkPrimaryGuardsRetriable clears the Unreachable state of every primary
// guard so they are attempted again. Rate-limited to once per
// InternetDownTimeout; called when a circuit succeeds elsewhere while all
// primaries look down.
func (m *Manager) MarkPrimaryGuardsRetriable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrimaryGuardsRetriableLocked(time.Now())
}

func (m *Manager) markPrimaryGuardsRetriableLocked(now time.Time) {
	if !m.lastPrimaryRetry.IsZero() && now.Sub(m.lastPrimaryRetry) < m.params.InternetDownTimeout {
		return
	}
	m.lastPrimaryRetry = now
	for _, id := range m.set.Primary {
		if g := m.set.byID(id); g != nil && g.Reachable == Unreachable {
			g.Reachable = ReachableUnknown
			m.logger.Info("primary guard marked retriable", "nickname", g.Nickname)
		}
	}
}

// allPrimariesUnreachable reports whether every primary guard is down
func (m *Manager) allPrimariesUnreachable() bool {
	if len(m.set.Primary) == 0 {
		return false
	}
	for _, id := range m.set.Primary {
		if g := m.set.byID(id); g != nil && g.Reachable != Unreachable {
			return false
		}
	}
	return true
}

// Monitor reports the outcome of one guard attempt back to the manager
type Monitor struct {
	m    *Manager
	id   string
	done bool
}

// Success records a working circuit through the guard, confirming it and
// possibly promoting it into the primary set.
func (mo *Monitor) Success() {
	m := mo.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if mo.done {
		return
	}
	mo.done = true

	g := m.set.byID(mo.id)
	if g == nil {
		return
	}
	now := time.Now()
	g.exploratoryCircPending = false
	g.Reachable = Reachable
	g.LastSuccess = now
	if !g.Confirmed {
		g.Confirmed = true
		t := now
		g.ConfirmedAt = &t
		m.set.Confirmed = append(m.set.Confirmed, g.ID)
		m.logger.Info("guard confirmed", "nickname", g.Nickname)
		m.selectPrimaryGuards()
	}

	// Success somewhere while every primary is down means the network is
	// back: give the primaries another chance.
	if !m.isPrimary(g.ID) && m.allPrimariesUnreachable() {
		m.markPrimaryGuardsRetriableLocked(now)
	}
}

// Failure records a failed attempt
func (mo *Monitor) Failure() {
	m := mo.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if mo.done {
		return
	}
	mo.done = true

	if g := m.set.byID(mo.id); g != nil {
		g.exploratoryCircPending = false
		g.Reachable = Unreachable
		g.LastFailure = time.Now()
	}
}

// AttemptAbandoned records that the attempt was dropped before completion
func (mo *Monitor) AttemptAbandoned() {
	m := mo.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if mo.done {
		return
	}
	mo.done = true

	if g := m.set.byID(mo.id); g != nil {
		g.exploratoryCircPending = false
	}
}

// Indeterminate records an outcome that says nothing about reachability
func (mo *Monitor) Indeterminate() {
	m := mo.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if mo.done {
		return
	}
	mo.done = true

	if g := m.set.byID(mo.id); g != nil {
		g.exploratoryCircPending = false
	}
}

// Snapshot returns a copy of the current guard set for observers
func (m *Manager) Snapshot() GuardSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := GuardSet{
		Confirmed: append([]string(nil), m.set.Confirmed...),
		Primary:   append([]string(nil), m.set.Primary...),
	}
	for _, g := range m.set.Sample {
		cp := *g
		out.Sample = append(out.Sample, &cp)
	}
	return out
}
