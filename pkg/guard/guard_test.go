package guard

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/onionkit/onionkit/pkg/directory"
	"github.com/onionkit/onionkit/pkg/logger"
)

func quietLogger() *logger.Logger {
	return logger.New(slog.LevelError, io.Discard)
}

// fakeNetDir builds a directory with n guard-flagged relays
func fakeNetDir(n int) *directory.NetDir {
	var relays []*directory.RelayEntry
	for i := 0; i < n; i++ {
		relays = append(relays, &directory.RelayEntry{
			Nickname:    fmt.Sprintf("guard%d", i),
			Fingerprint: fmt.Sprintf("%040X", i+1),
			Addr:        fmt.Sprintf("192.0.2.%d", i+1),
			ORPort:      9001,
			Flags:       []string{"Fast", "Guard", "Running", "Stable", "Valid"},
			Bandwidth:   1000,
		})
	}
	return &directory.NetDir{
		Consensus:  &directory.Consensus{Relays: relays},
		Microdescs: map[string]*directory.Microdesc{},
	}
}

// testParams mirrors the loosened knobs the sampling tests need
func testParams() Params {
	p := DefaultParams()
	p.MinFilteredSampleSize = 5
	p.MaxSampleBWFraction = 1.0
	p.NPrimary = 2
	return p
}

func TestSamplingFillsMinimum(t *testing.T) {
	m, err := NewManager(t.TempDir(), testParams(), quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(30))

	snap := m.Snapshot()
	if len(snap.Sample) != 5 {
		t.Errorf("sample size = %d, want min_filtered_sample_size 5", len(snap.Sample))
	}
	if len(snap.Primary) != 2 {
		t.Errorf("primary count = %d, want 2", len(snap.Primary))
	}
}

func TestSamplingRespectsBandwidthCap(t *testing.T) {
	p := testParams()
	p.MinFilteredSampleSize = 20
	p.MaxSampleBWFraction = 0.2
	m, err := NewManager(t.TempDir(), p, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(30))

	// Equal weights: 20% of 30 relays is 6 guards of bandwidth budget.
	if got := len(m.Snapshot().Sample); got > 7 {
		t.Errorf("sample size = %d, want the bandwidth cap to bind near 6", got)
	}
}

// TestConfirmationAndPersistence is the persistence scenario: select,
// confirm, save, reload; the same guard must come back.
func TestConfirmationAndPersistence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, testParams(), quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(30))

	g, mon, err := m.SelectGuard(&Usage{Kind: UsageData})
	if err != nil {
		t.Fatalf("SelectGuard() error = %v", err)
	}
	mon.Success()

	snap := m.Snapshot()
	if len(snap.Confirmed) != 1 || snap.Confirmed[0] != g.ID {
		t.Fatalf("Confirmed = %v, want [%s]", snap.Confirmed, g.ID)
	}

	if err := m.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reloaded, err := NewManager(dir, testParams(), quietLogger())
	if err != nil {
		t.Fatalf("NewManager() reload error = %v", err)
	}
	reloaded.UpdateNetDir(fakeNetDir(30))

	g2, _, err := reloaded.SelectGuard(&Usage{Kind: UsageData})
	if err != nil {
		t.Fatalf("SelectGuard() after reload error = %v", err)
	}
	if g2.ID != g.ID {
		t.Errorf("selected %s after reload, want the confirmed guard %s", g2.ID, g.ID)
	}
	if !g2.Confirmed {
		t.Error("reloaded guard lost its confirmed flag")
	}
}

// TestSelectionHonorsFilterAndUsage checks that a selected guard is always
// permitted by both the active filter and the usage restrictions.
func TestSelectionHonorsFilterAndUsage(t *testing.T) {
	m, err := NewManager(t.TempDir(), testParams(), quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(30))

	first, _, err := m.SelectGuard(&Usage{Kind: UsageData})
	if err != nil {
		t.Fatalf("SelectGuard() error = %v", err)
	}

	m.SetFilter(&Filter{ExcludeIdentities: map[string]bool{first.ID: true}})
	m.mu.Lock()
	m.selectPrimaryGuards()
	m.mu.Unlock()

	for i := 0; i < 10; i++ {
		g, mon, err := m.SelectGuard(&Usage{Kind: UsageData})
		if err != nil {
			t.Fatalf("SelectGuard() error = %v", err)
		}
		if g.ID == first.ID {
			t.Fatal("selection returned a filtered-out guard")
		}
		mon.AttemptAbandoned()
	}

	excluded := map[string]bool{}
	for _, g := range m.Snapshot().Sample {
		excluded[g.ID] = true
	}
	if _, _, err := m.SelectGuard(&Usage{Kind: UsageData, Exclude: excluded}); err == nil {
		t.Error("SelectGuard() ignored the usage restrictions")
	}
}

func TestFailureMarksUnreachable(t *testing.T) {
	m, err := NewManager(t.TempDir(), testParams(), quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(30))

	g, mon, err := m.SelectGuard(&Usage{Kind: UsageData})
	if err != nil {
		t.Fatalf("SelectGuard() error = %v", err)
	}
	mon.Failure()

	g2, _, err := m.SelectGuard(&Usage{Kind: UsageData})
	if err != nil {
		t.Fatalf("SelectGuard() after failure error = %v", err)
	}
	if g2.ID == g.ID {
		t.Error("selection returned a guard just marked unreachable")
	}
}

func TestIsCircUsable(t *testing.T) {
	p := testParams()
	p.NPrimary = 1
	m, err := NewManager(t.TempDir(), p, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(10))

	snap := m.Snapshot()
	primary := snap.Primary[0]
	var nonPrimary string
	for _, g := range snap.Sample {
		if g.ID != primary {
			nonPrimary = g.ID
			break
		}
	}

	now := time.Now()
	if !m.IsCircUsable(primary, now) {
		t.Error("a primary guard's circuit must be immediately usable")
	}
	if m.IsCircUsable(nonPrimary, now) {
		t.Error("a non-primary circuit was usable while preferred guards are untried")
	}

	// Once the preferred guard's attempt has been pending long enough, the
	// lower-preference circuit becomes usable.
	m.mu.Lock()
	m.set.byID(primary).LastAttempt = now.Add(-2 * p.NPConnectTimeout)
	m.mu.Unlock()
	if !m.IsCircUsable(nonPrimary, now) {
		t.Error("non-primary circuit still unusable after the preferred attempt timed out")
	}

	// A preferred guard that is down does not block lower circuits.
	m.mu.Lock()
	m.set.byID(primary).LastAttempt = now
	m.set.byID(primary).Reachable = Unreachable
	m.mu.Unlock()
	if !m.IsCircUsable(nonPrimary, now) {
		t.Error("non-primary circuit blocked by a guard that is down")
	}
}

func TestPrimaryRetryRateLimit(t *testing.T) {
	p := testParams()
	p.InternetDownTimeout = time.Hour
	m, err := NewManager(t.TempDir(), p, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(10))

	m.mu.Lock()
	for _, id := range m.set.Primary {
		m.set.byID(id).Reachable = Unreachable
	}
	m.mu.Unlock()

	m.MarkPrimaryGuardsRetriable()
	m.mu.Lock()
	first := m.set.byID(m.set.Primary[0])
	if first.Reachable != ReachableUnknown {
		t.Error("primary not marked retriable")
	}
	first.Reachable = Unreachable
	m.mu.Unlock()

	// A second trigger inside the window is a no-op.
	m.MarkPrimaryGuardsRetriable()
	m.mu.Lock()
	if m.set.byID(m.set.Primary[0]).Reachable != Unreachable {
		t.Error("retry rate limit not applied")
	}
	m.mu.Unlock()
}

func TestGuardSetUnknownFieldRoundTrip(t *testing.T) {
	raw := []byte(`{
		"sample": [{
			"id": "aabb",
			"rsa_id": "AABB",
			"addr": "192.0.2.1:9001",
			"sampled_at": "2026-01-01T00:00:00Z",
			"reachable": 0,
			"confirmed": false,
			"listed": true,
			"future_guard_field": {"nested": 7}
		}],
		"confirmed": [],
		"primary": [],
		"future_top_field": "keep me"
	}`)

	var set GuardSet
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	out, err := json.Marshal(&set)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(out), "future_top_field") {
		t.Error("top-level unknown field lost in round trip")
	}
	if !strings.Contains(string(out), "future_guard_field") {
		t.Error("per-guard unknown field lost in round trip")
	}
	if !strings.Contains(string(out), "keep me") {
		t.Error("unknown field value altered in round trip")
	}
}

func TestGuardExpiry(t *testing.T) {
	p := testParams()
	m, err := NewManager(t.TempDir(), p, quietLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.UpdateNetDir(fakeNetDir(10))

	m.mu.Lock()
	stale := m.set.Sample[0]
	stale.SampledAt = time.Now().Add(-p.LifetimeUnconfirmed - 24*time.Hour)
	staleID := stale.ID
	staleSampledAt := stale.SampledAt
	m.mu.Unlock()

	m.UpdateNetDir(fakeNetDir(10))
	for _, g := range m.Snapshot().Sample {
		if g.ID == staleID && g.SampledAt.Equal(staleSampledAt) {
			t.Error("expired guard survived a directory update")
		}
	}
}

func TestFilterRestrictive(t *testing.T) {
	nd := fakeNetDir(10)
	exclude := make(map[string]bool)
	for i, r := range nd.Relays() {
		if i < 9 {
			exclude[strings.ToLower(r.Fingerprint)] = true
		}
	}
	f := &Filter{ExcludeIdentities: exclude}
	if !f.IsRestrictive(nd, 0.2) {
		t.Error("a filter admitting 10%% of guards must be restrictive at a 20%% threshold")
	}
	loose := &Filter{}
	if loose.IsRestrictive(nd, 0.2) {
		t.Error("an empty filter must not be restrictive")
	}
}
