package memquota

import (
	stderrors "errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/logger"
)

func quietLogger() *logger.Logger {
	return logger.New(slog.LevelError, io.Discard)
}

// nopParticipant ignores reclamation
type nopParticipant struct{}

func (nopParticipant) Reclaim() {}

func TestClaimReleaseAccounting(t *testing.T) {
	tr := NewTracker(0, 0, quietLogger())
	defer tr.Close()

	acct := tr.NewAccount()
	p := acct.Participate(nopParticipant{})

	if err := p.Claim(100); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if got := p.Claimed(); got != 100 {
		t.Errorf("Claimed() = %d, want 100", got)
	}
	// The tracker sees at least a whole quantum: the cache amortizes it.
	if got := tr.Total(); got < 100 || got > Quantum {
		t.Errorf("Total() = %d, want between 100 and one quantum", got)
	}

	p.Release(100)
	if got := p.Claimed(); got != 0 {
		t.Errorf("Claimed() = %d after release, want 0", got)
	}

	p.Destroy()
	if got := tr.Total(); got != 0 {
		t.Errorf("Total() = %d after Destroy, want 0", got)
	}
}

func TestCacheAvoidsTrackerOnSmallClaims(t *testing.T) {
	tr := NewTracker(0, 0, quietLogger())
	defer tr.Close()

	p := tr.NewAccount().Participate(nopParticipant{})
	if err := p.Claim(10); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	after := tr.Total()
	// Further small claims come from the cached quantum.
	for i := 0; i < 100; i++ {
		if err := p.Claim(10); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
	}
	if got := tr.Total(); got != after {
		t.Errorf("Total() = %d, want unchanged %d while inside the cached quantum", got, after)
	}
	p.Destroy()
}

// reclaimer signals when the tracker asks it to release memory
type reclaimer struct {
	called chan struct{}
}

func (r *reclaimer) Reclaim() { close(r.called) }

func TestReclamationOverQuota(t *testing.T) {
	tr := NewTracker(8*1024, 1024, quietLogger())
	defer tr.Close()

	r := &reclaimer{called: make(chan struct{})}
	p := tr.NewAccount().Participate(r)

	// One quantum claim crosses the 8 KiB maximum.
	if err := p.Claim(Quantum); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	select {
	case <-r.called:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker never asked the participant to reclaim")
	}
}

func TestClaimAfterShutdown(t *testing.T) {
	tr := NewTracker(0, 0, quietLogger())
	p := tr.NewAccount().Participate(nopParticipant{})
	tr.Close()

	err := p.Claim(Quantum * 2)
	if err == nil {
		t.Fatal("Claim() succeeded on a closed tracker")
	}
	if !stderrors.Is(err, errors.ErrManagerShutdown) {
		t.Errorf("Claim() error = %v, want ErrManagerShutdown", err)
	}
}

func TestChildAccountSweep(t *testing.T) {
	tr := NewTracker(0, 0, quietLogger())
	defer tr.Close()

	parent := tr.NewAccount()
	for i := 0; i < 64; i++ {
		child := parent.NewChildAccount()
		child.Close()
	}
	// Closed children are swept when appending would reallocate, so the
	// list stays bounded instead of growing with every dead child.
	parent.mu.Lock()
	n := len(parent.children)
	parent.mu.Unlock()
	if n >= 64 {
		t.Errorf("child list holds %d entries, want lazy sweeping to bound it", n)
	}
}
