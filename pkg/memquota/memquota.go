// Package memquota tracks memory use across channels, circuits, and streams
// against a process-wide quota. Participants claim bytes through cheap
// cached quanta and a background task asks the heaviest users to reclaim
// when the total passes the configured maximum.
package memquota

import (
	"fmt"
	"sync"

	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/logger"
)

// Quantum is the cache size a Participation claims from the tracker at once,
// amortizing the global mutex off the hot path.
const Quantum = 16 * 1024

// Participant is implemented by owners of tracked memory. Reclaim is called
// from the tracker's reclamation task when the process is over quota; the
// participant should release what it can, typically by tearing itself down.
// Participant methods must not call back into the tracker.
type Participant interface {
	Reclaim()
}

// Tracker maintains the process-wide memory total.
type Tracker struct {
	mu       sync.Mutex
	total    uint64
	max      uint64
	lowWater uint64
	closed   bool

	participants []*participantRef

	reclaimCh chan struct{}
	logger    *logger.Logger
}

// participantRef is the tracker's weak handle on a participant: dropping a
// Participation clears the pointer rather than keeping the owner alive.
type participantRef struct {
	mu    sync.Mutex
	p     Participant
	usage uint64
}

func (r *participantRef) get() Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.p
}

func (r *participantRef) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = nil
}

// NewTracker creates a tracker with the given maximum and low-water mark.
// The reclamation task runs until Close.
func NewTracker(max, lowWater uint64, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.NewDefault()
	}
	t := &Tracker{
		max:       max,
		lowWater:  lowWater,
		reclaimCh: make(chan struct{}, 1),
		logger:    log.Component("memquota"),
	}
	go t.reclaimLoop()
	return t
}

// Total returns the currently-claimed byte total
func (t *Tracker) Total() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Close shuts the tracker down. Further claims fail with ErrManagerShutdown.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.reclaimCh)
}

// claim adds n bytes to the total, signalling the reclaimer if the maximum
// is crossed.
func (t *Tracker) claim(n uint64) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ErrManagerShutdown
	}
	t.total += n
	over := t.max > 0 && t.total > t.max
	t.mu.Unlock()

	if over {
		select {
		case t.reclaimCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// release subtracts n bytes from the total
func (t *Tracker) release(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > t.total {
		t.total = 0
		return
	}
	t.total -= n
}

// reclaimLoop drives participants' Reclaim hooks until the total drops
// below the low-water mark. Participants are visited heaviest first.
func (t *Tracker) reclaimLoop() {
	for range t.reclaimCh {
		for {
			t.mu.Lock()
			if t.total <= t.lowWater || len(t.participants) == 0 {
				t.mu.Unlock()
				break
			}
			// Pick the heaviest live participant.
			var heaviest *participantRef
			live := t.participants[:0]
			for _, r := range t.participants {
				if r.get() == nil {
					continue
				}
				live = append(live, r)
				if heaviest == nil || r.usage > heaviest.usage {
					heaviest = r
				}
			}
			t.participants = live
			t.mu.Unlock()

			if heaviest == nil {
				break
			}
			p := heaviest.get()
			if p == nil {
				continue
			}
			t.logger.Warn("memory quota exceeded, reclaiming participant",
				"total", t.Total(), "participant_usage", heaviest.usage)
			p.Reclaim()
			heaviest.clear()
		}
	}
}

// Account groups Participations into a tree, one account per channel or
// tunnel with child accounts for their circuits and streams.
type Account struct {
	mu       sync.Mutex
	tracker  *Tracker
	parent   *Account
	children []*Account
	closed   bool
}

// NewAccount creates a root account on the tracker
func (t *Tracker) NewAccount() *Account {
	return &Account{tracker: t}
}

// NewChildAccount creates a child account. Closed children are swept from
// the parent's list lazily, when appending would force a reallocation, so
// the list's growth stays bounded without explicit destructors.
func (a *Account) NewChildAccount() *Account {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.children) == cap(a.children) {
		kept := a.children[:0]
		for _, c := range a.children {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				kept = append(kept, c)
			}
		}
		a.children = kept
	}

	child := &Account{tracker: a.tracker, parent: a}
	a.children = append(a.children, child)
	return child
}

// Close marks the account closed; its storage is swept from the parent lazily
func (a *Account) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
}

// Participation is one owner's stake in an account. It caches a small
// claimed quantum so most claims and releases never touch the tracker.
type Participation struct {
	mu      sync.Mutex
	account *Account
	ref     *participantRef
	cached  uint64 // claimed from the tracker but not handed out
	claimed uint64 // handed out to the owner
	closed  bool
}

// Participate registers a participant on the account and returns its
// Participation handle.
func (a *Account) Participate(p Participant) *Participation {
	ref := &participantRef{p: p}

	t := a.tracker
	t.mu.Lock()
	t.participants = append(t.participants, ref)
	t.mu.Unlock()

	return &Participation{account: a, ref: ref}
}

// Claim records n more bytes in use. It draws from the local cache and only
// claims a fresh quantum from the tracker when the cache runs dry.
func (p *Participation) Claim(n uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.ErrManagerShutdown
	}

	if p.cached < n {
		want := n - p.cached
		if want < Quantum {
			want = Quantum
		}
		if err := p.account.tracker.claim(want); err != nil {
			return fmt.Errorf("memory claim failed: %w", err)
		}
		p.cached += want
	}

	p.cached -= n
	p.claimed += n

	p.ref.mu.Lock()
	p.ref.usage = p.claimed
	p.ref.mu.Unlock()
	return nil
}

// Release returns n bytes to the cache, handing excess back to the tracker
// once the cache holds more than one quantum.
func (p *Participation) Release(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n > p.claimed {
		n = p.claimed
	}
	p.claimed -= n
	p.cached += n

	if p.cached > Quantum {
		excess := p.cached - Quantum
		p.cached = Quantum
		p.account.tracker.release(excess)
	}

	p.ref.mu.Lock()
	p.ref.usage = p.claimed
	p.ref.mu.Unlock()
}

// Claimed returns the bytes currently attributed to the owner
func (p *Participation) Claimed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed
}

// Destroy releases everything and detaches the participant from the tracker
func (p *Participation) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	total := p.claimed + p.cached
	p.claimed = 0
	p.cached = 0
	p.mu.Unlock()

	p.account.tracker.release(total)
	p.ref.clear()
}
