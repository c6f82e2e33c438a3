package directory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/logger"
)

// Mode is the manager's relationship to the on-disk cache
type Mode int

const (
	// ModeOffline uses only the cache and never downloads
	ModeOffline Mode = iota
	// ModeReadOnly follows another process's writes to the cache
	ModeReadOnly
	// ModeReadWrite holds the writer lock and refreshes the cache
	ModeReadWrite
)

// String returns a string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeOffline:
		return "OFFLINE"
	case ModeReadOnly:
		return "READ_ONLY"
	case ModeReadWrite:
		return "READ_WRITE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(m))
	}
}

// upgradeInterval is how often a read-only manager retries the writer lock
const upgradeInterval = 5 * time.Minute

// readOnlyPollInterval is how often a read-only manager rescans the cache
const readOnlyPollInterval = time.Minute

// Config configures a Manager
type Config struct {
	CacheDir string
	Offline  bool
	Options  *Options
}

// Manager runs the directory state machine and publishes NetDir snapshots.
// Exactly one background bootstrap task runs per manager.
type Manager struct {
	cfg      *Config
	store    *Store
	provider *NetDirProvider
	fetcher  Fetcher
	logger   *logger.Logger

	modeMu sync.Mutex
	mode   Mode

	// bootstrapStarted guards the single background task. On an early
	// failure the task resets it so a later Bootstrap can retry.
	bootstrapStarted atomic.Bool

	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewManager opens the cache and determines the starting mode: ReadWrite
// when the writer lock is free, ReadOnly when another process holds it.
func NewManager(cfg *Config, fetcher Fetcher, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if cfg.Options == nil {
		return nil, errors.ConfigurationError("directory options are required", nil)
	}
	store, err := NewStore(cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		store:    store,
		provider: NewNetDirProvider(),
		fetcher:  fetcher,
		logger:   log.Component("dirmgr"),
		closeCh:  make(chan struct{}),
	}

	switch {
	case cfg.Offline:
		m.mode = ModeOffline
	default:
		got, err := store.TryLock()
		if err != nil {
			return nil, err
		}
		if got {
			m.mode = ModeReadWrite
		} else {
			m.mode = ModeReadOnly
		}
	}
	m.logger.Info("directory manager created", "mode", m.mode.String())
	return m, nil
}

// Mode returns the manager's current cache mode
func (m *Manager) Mode() Mode {
	m.modeMu.Lock()
	defer m.modeMu.Unlock()
	return m.mode
}

// NetDir returns the current published directory, or nil before Ready
func (m *Manager) NetDir() *NetDir {
	return m.provider.NetDir()
}

// Watch returns a coalescing channel signalled on every publication.
// Watchers must assume only that "something changed".
func (m *Manager) Watch() <-chan struct{} {
	return m.provider.Watch()
}

// Close stops the background task
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.closeCh)
		_ = m.store.Unlock()
	})
	return nil
}

// Bootstrap starts the background bootstrap task. It is idempotent: a
// second concurrent call finds the flag set and returns success without
// side effects.
func (m *Manager) Bootstrap(ctx context.Context) error {
	if !m.bootstrapStarted.CompareAndSwap(false, true) {
		return nil
	}
	go m.bootstrapTask(ctx)
	return nil
}

// bootstrapTask is the manager's one background task: it drives the state
// machine, then sleeps until the published documents go stale and starts
// over. A failed first pass resets the started flag so retry is possible.
func (m *Manager) bootstrapTask(ctx context.Context) {
	succeededOnce := false
	defer func() {
		if !succeededOnce {
			m.bootstrapStarted.Store(false)
		}
	}()

	upgrade := time.NewTicker(upgradeInterval)
	defer upgrade.Stop()

	for {
		var resetAt time.Time
		var err error
		switch {
		case m.Mode() != ModeReadWrite || m.fetcher == nil:
			resetAt, err = m.publishFromCache()
		default:
			policy := errors.DirectoryRetryPolicy()
			err = errors.RetryWithPolicy(ctx, policy, func() error {
				var runErr error
				resetAt, runErr = m.runPipeline(ctx)
				if runErr != nil {
					return errors.DirectoryError("bootstrap pass failed", runErr)
				}
				return nil
			})
		}

		if err != nil {
			m.logger.Warn("bootstrap pass failed", "error", err)
			if !succeededOnce {
				return
			}
		} else {
			succeededOnce = true
		}

		sleep := time.Until(resetAt)
		if sleep <= 0 {
			sleep = readOnlyPollInterval
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-m.closeCh:
			timer.Stop()
			return
		case <-timer.C:
		case <-upgrade.C:
			timer.Stop()
			m.tryUpgrade()
		}
	}
}

// tryUpgrade attempts to take the writer lock and move to ReadWrite
func (m *Manager) tryUpgrade() {
	m.modeMu.Lock()
	defer m.modeMu.Unlock()
	if m.mode != ModeReadOnly {
		return
	}
	got, err := m.store.TryLock()
	if err != nil {
		m.logger.Warn("lock upgrade failed", "error", err)
		return
	}
	if got {
		m.mode = ModeReadWrite
		m.logger.Info("upgraded to read-write mode")
	}
}

// publishFromCache republishes whatever the cache holds (offline and
// read-only modes; in the latter another process refreshes the files).
func (m *Manager) publishFromCache() (time.Time, error) {
	st := NewGetConsensusState(m.cfg.Options, nil)
	if err := st.AddFromCache(m.store); err != nil {
		return time.Now().Add(readOnlyPollInterval), err
	}
	if !st.CanAdvance() {
		return time.Now().Add(readOnlyPollInterval), fmt.Errorf("no usable consensus in cache")
	}

	next, _, err := st.Advance()
	if err != nil {
		return time.Now().Add(readOnlyPollInterval), err
	}
	certs := next.(*GetCertsState)
	if err := certs.AddFromCache(m.store); err != nil {
		return time.Now().Add(readOnlyPollInterval), err
	}
	if !certs.CanAdvance() {
		return time.Now().Add(readOnlyPollInterval), fmt.Errorf("insufficient cached authority certificates")
	}

	last, _, err := certs.Advance()
	if err != nil {
		return time.Now().Add(readOnlyPollInterval), err
	}
	mds := last.(*GetMicrodescsState)
	if err := mds.AddFromCache(m.store); err != nil {
		return time.Now().Add(readOnlyPollInterval), err
	}
	if !mds.CanAdvance() {
		return time.Now().Add(readOnlyPollInterval), fmt.Errorf("insufficient cached microdescriptors")
	}

	m.publish(mds.NetDir())
	// Read-only followers re-poll well before the consensus lapses.
	reset := mds.ResetTime()
	if poll := time.Now().Add(readOnlyPollInterval); poll.Before(reset) {
		reset = poll
	}
	return reset, nil
}

// runPipeline drives the download state machine to Ready and publishes
func (m *Manager) runPipeline(ctx context.Context) (time.Time, error) {
	var state DownloadState = NewGetConsensusState(m.cfg.Options, nil)
	var final *GetMicrodescsState

	for {
		if err := state.AddFromCache(m.store); err != nil {
			m.logger.Debug("cache contribution failed", "state", state.Name(), "error", err)
		}
		if !state.CanAdvance() {
			if err := state.AddFromDownload(ctx, m.fetcher, m.store); err != nil {
				return time.Time{}, fmt.Errorf("%s: %w", state.Name(), err)
			}
		}
		if !state.CanAdvance() {
			return time.Time{}, fmt.Errorf("%s: requirements not met after download", state.Name())
		}

		if mds, ok := state.(*GetMicrodescsState); ok {
			final = mds
			break
		}
		next, more, err := state.Advance()
		if err != nil {
			return time.Time{}, err
		}
		if !more {
			break
		}
		m.logger.Info("bootstrap state advanced", "next", next.Name())
		state = next
	}

	m.publish(final.NetDir())
	return final.ResetTime(), nil
}

// publish hands a new NetDir to readers and notifies watchers
func (m *Manager) publish(nd *NetDir) {
	m.provider.Publish(nd)
	m.logger.Info("directory published",
		"relays", len(nd.Consensus.Relays),
		"microdescs", len(nd.Microdescs),
		"valid_until", nd.Consensus.ValidUntil)
}
