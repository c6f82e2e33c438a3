package flow

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// RateLimitedWriter is a token-bucket wrapper over a byte sink. Tokens
// refill at Rate bytes/second up to Burst; writes consume exactly as many
// tokens as the underlying sink accepts. A zero rate or zero burst blocks
// writers until Adjust raises the limit.
type RateLimitedWriter struct {
	mu sync.Mutex

	w io.Writer

	rate  uint64 // bytes per second
	burst uint64 // bucket capacity in bytes
	// wakeWhenBytesAvailable is the minimum token count a sleeping writer
	// waits for before waking, balancing throughput against latency. It is
	// clamped to the burst.
	wakeWhenBytesAvailable uint64

	tokens float64
	last   time.Time

	// adjusted is closed and replaced whenever the configuration changes,
	// waking any sleeping writer so it can recompute its deadline.
	adjusted chan struct{}

	now func() time.Time
}

// RateLimitConfig configures a RateLimitedWriter
type RateLimitConfig struct {
	Rate                   uint64 // bytes/second; 0 blocks writes
	Burst                  uint64 // bucket capacity; 0 blocks writes
	WakeWhenBytesAvailable uint64 // minimum tokens to sleep for; 0 means 1
}

// NewRateLimitedWriter wraps w with a token bucket. The bucket starts full.
func NewRateLimitedWriter(w io.Writer, cfg RateLimitConfig) *RateLimitedWriter {
	wake := cfg.WakeWhenBytesAvailable
	if wake == 0 {
		wake = 1
	}
	if cfg.Burst > 0 && wake > cfg.Burst {
		wake = cfg.Burst
	}
	return &RateLimitedWriter{
		w:                      w,
		rate:                   cfg.Rate,
		burst:                  cfg.Burst,
		wakeWhenBytesAvailable: wake,
		tokens:                 float64(cfg.Burst),
		last:                   time.Now(),
		adjusted:               make(chan struct{}),
		now:                    time.Now,
	}
}

// Rate returns the current refill rate in bytes/second
func (r *RateLimitedWriter) Rate() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

// Burst returns the current bucket capacity
func (r *RateLimitedWriter) Burst() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.burst
}

// Adjust changes the rate and burst at runtime. It never blocks an
// in-flight write: sleeping writers are woken to recompute their deadlines
// against the new configuration.
func (r *RateLimitedWriter) Adjust(rate, burst uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked()
	r.rate = rate
	r.burst = burst
	if r.tokens > float64(burst) {
		r.tokens = float64(burst)
	}
	if r.wakeWhenBytesAvailable > burst && burst > 0 {
		r.wakeWhenBytesAvailable = burst
	}

	close(r.adjusted)
	r.adjusted = make(chan struct{})
}

// refillLocked adds tokens for the time elapsed since the last refill.
// Caller holds r.mu.
func (r *RateLimitedWriter) refillLocked() {
	now := r.now()
	elapsed := now.Sub(r.last)
	r.last = now
	if elapsed <= 0 || r.rate == 0 {
		return
	}
	r.tokens += elapsed.Seconds() * float64(r.rate)
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
}

// Write writes p through the underlying sink at the configured rate. A
// zero-length write returns immediately. With zero rate or zero burst the
// call blocks until Adjust makes progress possible.
func (r *RateLimitedWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	written := 0
	for written < len(p) {
		r.mu.Lock()
		r.refillLocked()

		if r.rate > 0 && r.tokens >= 1 {
			n := len(p) - written
			if float64(n) > r.tokens {
				n = int(r.tokens)
			}
			r.mu.Unlock()

			m, err := r.w.Write(p[written : written+n])

			r.mu.Lock()
			// Commit exactly what the sink accepted, never more.
			r.tokens -= float64(m)
			if r.tokens < 0 {
				r.tokens = 0
			}
			r.mu.Unlock()

			written += m
			if err != nil {
				return written, fmt.Errorf("rate-limited write: %w", err)
			}
			continue
		}

		// Bucket is empty: sleep until enough tokens accumulate. With no
		// refill possible we wait only for an Adjust.
		need := uint64(len(p) - written)
		if need > r.wakeWhenBytesAvailable {
			need = r.wakeWhenBytesAvailable
		}
		if r.burst > 0 && need > r.burst {
			need = r.burst
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if r.rate > 0 && r.burst > 0 {
			missing := float64(need) - r.tokens
			d := time.Duration(missing / float64(r.rate) * float64(time.Second))
			if d < time.Millisecond {
				d = time.Millisecond
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}
		adjusted := r.adjusted
		r.mu.Unlock()

		select {
		case <-timerC:
		case <-adjusted:
		}
		if timer != nil {
			timer.Stop()
		}
	}
	return written, nil
}
