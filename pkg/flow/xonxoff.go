package flow

import (
	"github.com/onionkit/onionkit/pkg/cell"
)

// XonXoffController watches a stream's pending receive queue and decides
// when to tell the sender to pause or resume. It emits only transitions:
// an XOFF when the queue fills past the high-water mark, an XON with an
// advisory rate when the queue drains empty.
type XonXoffController struct {
	highWater int
	rateKBps  uint32
	paused    bool
}

// DefaultXoffThreshold is the queued-byte count past which an XOFF is sent
const DefaultXoffThreshold = 64 * 1024

// NewXonXoffController creates a controller with the given high-water mark
// (bytes) and the advisory drain rate to advertise in XON messages.
func NewXonXoffController(highWater int, rateKBps uint32) *XonXoffController {
	if highWater <= 0 {
		highWater = DefaultXoffThreshold
	}
	return &XonXoffController{
		highWater: highWater,
		rateKBps:  rateKBps,
	}
}

// SetRate updates the advertised drain rate for future XON messages
func (c *XonXoffController) SetRate(kbps uint32) {
	c.rateKBps = kbps
}

// NoteQueueLen observes the current queue depth in bytes. It returns a
// message body to send, or nil values when no edge was crossed.
func (c *XonXoffController) NoteQueueLen(queued int) (*cell.Xon, *cell.Xoff) {
	if !c.paused && queued > c.highWater {
		c.paused = true
		return nil, &cell.Xoff{Version: 0}
	}
	if c.paused && queued == 0 {
		c.paused = false
		return &cell.Xon{Version: 0, KBps: c.rateKBps}, nil
	}
	return nil, nil
}

// Paused reports whether the controller last told the sender to stop
func (c *XonXoffController) Paused() bool {
	return c.paused
}

// ApplyXon reconfigures a rate-limited writer from a received XON. A zero
// advertised rate means unlimited: the writer's limit is effectively lifted
// by restoring its configured ceiling.
func ApplyXon(w *RateLimitedWriter, x *cell.Xon, ceilingRate, ceilingBurst uint64) {
	rate := uint64(x.KBps) * 1024
	if x.KBps == 0 || (ceilingRate > 0 && rate > ceilingRate) {
		rate = ceilingRate
	}
	w.Adjust(rate, ceilingBurst)
}

// ApplyXoff pauses a rate-limited writer by dropping its rate to zero; a
// sink write already under way completes, and every further byte waits
// for the next XON.
func ApplyXoff(w *RateLimitedWriter) {
	w.Adjust(0, w.Burst())
}
