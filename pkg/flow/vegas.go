package flow

import (
	"time"
)

// Vegas parameters, in cells. The queue-use estimate steers the window:
// below alpha the window grows, above beta it shrinks, and crossing gamma
// ends slow start.
const (
	VegasIncrement = 31
	VegasCwndInit  = 4 * VegasIncrement
	VegasCwndMin   = 2 * VegasIncrement
	VegasAlpha     = 3 * VegasIncrement
	VegasBeta      = 4 * VegasIncrement
	VegasGamma     = 2 * VegasIncrement
)

// Vegas is the RTT-based congestion control. The window tracks the
// bandwidth-delay product estimated from the minimum and smoothed RTT.
type Vegas struct {
	cwnd      int
	ssthresh  int
	inflight  int
	slowStart bool
	received  int
	rtt       ewmaRTT
}

// NewVegas creates Vegas state in slow start
func NewVegas() *Vegas {
	return &Vegas{
		cwnd:      VegasCwndInit,
		ssthresh:  1 << 20,
		slowStart: true,
	}
}

// CanSend reports whether inflight is below the congestion window
func (v *Vegas) CanSend() bool {
	return v.inflight < v.cwnd
}

// NoteCellSent records one more unacknowledged cell
func (v *Vegas) NoteCellSent() {
	v.inflight++
}

// NoteSendmeReceived acknowledges one increment of cells and adjusts the
// window from the RTT sample.
func (v *Vegas) NoteSendmeReceived(rtt time.Duration) {
	v.inflight -= VegasIncrement
	if v.inflight < 0 {
		v.inflight = 0
	}
	if rtt <= 0 {
		return
	}
	v.rtt.update(rtt)

	srtt := v.rtt.value()
	minRTT := v.rtt.minimum()
	if srtt == 0 || minRTT == 0 {
		return
	}

	// queueUse estimates cells sitting in queues rather than in flight on
	// the path: cwnd minus the window the minimum RTT could carry.
	bdp := int(int64(v.cwnd) * int64(minRTT) / int64(srtt))
	queueUse := v.cwnd - bdp

	if v.slowStart {
		if queueUse < VegasGamma {
			v.cwnd += VegasIncrement * 2
		} else {
			v.slowStart = false
			v.ssthresh = v.cwnd
		}
	} else {
		switch {
		case queueUse < VegasAlpha:
			v.cwnd += VegasIncrement
		case queueUse > VegasBeta:
			v.cwnd -= VegasIncrement
		}
	}

	if v.cwnd < VegasCwndMin {
		v.cwnd = VegasCwndMin
	}
}

// NoteCellReceived counts a delivered cell and reports whether to emit a SENDME
func (v *Vegas) NoteCellReceived() bool {
	v.received++
	if v.received >= VegasIncrement {
		v.received = 0
		return true
	}
	return false
}

// SendmeIncrement returns the window quantum
func (v *Vegas) SendmeIncrement() int {
	return VegasIncrement
}

// Inflight returns the number of unacknowledged cells
func (v *Vegas) Inflight() int {
	return v.inflight
}

// RTT returns the smoothed round-trip time
func (v *Vegas) RTT() time.Duration {
	return v.rtt.value()
}

// Cwnd returns the current congestion window (for observers and tests)
func (v *Vegas) Cwnd() int {
	return v.cwnd
}

// Algorithm identifies the algorithm
func (v *Vegas) Algorithm() Algorithm {
	return AlgorithmVegas
}
