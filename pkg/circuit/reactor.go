package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/channel"
	"github.com/onionkit/onionkit/pkg/conflux"
	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/flow"
	"github.com/onionkit/onionkit/pkg/logger"
	"github.com/onionkit/onionkit/pkg/relaycrypto"
)

// relayEarlyBudget bounds how many RELAY_EARLY cells a circuit may send
const relayEarlyBudget = 8

// streamQueueLen bounds a stream's incoming queue before XOFF kicks in
const streamQueueLen = 64

// outQueueLen bounds the tunnel's outbound application queue
const outQueueLen = 64

// tickInterval paces the reactor's timer work: half-closed stream GC,
// extend deadlines, and conflux handshake timeouts.
const tickInterval = 500 * time.Millisecond

// Config carries tunnel-level settings
type Config struct {
	// RelayFormat selects the relay-cell encoding for new hops
	RelayFormat cell.RelayFormat
	// Algorithm selects the congestion-control algorithm for new hops
	Algorithm flow.Algorithm
	// BuildTimeout bounds each extend attempt
	BuildTimeout time.Duration
	// LinkTimeout bounds the conflux link handshake; zero means BuildTimeout
	LinkTimeout time.Duration
	// DesiredUX is the conflux scheduling preference
	DesiredUX byte
}

// DefaultConfig returns tunnel settings matching common client defaults
func DefaultConfig() *Config {
	return &Config{
		RelayFormat:  cell.RelayFormatV0,
		Algorithm:    flow.AlgorithmVegas,
		BuildTimeout: 60 * time.Second,
		DesiredUX:    cell.UXNoOpinion,
	}
}

// leg is one circuit of the tunnel: a channel, a circuit ID on it, and the
// per-hop crypto and window state.
type leg struct {
	id        conflux.LegID
	chn       *channel.Channel
	circID    uint32
	inCh      <-chan *cell.Cell
	crypto    *relaycrypto.CircuitCrypto
	hops      []*hop
	earlyLeft int
	stopPump  chan struct{}
}

func (l *leg) lastHop() *hop {
	if len(l.hops) == 0 {
		return nil
	}
	return l.hops[len(l.hops)-1]
}

func (l *leg) lastHopIdx() int {
	return len(l.hops) - 1
}

// legStatus adapts a leg's join-point window for the conflux scheduler
type legStatus struct {
	l *leg
}

func (s legStatus) RTT() time.Duration {
	if h := s.l.lastHop(); h != nil {
		return h.cc.RTT()
	}
	return 0
}

func (s legStatus) CanSend() bool {
	if h := s.l.lastHop(); h != nil {
		return h.cc.CanSend()
	}
	return false
}

func (s legStatus) Inflight() int {
	if h := s.l.lastHop(); h != nil {
		return h.cc.Inflight()
	}
	return 0
}

func (s legStatus) SendmeIncrement() int {
	if h := s.l.lastHop(); h != nil {
		return h.cc.SendmeIncrement()
	}
	return flow.DefaultCircIncrement
}

// legEvent is one unit of per-leg input delivered to the reactor
type legEvent struct {
	leg    *leg
	c      *cell.Cell
	closed bool
}

// outMsg is one application write queued for a stream
type outMsg struct {
	streamID uint16
	data     []byte
}

// outChunk is one encoded-and-ready data cell awaiting window room
type outChunk struct {
	streamID uint16
	rc       *cell.RelayCell
}

// Control messages. Each reply channel is buffered so the reactor never
// blocks replying.
type ctrlExtend struct {
	target RelayInfo
	reply  chan error
}

type beginResult struct {
	stream    *Stream
	connected <-chan error
	err       error
}

type ctrlBegin struct {
	addr  string
	port  uint16
	dir   bool
	reply chan beginResult
}

type ctrlClose struct {
	streamID uint16
	reply    chan error
}

type ctrlLink struct {
	donors []donation
	reply  chan error
}

type ctrlDonate struct {
	reply chan donateResult
}

type donation struct {
	legs []*leg
}

type donateResult struct {
	legs []*leg
	err  error
}

type ctrlShutdown struct{}

// extendState tracks the in-flight extend attempt
type extendState struct {
	leg      *leg
	hs       ntorState
	target   RelayInfo
	deadline time.Time
	reply    chan error
}

// Tunnel is the handle to a circuit reactor. All tunnel state is owned by
// the reactor goroutine; the handle communicates only over bounded queues,
// so dropping the handle (Close) shuts the reactor down.
type Tunnel struct {
	ctrlCh    chan interface{}
	streamOut chan outMsg
	inMerged  chan legEvent
	doneCh    chan struct{}
	closeOnce sync.Once

	cfg    *Config
	logger *logger.Logger

	// Everything below is reactor-owned.
	legs          []*leg
	cfx           *conflux.Set
	extending     *extendState
	pendingOut    []outChunk
	exitErr       error
	destroyReason cell.DestroyReason

	// lastActivity drives circuit-level padding: a DROP goes out when the
	// tunnel has been idle for a whole padding interval.
	lastActivity    time.Time
	paddingInterval time.Duration
}

// defaultPaddingInterval spaces circuit-level padding cells on idle tunnels
const defaultPaddingInterval = 15 * time.Second

// NewTunnel allocates a circuit on the channel and starts its reactor
func NewTunnel(ch *channel.Channel, cfg *Config, log *logger.Logger) (*Tunnel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = logger.NewDefault()
	}

	circID, inCh, err := ch.NewCircuit()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate circuit: %w", err)
	}

	l := &leg{
		id:        conflux.LegID(circID),
		chn:       ch,
		circID:    circID,
		inCh:      inCh,
		crypto:    relaycrypto.NewCircuitCrypto(),
		earlyLeft: relayEarlyBudget,
		stopPump:  make(chan struct{}),
	}

	t := &Tunnel{
		ctrlCh:          make(chan interface{}, 8),
		streamOut:       make(chan outMsg, outQueueLen),
		inMerged:        make(chan legEvent, 16),
		doneCh:          make(chan struct{}),
		cfg:             cfg,
		logger:          log.Component("circuit").Circuit(circID),
		legs:            []*leg{l},
		lastActivity:    time.Now(),
		paddingInterval: defaultPaddingInterval,
	}

	go t.pumpLeg(l)
	go t.run()
	return t, nil
}

// pumpLeg forwards one leg's channel queue into the merged input
func (t *Tunnel) pumpLeg(l *leg) {
	for {
		select {
		case c, ok := <-l.inCh:
			if !ok {
				select {
				case t.inMerged <- legEvent{leg: l, closed: true}:
				case <-t.doneCh:
				}
				return
			}
			select {
			case t.inMerged <- legEvent{leg: l, c: c}:
			case <-t.doneCh:
				return
			}
		case <-l.stopPump:
			return
		case <-t.doneCh:
			return
		}
	}
}

// --- public API ---

// ExtendNtor extends the tunnel one hop via the ntor handshake
func (t *Tunnel) ExtendNtor(ctx context.Context, target RelayInfo) error {
	reply := make(chan error, 1)
	if err := t.sendCtrl(ctx, ctrlExtend{target: target, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return errors.ErrCircuitClosed
	}
}

// BeginStream opens a stream to addr:port through the tunnel's last hop,
// waiting for CONNECTED before returning.
func (t *Tunnel) BeginStream(ctx context.Context, addr string, port uint16) (*Stream, error) {
	return t.begin(ctx, addr, port, false)
}

// BeginDirStream opens a directory stream to the tunnel's last hop
func (t *Tunnel) BeginDirStream(ctx context.Context) (*Stream, error) {
	return t.begin(ctx, "", 0, true)
}

func (t *Tunnel) begin(ctx context.Context, addr string, port uint16, dir bool) (*Stream, error) {
	reply := make(chan beginResult, 1)
	if err := t.sendCtrl(ctx, ctrlBegin{addr: addr, port: port, dir: dir, reply: reply}); err != nil {
		return nil, err
	}

	var res beginResult
	select {
	case res = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.doneCh:
		return nil, errors.ErrCircuitClosed
	}
	if res.err != nil {
		return nil, res.err
	}

	select {
	case err := <-res.connected:
		if err != nil {
			return nil, err
		}
		return res.stream, nil
	case <-ctx.Done():
		_ = t.CloseStream(context.Background(), res.stream.id)
		return nil, errors.TimeoutError("stream open timed out", ctx.Err())
	case <-t.doneCh:
		return nil, errors.ErrCircuitClosed
	}
}

// CloseStream closes a stream, sending END(DONE)
func (t *Tunnel) CloseStream(ctx context.Context, id uint16) error {
	reply := make(chan error, 1)
	if err := t.sendCtrl(ctx, ctrlClose{streamID: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return nil
	}
}

// LinkTunnels binds other single-path tunnels into this one as conflux
// legs. Every leg must have the same length, end at the same join point,
// and carry no streams.
func (t *Tunnel) LinkTunnels(ctx context.Context, others ...*Tunnel) error {
	donors := make([]donation, 0, len(others))
	for _, other := range others {
		reply := make(chan donateResult, 1)
		if err := other.sendCtrl(ctx, ctrlDonate{reply: reply}); err != nil {
			return fmt.Errorf("donor tunnel unavailable: %w", err)
		}
		var res donateResult
		select {
		case res = <-reply:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return res.err
		}
		donors = append(donors, donation{legs: res.legs})
	}

	reply := make(chan error, 1)
	if err := t.sendCtrl(ctx, ctrlLink{donors: donors, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return errors.ErrCircuitClosed
	}
}

// Close shuts the tunnel down. The reactor sends DESTROY where applicable
// and drops all streams with END reason DONE.
func (t *Tunnel) Close() error {
	select {
	case t.ctrlCh <- ctrlShutdown{}:
	case <-t.doneCh:
	}
	return nil
}

// Done is closed when the reactor has exited
func (t *Tunnel) Done() <-chan struct{} {
	return t.doneCh
}

// Err returns the error the reactor exited with, if any. Valid after Done.
func (t *Tunnel) Err() error {
	return t.exitErr
}

func (t *Tunnel) sendCtrl(ctx context.Context, msg interface{}) error {
	select {
	case t.ctrlCh <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.doneCh:
		return errors.ErrCircuitClosed
	}
}

// --- reactor ---

// run is the tunnel's single-owner event loop. Each iteration prefers, in
// order: control messages, incoming cells, then ready application streams
// (only when the join-point window permits); timer work rides on a tick.
func (t *Tunnel) run() {
	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	for {
		// Priority 1: control messages.
		select {
		case msg := <-t.ctrlCh:
			if t.handleCtrl(msg) {
				return
			}
			continue
		default:
		}

		// Priority 2: incoming cells from any leg.
		select {
		case ev := <-t.inMerged:
			if t.handleLegEvent(ev) {
				return
			}
			continue
		default:
		}

		// Priority 3: flush window-blocked chunks, then poll streams.
		t.flushPending()

		var streamOut chan outMsg
		if t.canPollStreams() {
			streamOut = t.streamOut
		}

		select {
		case msg := <-t.ctrlCh:
			if t.handleCtrl(msg) {
				return
			}
		case ev := <-t.inMerged:
			if t.handleLegEvent(ev) {
				return
			}
		case om := <-streamOut:
			t.handleStreamOut(om)
		case now := <-tick.C:
			if t.handleTick(now) {
				return
			}
		}
	}
}

// canPollStreams gates the application-stream poll on the join-point
// congestion window and, for conflux, the skip-join-point rule.
func (t *Tunnel) canPollStreams() bool {
	if len(t.pendingOut) > 0 {
		return false
	}
	if t.cfx != nil {
		return t.cfx.ShouldPollStreams()
	}
	l := t.primaryLeg()
	if l == nil {
		return false
	}
	h := l.lastHop()
	return h != nil && h.cc.CanSend()
}

// primaryLeg returns the leg multiplexed traffic should use right now
func (t *Tunnel) primaryLeg() *leg {
	if t.cfx == nil {
		if len(t.legs) == 0 {
			return nil
		}
		return t.legs[0]
	}
	id, ok := t.cfx.Primary()
	if !ok {
		if len(t.legs) == 0 {
			return nil
		}
		return t.legs[0]
	}
	return t.legByID(id)
}

func (t *Tunnel) legByID(id conflux.LegID) *leg {
	for _, l := range t.legs {
		if l.id == id {
			return l
		}
	}
	return nil
}

// handleCtrl processes one control message; true means the reactor exits
func (t *Tunnel) handleCtrl(msg interface{}) bool {
	switch m := msg.(type) {
	case ctrlShutdown:
		t.teardown(nil)
		return true
	case ctrlExtend:
		t.startExtend(m)
	case ctrlBegin:
		m.reply <- t.beginStream(m)
	case ctrlClose:
		m.reply <- t.closeStream(m.streamID)
	case ctrlLink:
		m.reply <- t.linkLegs(m.donors)
	case ctrlDonate:
		legs, err := t.donate()
		m.reply <- donateResult{legs: legs, err: err}
		if err == nil {
			// The legs now belong to another tunnel; this reactor is done.
			t.exitReactor(nil)
			return true
		}
	}
	return false
}

// handleTick drives timer-based work; true means the reactor exits
func (t *Tunnel) handleTick(now time.Time) bool {
	for _, l := range t.legs {
		for _, h := range l.hops {
			h.streams.gc(now)
		}
	}

	if ex := t.extending; ex != nil && now.After(ex.deadline) {
		t.extending = nil
		ex.hs.Close()
		if len(ex.leg.hops) > 0 {
			// A truncate tells the last hop to stop waiting for the new one.
			t.sendRelay(ex.leg, ex.leg.lastHopIdx(), cell.NewRelayCell(0, cell.RelayTruncate, nil), false)
		}
		ex.reply <- errors.TimeoutError("circuit extend timed out", nil)
	}

	// Padding: keep an otherwise idle open tunnel non-silent.
	if t.paddingInterval > 0 && now.Sub(t.lastActivity) >= t.paddingInterval {
		if l := t.primaryLeg(); l != nil && l.lastHop() != nil {
			t.sendRelay(l, l.lastHopIdx(), cell.NewRelayCell(0, cell.RelayDrop, nil), false)
		}
		t.lastActivity = now
	}

	if t.cfx != nil {
		timeout := t.cfg.LinkTimeout
		if timeout <= 0 {
			timeout = t.cfg.BuildTimeout
		}
		for _, id := range t.cfx.PendingTimeouts(now, timeout) {
			t.logger.Warn("conflux link handshake timed out", "leg_id", uint32(id))
			if t.removeLeg(id, conflux.RemovalHandshakeTimeout) {
				t.teardown(errors.TimeoutError("conflux handshake timed out on a critical leg", nil))
				return true
			}
		}
	}
	return false
}

// handleLegEvent processes one leg's input; true means the reactor exits
func (t *Tunnel) handleLegEvent(ev legEvent) bool {
	if ev.closed {
		t.logger.Info("leg channel closed", "leg_id", uint32(ev.leg.id))
		if t.cfx == nil {
			t.teardown(errors.ChannelError("channel closed under circuit", errors.ErrChannelClosed))
			return true
		}
		if t.removeLeg(ev.leg.id, conflux.RemovalChannelClosed) {
			t.teardown(errors.ChannelError("channel closed under critical conflux leg", errors.ErrChannelClosed))
			return true
		}
		return false
	}

	c := ev.c
	switch c.Command {
	case cell.CmdDestroy:
		reason := cell.DestroyReasonNone
		if len(c.Payload) > 0 {
			reason = cell.DestroyReason(c.Payload[0])
		}
		t.logger.Info("received DESTROY", "reason", reason.String(), "leg_id", uint32(ev.leg.id))
		if t.cfx != nil && !t.removeLegDestroyed(ev.leg.id) {
			return false
		}
		t.teardown(errors.CircuitError(fmt.Sprintf("circuit destroyed by relay: %s", reason), nil))
		return true

	case cell.CmdCreated2:
		return t.handleCreated2(ev.leg, c)

	case cell.CmdRelay, cell.CmdRelayEarly:
		hopIdx, rc, err := ev.leg.crypto.DecodeBackward(c.Payload)
		if err != nil {
			t.destroyAndTeardown(errors.ProtocolError("unrecognized relay cell", err))
			return true
		}
		return t.handleRelay(ev.leg, hopIdx, rc)

	case cell.CmdPadding:
		return false

	default:
		// Unknown or unexpected commands on an open circuit are dropped.
		t.logger.Debug("ignoring cell", "command", c.Command.String())
		return false
	}
}

// removeLegDestroyed handles DESTROY on a conflux leg; returns true when
// the whole tunnel must go down.
func (t *Tunnel) removeLegDestroyed(id conflux.LegID) bool {
	return t.removeLeg(id, conflux.RemovalChannelClosed)
}

// removeLeg removes a conflux leg, returning true when the removal policy
// requires tearing down the whole tunnel.
func (t *Tunnel) removeLeg(id conflux.LegID, reason conflux.RemovalReason) bool {
	tearDown, err := t.cfx.RemoveLeg(id, reason)
	if err != nil {
		return false
	}
	if l := t.legByID(id); l != nil {
		close(l.stopPump)
		l.chn.RemoveCircuit(l.circID)
		for i, cand := range t.legs {
			if cand == l {
				t.legs = append(t.legs[:i], t.legs[i+1:]...)
				break
			}
		}
	}
	t.logger.Info("conflux leg removed", "leg_id", uint32(id), "reason", reason.String(), "teardown", tearDown)
	return tearDown
}

// handleStreamOut chunks one application write into data cells
func (t *Tunnel) handleStreamOut(om outMsg) {
	l := t.sendLegForMux()
	if l == nil {
		return
	}
	h := l.lastHop()
	if h == nil {
		return
	}
	ent, ok := h.streams.get(om.streamID)
	if !ok || ent.state != streamOpen {
		return
	}
	if ent.paused {
		ent.pending = append(ent.pending, om.data)
		return
	}
	t.queueData(ent, om.data)
	t.flushPending()
}

// queueData splits data into format-sized chunks on the pending list
func (t *Tunnel) queueData(ent *streamEnt, data []byte) {
	l := t.primaryLeg()
	if l == nil {
		return
	}
	format := cell.RelayFormatV0
	if f, err := l.crypto.Format(l.lastHopIdx()); err == nil {
		format = f
	}
	maxLen := format.MaxDataLen()
	for len(data) > 0 {
		n := len(data)
		if n > maxLen {
			n = maxLen
		}
		t.pendingOut = append(t.pendingOut, outChunk{
			streamID: ent.id,
			rc:       cell.NewRelayCell(ent.id, cell.RelayData, data[:n]),
		})
		data = data[n:]
	}
}

// flushPending sends queued chunks while the window permits
func (t *Tunnel) flushPending() {
	for len(t.pendingOut) > 0 {
		l := t.sendLegForMux()
		if l == nil {
			return
		}
		h := l.lastHop()
		if h == nil || !h.cc.CanSend() {
			return
		}
		chunk := t.pendingOut[0]
		t.pendingOut = t.pendingOut[1:]
		t.sendRelay(l, l.lastHopIdx(), chunk.rc, false)
	}
}

// sendLegForMux picks the leg for the next multiplexed message, emitting a
// conflux SWITCH when the primary changes.
func (t *Tunnel) sendLegForMux() *leg {
	if t.cfx == nil {
		return t.primaryLeg()
	}
	id, sw, ok := t.cfx.SelectLeg()
	if !ok {
		return t.primaryLeg()
	}
	l := t.legByID(id)
	if l == nil {
		return nil
	}
	if sw != nil {
		rc := cell.NewRelayCell(0, cell.RelayConfluxSwitch, sw.Encode())
		t.sendRelay(l, l.lastHopIdx(), rc, false)
		t.logger.Debug("conflux switch", "new_primary", uint32(id), "seq_delta", sw.SeqDelta)
	}
	return l
}

// sendRelay encrypts and ships one relay message to the given hop of a leg
func (t *Tunnel) sendRelay(l *leg, hopIdx int, rc *cell.RelayCell, early bool) {
	payload, err := l.crypto.EncodeForward(hopIdx, rc)
	if err != nil {
		t.logger.Error("relay encode failed", "error", err)
		return
	}
	cmd := cell.CmdRelay
	if early {
		if l.earlyLeft <= 0 {
			t.logger.Error("relay-early budget exhausted")
			return
		}
		l.earlyLeft--
		cmd = cell.CmdRelayEarly
	}
	c := &cell.Cell{CircID: l.circID, Command: cmd, Payload: payload}
	if err := l.chn.Send(context.Background(), c); err != nil {
		t.logger.Error("cell send failed", "error", err)
		return
	}
	if rc.Command != cell.RelayDrop {
		t.lastActivity = time.Now()
	}

	if t.cfx != nil && hopIdx == l.lastHopIdx() {
		t.cfx.NoteSent(l.id, rc.Command)
	}
	if rc.Command == cell.RelayData {
		l.hops[hopIdx].noteDataSent(time.Now())
	}
}

// beginStream allocates and registers a stream, sending BEGIN or BEGIN_DIR
func (t *Tunnel) beginStream(m ctrlBegin) beginResult {
	l := t.primaryLeg()
	if l == nil || l.lastHop() == nil {
		return beginResult{err: errors.CircuitError("tunnel has no hops", nil)}
	}
	h := l.lastHop()

	id, err := h.streams.allocID()
	if err != nil {
		return beginResult{err: errors.CircuitError("stream allocation failed", err)}
	}

	ent := &streamEnt{
		id:        id,
		state:     streamReady,
		incoming:  make(chan []byte, streamQueueLen),
		connected: make(chan error, 1),
		xon:       flow.NewXonXoffController(0, 0),
	}
	if h.cc.Algorithm() == flow.AlgorithmFixedWindow {
		ent.window = flow.NewStreamFixedWindow()
	}
	h.streams.streams[id] = ent

	var rc *cell.RelayCell
	if m.dir {
		rc = cell.NewRelayCell(id, cell.RelayBeginDir, nil)
	} else {
		body := (&cell.Begin{Addr: m.addr, Port: m.port}).Encode()
		rc = cell.NewRelayCell(id, cell.RelayBegin, body)
	}

	target := t.sendLegForMux()
	if target == nil {
		target = l
	}
	t.sendRelay(target, target.lastHopIdx(), rc, false)

	stream := &Stream{
		id:       id,
		tunnel:   t,
		incoming: ent.incoming,
		endErr:   func() error { return ent.endErr },
	}
	return beginResult{stream: stream, connected: ent.connected}
}

// closeStream sends END(DONE) and half-closes the stream
func (t *Tunnel) closeStream(id uint16) error {
	for _, l := range t.legs {
		h := l.lastHop()
		if h == nil {
			continue
		}
		ent, ok := h.streams.get(id)
		if !ok {
			continue
		}
		rc := cell.NewRelayCell(id, cell.RelayEnd, []byte{byte(errors.EndReasonDone)})
		target := t.sendLegForMux()
		if target == nil {
			target = l
		}
		t.sendRelay(target, target.lastHopIdx(), rc, false)

		if ent.state == streamRemoteClosed {
			ent.state = streamClosed
		} else {
			ent.state = streamLocalClosed
		}
		t.finishStream(h, ent, nil)
		return nil
	}
	return errors.New(errors.CategoryStream, errors.SeverityLow, "stream not found")
}

// finishStream closes the stream's delivery channel and moves it to the
// half-closed list for grace-period tracking.
func (t *Tunnel) finishStream(h *hop, ent *streamEnt, endErr error) {
	if _, live := h.streams.streams[ent.id]; live {
		ent.endErr = endErr
		close(ent.incoming)
		h.streams.halfClose(ent.id, time.Now())
	}
	select {
	case ent.connected <- endErrOrClosed(endErr):
	default:
	}
}

func endErrOrClosed(err error) error {
	if err != nil {
		return err
	}
	return errors.ErrStreamClosed
}

// donate stops this reactor and hands its legs to another tunnel. Refused
// when the tunnel is already a conflux set or has streams attached.
func (t *Tunnel) donate() ([]*leg, error) {
	if t.cfx != nil {
		return nil, fmt.Errorf("tunnel is already part of a conflux set")
	}
	for _, l := range t.legs {
		for _, h := range l.hops {
			if len(h.streams.streams) > 0 {
				return nil, fmt.Errorf("tunnel has attached streams")
			}
		}
	}
	for _, l := range t.legs {
		close(l.stopPump)
	}
	legs := t.legs
	t.legs = nil
	return legs, nil
}

// linkLegs absorbs donated legs into a conflux set on this tunnel
func (t *Tunnel) linkLegs(donors []donation) error {
	own := t.primaryLeg()
	if own == nil || own.lastHop() == nil {
		return errors.CircuitError("tunnel has no hops", nil)
	}
	if t.cfx != nil {
		return fmt.Errorf("tunnel is already a conflux set")
	}
	for _, h := range own.hops {
		if len(h.streams.streams) > 0 {
			return fmt.Errorf("tunnel has attached streams")
		}
	}

	joinInfo := own.lastHop().info
	for _, d := range donors {
		for _, l := range d.legs {
			if len(l.hops) != len(own.hops) {
				return fmt.Errorf("conflux leg length mismatch: %d != %d", len(l.hops), len(own.hops))
			}
			if !l.lastHop().info.Identity.Equal(joinInfo.Identity) {
				return fmt.Errorf("conflux legs do not share a join point")
			}
		}
	}

	set, err := conflux.NewSet(t.cfg.DesiredUX)
	if err != nil {
		return err
	}
	t.cfx = set

	// All legs share the join point's stream map.
	shared := own.lastHop().streams
	if err := set.AddLeg(own.id, legStatus{l: own}); err != nil {
		return err
	}
	for _, d := range donors {
		for _, l := range d.legs {
			l.lastHop().streams = shared
			if err := set.AddLeg(l.id, legStatus{l: l}); err != nil {
				return err
			}
			l.stopPump = make(chan struct{})
			t.legs = append(t.legs, l)
			go t.pumpLeg(l)
		}
	}

	// Send LINK on every leg.
	now := time.Now()
	for _, l := range t.legs {
		link, err := set.LinkPayload(l.id, now)
		if err != nil {
			return err
		}
		rc := cell.NewRelayCell(0, cell.RelayConfluxLink, link.Encode())
		t.sendRelay(l, l.lastHopIdx(), rc, false)
	}
	t.logger.Info("conflux link started", "legs", len(t.legs), "desired_ux", t.cfg.DesiredUX)
	return nil
}

// destroyAndTeardown tears the tunnel down announcing a protocol violation
func (t *Tunnel) destroyAndTeardown(err error) {
	t.destroyReason = cell.DestroyReasonProtocol
	t.teardown(err)
}

// teardown releases every resource and signals the handle. Streams are
// dropped with END reason DONE; pending control callers see a closed
// circuit.
func (t *Tunnel) teardown(err error) {
	t.exitErr = err

	if ex := t.extending; ex != nil {
		ex.reply <- errors.ErrCircuitClosed
		t.extending = nil
	}

	for _, l := range t.legs {
		for _, h := range l.hops {
			for id, ent := range h.streams.streams {
				ent.endErr = &errors.EndError{Reason: errors.EndReasonDone}
				close(ent.incoming)
				select {
				case ent.connected <- errors.ErrCircuitClosed:
				default:
				}
				delete(h.streams.streams, id)
			}
		}
		reason := t.destroyReason
		if reason == cell.DestroyReasonNone {
			reason = cell.DestroyReasonFinished
		}
		_ = l.chn.Send(context.Background(), cell.NewDestroyCell(l.circID, reason))
		l.chn.RemoveCircuit(l.circID)
		close(l.stopPump)
	}
	t.legs = nil
	t.exitReactor(err)
}

// exitReactor closes the done channel exactly once
func (t *Tunnel) exitReactor(err error) {
	t.closeOnce.Do(func() {
		if t.exitErr == nil {
			t.exitErr = err
		}
		close(t.doneCh)
	})
	t.logger.Info("reactor exited", "error", err)
}
