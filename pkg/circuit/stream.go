package circuit

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/onionkit/onionkit/pkg/errors"
)

// Stream is the application handle to a bidirectional byte stream tunneled
// through a circuit. It satisfies io.ReadWriteCloser; all protocol work
// happens in the tunnel reactor.
type Stream struct {
	id     uint16
	tunnel *Tunnel

	incoming <-chan []byte
	readBuf  []byte

	endErr func() error
}

// ID returns the stream's identifier at its hop
func (s *Stream) ID() uint16 {
	return s.id
}

// Read reads in-order stream data. When the remote ends the stream the END
// reason is surfaced: DONE reads as io.EOF, anything else as an EndError.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}

	data, ok := <-s.incoming
	if !ok {
		if err := s.endErr(); err != nil {
			var endErr *errors.EndError
			if stderrors.As(err, &endErr) && !endErr.IsError() {
				return 0, io.EOF
			}
			return 0, err
		}
		return 0, io.EOF
	}

	n := copy(p, data)
	if n < len(data) {
		s.readBuf = data[n:]
	}
	return n, nil
}

// Write queues p for sending. A zero-length write returns immediately. The
// call blocks when the tunnel's outbound queue is full (backpressure from
// the congestion window).
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	// The reactor owns the buffer after the send; copy so the caller can
	// reuse p.
	buf := make([]byte, len(p))
	copy(buf, p)

	select {
	case s.tunnel.streamOut <- outMsg{streamID: s.id, data: buf}:
		return len(p), nil
	case <-s.tunnel.doneCh:
		return 0, errors.ErrCircuitClosed
	}
}

// Close ends the stream, sending END(DONE) to the remote
func (s *Stream) Close() error {
	return s.tunnel.CloseStream(context.Background(), s.id)
}
