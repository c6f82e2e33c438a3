package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestOnionErrorWrapping(t *testing.T) {
	inner := stderrors.New("connection refused")
	err := ChannelError("dial failed", inner)

	if !stderrors.Is(err, inner) {
		t.Error("wrapped error not reachable through Unwrap")
	}
	if !IsRetryable(err) {
		t.Error("channel errors should be retryable")
	}
	if GetCategory(err) != CategoryChannel {
		t.Errorf("GetCategory() = %v, want %v", GetCategory(err), CategoryChannel)
	}
}

func TestIsCategoryThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer context: %w", ProtocolError("bad cell", nil))
	if !IsCategory(err, CategoryProtocol) {
		t.Error("IsCategory() missed a wrapped protocol error")
	}
	if IsCategory(err, CategoryDirectory) {
		t.Error("IsCategory() matched the wrong category")
	}
}

func TestHandshakeCertsExpiredError(t *testing.T) {
	err := &HandshakeCertsExpiredError{
		ExpiredBy: 30 * time.Minute,
		Skew:      time.Hour,
	}
	var target *HandshakeCertsExpiredError
	if !stderrors.As(fmt.Errorf("handshake: %w", err), &target) {
		t.Fatal("errors.As failed on a wrapped certs-expired error")
	}
	if target.ExpiredBy != 30*time.Minute || target.Skew != time.Hour {
		t.Errorf("fields = %v/%v, want 30m/1h", target.ExpiredBy, target.Skew)
	}
}

func TestEndReasonMapping(t *testing.T) {
	tests := []struct {
		reason EndReason
		want   string
	}{
		{EndReasonResolveFailed, "NotFound"},
		{EndReasonConnectRefused, "ConnectionRefused"},
		{EndReasonExitPolicy, "ConnectionRefused"},
		{EndReasonTimeout, "TimedOut"},
		{EndReasonDone, "UnexpectedEof"},
		{EndReasonConnReset, "ConnectionReset"},
		{EndReasonMisc, "Other"},
	}
	for _, tt := range tests {
		t.Run(tt.reason.String(), func(t *testing.T) {
			e := &EndError{Reason: tt.reason}
			if got := e.Categorize(); got != tt.want {
				t.Errorf("Categorize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEndErrorDoneIsNotAnError(t *testing.T) {
	if (&EndError{Reason: EndReasonDone}).IsError() {
		t.Error("DONE must not surface as an application error")
	}
	if !(&EndError{Reason: EndReasonConnectRefused}).IsError() {
		t.Error("CONNECTREFUSED must surface as an application error")
	}
}
