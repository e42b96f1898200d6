package session

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shiplink/shiplink/internal/frame"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()

	s := New(1, frame.ModeRequestResponse, "example.com:80")
	if s.State() != Opening {
		t.Fatalf("new session state = %s", s.State())
	}

	// First DATA is the implicit open acknowledgment.
	if err := s.AcceptData([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if s.State() != Active {
		t.Fatalf("after first data state = %s", s.State())
	}

	if !s.CloseLocal() {
		t.Fatal("first CloseLocal should transition")
	}
	if s.State() != Closing {
		t.Fatalf("after local close state = %s", s.State())
	}

	s.EndInbox()
	if s.State() != Closed {
		t.Fatalf("after both directions closed state = %s", s.State())
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed after full close")
	}
}

func TestActivateExplicit(t *testing.T) {
	t.Parallel()

	s := New(2, frame.ModeTunnel, "example.com:443")

	select {
	case <-s.Ready():
		t.Fatal("Ready closed before activation")
	default:
	}

	s.Activate()
	if s.State() != Active {
		t.Fatalf("state = %s", s.State())
	}

	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready not closed after activation")
	}

	// Activate after close is a no-op.
	s.CloseLocal()
	s.EndInbox()
	s.Activate()
	if s.State() != Closed {
		t.Fatalf("state = %s", s.State())
	}
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	s := New(3, frame.ModeTunnel, "example.com:443")
	s.Activate()

	if !s.CloseLocal() {
		t.Fatal("first close should report the transition")
	}
	if s.CloseLocal() {
		t.Fatal("second close must not report a transition (duplicate CLOSE frame)")
	}

	s.EndInbox()
	s.EndInbox()
	if s.State() != Closed {
		t.Fatalf("state = %s", s.State())
	}
	if s.CloseLocal() {
		t.Fatal("close after Closed must be a no-op")
	}
}

func TestFailTerminal(t *testing.T) {
	t.Parallel()

	s := New(4, frame.ModeTunnel, "example.com:443")
	s.Activate()

	if !s.Fail(frame.ReasonTargetReset) {
		t.Fatal("first fail should transition")
	}
	if s.Fail(frame.ReasonLinkLost) {
		t.Fatal("fail must be terminal")
	}
	if s.State() != Failed || s.FailReason() != frame.ReasonTargetReset {
		t.Fatalf("state = %s reason = %s", s.State(), s.FailReason())
	}

	// Late frames are dropped, never re-raised.
	if err := s.AcceptData([]byte("late")); !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("expected ErrSessionFailed, got %v", err)
	}
	if s.CloseLocal() {
		t.Fatal("close after fail must be a no-op")
	}

	var fe *FailedError
	_, err := s.Read(make([]byte, 8))
	if !errors.As(err, &fe) || fe.Reason != frame.ReasonTargetReset {
		t.Fatalf("expected FailedError(target reset), got %v", err)
	}
}

func TestAcceptDataAfterClosed(t *testing.T) {
	t.Parallel()

	s := New(5, frame.ModeRequestResponse, "example.com:80")
	s.Activate()
	s.CloseLocal()
	s.EndInbox()

	if err := s.AcceptData([]byte("x")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestReadStream(t *testing.T) {
	t.Parallel()

	s := New(6, frame.ModeRequestResponse, "example.com:80")
	want := "hello, world"
	if err := s.AcceptData([]byte("hello, ")); err != nil {
		t.Fatal(err)
	}
	if err := s.AcceptData([]byte("world")); err != nil {
		t.Fatal(err)
	}
	s.EndInbox()

	got, err := io.ReadAll(s)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReadUnblocksOnFail(t *testing.T) {
	t.Parallel()

	s := New(7, frame.ModeTunnel, "example.com:443")
	s.Activate()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		errCh <- err
	}()

	s.Fail(frame.ReasonLinkLost)

	select {
	case err := <-errCh:
		var fe *FailedError
		if !errors.As(err, &fe) || fe.Reason != frame.ReasonLinkLost {
			t.Fatalf("expected FailedError(link lost), got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock on fail")
	}
}

func TestReadyUnblocksOnFail(t *testing.T) {
	t.Parallel()

	s := New(8, frame.ModeTunnel, "example.com:443")
	s.Fail(frame.ReasonConnectionRefused)

	select {
	case <-s.Ready():
	default:
		t.Fatal("Ready not closed after fail")
	}
	if s.State() != Failed {
		t.Fatalf("state = %s", s.State())
	}
}
