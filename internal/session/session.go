package session

import (
	"errors"
	"io"
	"sync"

	"github.com/shiplink/shiplink/internal/frame"
)

type State uint8

const (
	Opening State = iota
	Active
	Closing
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidState reports a protocol violation: data arriving for a
	// session that has already fully closed. The caller must fail the
	// session, never ignore it silently.
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionFailed reports data arriving after the session failed.
	// Such frames are dropped with a warning and never re-raise the failure.
	ErrSessionFailed = errors.New("session failed")
)

// FailedError is returned by Read once the session has failed, carrying the
// reason so the ship side can synthesize an appropriate client response.
type FailedError struct {
	Reason frame.Reason
}

func (e *FailedError) Error() string {
	return "session failed: " + e.Reason.String()
}

// inboxSize bounds undelivered inbound chunks per session. A full inbox
// blocks the link dispatch loop, which pushes back through the single TCP
// connection to the remote writer instead of buffering without bound.
const inboxSize = 64

// Session is one proxied transaction multiplexed over the link: either a
// single HTTP exchange or a CONNECT tunnel. The ship side owns sessions for
// its local client connections; the offshore side owns sessions for the
// upstream connections it dials. The two are correlated only by ID.
//
// CLOSE is directional: each side half-closes its own send direction, and
// the session reaches Closed once both directions are done. Fail is
// terminal from any state.
type Session struct {
	ID     uint32
	Mode   frame.Mode
	Target string

	mu          sync.Mutex
	state       State
	reason      frame.Reason
	localDone   bool
	peerDone    bool
	readyClosed bool
	doneClosed  bool

	inbox chan []byte
	ready chan struct{} // closed on activation or failure
	done  chan struct{} // closed once Closed or Failed

	rbuf []byte
}

func New(id uint32, mode frame.Mode, target string) *Session {
	return &Session{
		ID:     id,
		Mode:   mode,
		Target: target,
		inbox:  make(chan []byte, inboxSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailReason returns the failure reason, or ReasonNone if the session has
// not failed.
func (s *Session) FailReason() frame.Reason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Ready is closed once the session is activated or fails, whichever comes
// first. The ship's tunnel handler waits on it before replying 200.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Activate moves an Opening session to Active. It is the explicit
// acknowledgment path used by tunnels; no-op in any other state.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Opening {
		return
	}
	s.state = Active
	s.closeReadyLocked()
}

// AcceptData queues an inbound payload for delivery to this side's socket.
// The first DATA frame on an Opening session activates it (the implicit
// acknowledgment for request-response sessions). Data for a fully closed
// session returns ErrInvalidState; data for a failed session returns
// ErrSessionFailed and is dropped.
func (s *Session) AcceptData(p []byte) error {
	s.mu.Lock()
	switch s.state {
	case Opening:
		s.state = Active
		s.closeReadyLocked()
	case Active, Closing:
	case Closed:
		s.mu.Unlock()
		return ErrInvalidState
	case Failed:
		s.mu.Unlock()
		return ErrSessionFailed
	}
	if s.peerDone {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.mu.Unlock()

	// Payloads come from the frame decoder, which allocates per frame, so
	// they are queued without copying.
	select {
	case s.inbox <- p:
		return nil
	case <-s.done:
		return nil
	}
}

// EndInbox records the peer's half-close: no more inbound data will arrive.
// Readers drain what is queued and then see io.EOF. Idempotent.
func (s *Session) EndInbox() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerDone || s.state == Failed {
		return
	}
	s.peerDone = true
	close(s.inbox)
	s.advanceLocked()
}

// CloseLocal marks this side's send direction finished. It reports whether
// this call made the transition, so the caller emits exactly one CLOSE
// frame no matter how many times it is invoked.
func (s *Session) CloseLocal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.localDone || s.state == Closed || s.state == Failed {
		return false
	}
	s.localDone = true
	s.advanceLocked()
	return true
}

// Fail moves the session to Failed from any state. Terminal: it reports
// whether this call made the transition, and unblocks readers and any
// pending AcceptData.
func (s *Session) Fail(reason frame.Reason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Failed || s.state == Closed {
		return false
	}
	s.state = Failed
	s.reason = reason
	s.closeReadyLocked()
	s.closeDoneLocked()
	return true
}

func (s *Session) advanceLocked() {
	if s.state == Failed || s.state == Closed {
		return
	}
	if s.localDone && s.peerDone {
		s.state = Closed
		s.closeReadyLocked()
		s.closeDoneLocked()
		return
	}
	if s.state == Opening || s.state == Active {
		s.state = Closing
	}
}

func (s *Session) closeReadyLocked() {
	if !s.readyClosed {
		s.readyClosed = true
		close(s.ready)
	}
}

func (s *Session) closeDoneLocked() {
	if !s.doneClosed {
		s.doneClosed = true
		close(s.done)
	}
}

// Read delivers inbound bytes in arrival order. It returns io.EOF after the
// peer's half-close once the inbox is drained, and a *FailedError once the
// session has failed.
func (s *Session) Read(p []byte) (int, error) {
	if len(s.rbuf) > 0 {
		n := copy(p, s.rbuf)
		s.rbuf = s.rbuf[n:]
		return n, nil
	}

	select {
	case b, ok := <-s.inbox:
		if !ok {
			return 0, s.readErr()
		}
		n := copy(p, b)
		s.rbuf = b[n:]
		return n, nil
	case <-s.done:
		// Drain anything queued before the session ended.
		select {
		case b, ok := <-s.inbox:
			if ok {
				n := copy(p, b)
				s.rbuf = b[n:]
				return n, nil
			}
		default:
		}
		return 0, s.readErr()
	}
}

func (s *Session) readErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Failed {
		return &FailedError{Reason: s.reason}
	}
	return io.EOF
}
