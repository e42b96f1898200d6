package offshore

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiplink/shiplink/internal/dialer"
	"github.com/shiplink/shiplink/internal/frame"
	"github.com/shiplink/shiplink/internal/link"
	"github.com/shiplink/shiplink/internal/session"
)

type Config struct {
	// Dialer makes the real outbound connections, directly or via a
	// configured upstream hop.
	Dialer dialer.Dialer

	DialTimeout time.Duration
	Verbose     bool
}

// Server is the offshore half: it accepts the ship's link, demultiplexes
// frames into sessions, and realizes each session as an outbound
// connection to its target.
type Server struct {
	ctx context.Context
	cfg Config

	mu  sync.Mutex
	lnk *link.Link
}

func New(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, cfg: cfg}
}

// Serve accepts ship connections. Only one link is live at a time; a ship
// that reconnects after link loss replaces any lingering previous link,
// whose sessions all fail with LinkLost.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Printf("offshore: ship connected from %s", c.RemoteAddr())
		go s.handleLink(c)
	}
}

// Close tears down the current link, if any.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.lnk
	s.mu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	return nil
}

func (s *Server) handleLink(c net.Conn) {
	l := link.New(c)

	s.mu.Lock()
	if s.lnk != nil {
		_ = s.lnk.Close()
	}
	s.lnk = l
	s.mu.Unlock()

	st := &linkState{srv: s, l: l, sessions: make(map[uint32]*session.Session)}
	err := l.ReadLoop(st.dispatch)

	reason := frame.ReasonLinkLost
	if s.ctx.Err() != nil {
		reason = frame.ReasonShutdown
	}
	st.failAll(reason)

	s.mu.Lock()
	if s.lnk == l {
		s.lnk = nil
	}
	s.mu.Unlock()

	log.Printf("offshore: ship link closed: %v", err)
}

// linkState holds everything scoped to one ship connection: its link and
// the sessions opened over it.
type linkState struct {
	srv *Server
	l   *link.Link

	mu       sync.Mutex
	sessions map[uint32]*session.Session
}

func (st *linkState) dispatch(f *frame.Frame) {
	if f.Type == frame.TypeOpen {
		st.handleOpen(f)
		return
	}

	s := st.session(f.SessionID)
	if s == nil {
		if st.srv.cfg.Verbose {
			log.Printf("offshore: dropping %s frame for unknown session %d", f.Type, f.SessionID)
		}
		return
	}

	switch f.Type {
	case frame.TypeData:
		if err := s.AcceptData(f.Payload); err != nil {
			st.dropData(s, err)
		}
	case frame.TypeClose:
		s.EndInbox()
	case frame.TypeError:
		reason, msg := frame.ParseError(f.Payload)
		if st.srv.cfg.Verbose {
			log.Printf("offshore: session %d failed by peer: %s: %s", s.ID, reason, msg)
		}
		s.Fail(reason)
	}
}

func (st *linkState) dropData(s *session.Session, err error) {
	if errors.Is(err, session.ErrSessionFailed) {
		log.Printf("offshore: session %d: dropping DATA after failure", s.ID)
		return
	}
	log.Printf("offshore: session %d: %v", s.ID, err)
	if s.Fail(frame.ReasonInvalidState) {
		_ = st.l.Send(frame.Error(s.ID, frame.ReasonInvalidState, "data after close"))
	}
}

func (st *linkState) handleOpen(f *frame.Frame) {
	mode, target, err := frame.ParseOpen(f.Payload)
	if err != nil {
		log.Printf("offshore: session %d: bad open: %v", f.SessionID, err)
		_ = st.l.Send(frame.Error(f.SessionID, frame.ReasonInvalidState, err.Error()))
		return
	}
	if st.session(f.SessionID) != nil {
		log.Printf("offshore: session %d: duplicate open ignored", f.SessionID)
		return
	}

	s := session.New(f.SessionID, mode, target)
	st.add(s)
	go st.run(s)
}

// run owns one session's upstream connection from dial to teardown.
func (st *linkState) run(s *session.Session) {
	defer st.remove(s.ID)

	dctx := st.srv.ctx
	if st.srv.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(dctx, st.srv.cfg.DialTimeout)
		defer cancel()
	}

	tc, err := st.srv.cfg.Dialer.DialContext(dctx, "tcp", s.Target)
	if err != nil {
		reason := dialReason(err)
		if st.srv.cfg.Verbose {
			log.Printf("offshore: session %d: dial %s: %v", s.ID, s.Target, err)
		}
		s.Fail(reason)
		_ = st.l.Send(frame.Error(s.ID, reason, err.Error()))
		return
	}
	defer tc.Close()

	s.Activate()

	// Unblock target I/O if the session fails or the link goes away. A
	// session that closed normally is still draining queued chunks to the
	// target, so it is left to finish on its own.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.Done():
			if s.State() != session.Failed {
				return
			}
		case <-st.l.Down():
		case <-stop:
			return
		}
		_ = tc.Close()
	}()

	switch s.Mode {
	case frame.ModeTunnel:
		_ = st.l.Send(frame.OpenAck(s.ID))
		st.relayTunnel(s, tc)
	case frame.ModeRequestResponse:
		st.relayExchange(s, tc)
	}
}

// relayTunnel pumps ship frames to the target and target bytes back as
// frames until either side finishes.
func (st *linkState) relayTunnel(s *session.Session, tc net.Conn) {
	g := new(errgroup.Group)

	g.Go(func() error { // ship -> target
		_, err := io.Copy(tc, s)
		if err == nil {
			// Ship half-closed; pass the FIN to the target.
			if c, ok := tc.(*net.TCPConn); ok {
				_ = c.CloseWrite()
			}
			return nil
		}
		_ = tc.Close()
		return nil
	})

	g.Go(func() error { // target -> ship
		_, err := io.Copy(st.l.DataWriter(s.ID), tc)
		if err == nil || errors.Is(err, net.ErrClosed) {
			if s.CloseLocal() {
				_ = st.l.Send(frame.Close(s.ID))
			}
			return nil
		}
		if s.Fail(frame.ReasonTargetReset) {
			_ = st.l.Send(frame.Error(s.ID, frame.ReasonTargetReset, err.Error()))
		}
		return nil
	})

	_ = g.Wait()
}

// relayExchange performs one HTTP exchange: parse the request off the
// session's byte stream, write it upstream, then frame the response back.
// Response framing (Content-Length, chunked) is parsed explicitly so the
// exchange never depends on connection-close termination.
func (st *linkState) relayExchange(s *session.Session, tc net.Conn) {
	req, err := http.ReadRequest(bufio.NewReader(s))
	if err != nil {
		var fe *session.FailedError
		if errors.As(err, &fe) {
			return // ship already failed the session
		}
		s.Fail(frame.ReasonInvalidState)
		_ = st.l.Send(frame.Error(s.ID, frame.ReasonInvalidState, "bad request: "+err.Error()))
		return
	}

	if err := req.Write(tc); err != nil {
		st.failTarget(s, err)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(tc), req)
	if err != nil {
		st.failTarget(s, err)
		return
	}
	defer resp.Body.Close()

	if err := resp.Write(st.l.DataWriter(s.ID)); err != nil {
		st.failTarget(s, err)
		return
	}
	if s.CloseLocal() {
		_ = st.l.Send(frame.Close(s.ID))
	}
}

func (st *linkState) failTarget(s *session.Session, err error) {
	if st.srv.cfg.Verbose {
		log.Printf("offshore: session %d: target %s: %v", s.ID, s.Target, err)
	}
	if s.Fail(frame.ReasonTargetReset) {
		_ = st.l.Send(frame.Error(s.ID, frame.ReasonTargetReset, err.Error()))
	}
}

func (st *linkState) session(id uint32) *session.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

func (st *linkState) add(s *session.Session) {
	st.mu.Lock()
	st.sessions[s.ID] = s
	st.mu.Unlock()
}

func (st *linkState) remove(id uint32) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

func (st *linkState) failAll(reason frame.Reason) {
	st.mu.Lock()
	ss := make([]*session.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		ss = append(ss, s)
	}
	st.mu.Unlock()

	for _, s := range ss {
		s.Fail(reason)
	}
}

// dialReason classifies an outbound dial error into the reason reported
// back to the ship.
func dialReason(err error) frame.Reason {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return frame.ReasonDNSFailure
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return frame.ReasonTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return frame.ReasonTimeout
	}
	return frame.ReasonConnectionRefused
}
