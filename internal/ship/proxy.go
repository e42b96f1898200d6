package ship

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiplink/shiplink/internal/frame"
	"github.com/shiplink/shiplink/internal/link"
	"github.com/shiplink/shiplink/internal/session"
)

type Config struct {
	// OffshoreAddr is the offshore peer the single link is dialed to.
	OffshoreAddr string

	// Redialer establishes and re-establishes the link.
	Redialer *link.Redialer

	NegotiationTimeout time.Duration
	Verbose            bool
}

// Proxy bridges N local proxy clients onto the single offshore link.
//
// Every local connection becomes one session: a fresh monotonically
// assigned id, an OPEN frame, and a relay between the client socket and the
// session's frames. Session-local failures never touch the link; link
// failure fails every open session.
type Proxy struct {
	ctx context.Context
	cfg Config

	mu       sync.Mutex
	lnk      *link.Link
	sessions map[uint32]*session.Session
	nextID   uint32
	shutdown bool
}

func New(ctx context.Context, cfg Config) *Proxy {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Proxy{
		ctx:      ctx,
		cfg:      cfg,
		sessions: make(map[uint32]*session.Session),
	}
}

// Serve establishes the offshore link and serves proxy clients from ln.
func (p *Proxy) Serve(ln net.Listener) error {
	c, err := p.cfg.Redialer.Dial(p.ctx)
	if err != nil {
		return fmt.Errorf("offshore link: %w", err)
	}
	p.setLink(link.New(c))
	go p.superviseLink()

	for {
		c, err := ln.Accept()
		if err != nil {
			if p.ctx.Err() != nil || p.isShutdown() {
				return nil
			}
			return err
		}
		go p.handleConn(c)
	}
}

// Close fails every open session with reason Shutdown and tears the link
// down. New local connections are refused afterwards.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.shutdown = true
	l := p.lnk
	p.mu.Unlock()

	p.failAll(frame.ReasonShutdown)
	if l != nil {
		_ = l.Close()
	}
	return nil
}

// SessionCount reports the number of sessions currently registered.
func (p *Proxy) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// superviseLink runs the link read loop and reconnects with backoff when it
// fails, failing every open session in between. After the redialer gives
// up, the proxy refuses new local connections.
func (p *Proxy) superviseLink() {
	for {
		l := p.currentLink()
		if l == nil {
			return
		}

		err := l.ReadLoop(p.dispatch)
		p.clearLink(l)

		if p.ctx.Err() != nil || p.isShutdown() {
			p.failAll(frame.ReasonShutdown)
			return
		}

		p.failAll(frame.ReasonLinkLost)
		log.Printf("offshore link lost: %v (reconnecting)", err)

		c, derr := p.cfg.Redialer.Dial(p.ctx)
		if derr != nil {
			log.Printf("offshore link: %v (refusing new connections)", derr)
			p.mu.Lock()
			p.shutdown = true
			p.mu.Unlock()
			return
		}
		p.setLink(link.New(c))
		log.Printf("offshore link re-established to %s", p.cfg.OffshoreAddr)
	}
}

// dispatch routes one inbound frame to its session. Frames for ids that are
// unknown (already cleaned up) are stale and dropped.
func (p *Proxy) dispatch(f *frame.Frame) {
	s := p.session(f.SessionID)
	if s == nil {
		if p.cfg.Verbose {
			log.Printf("ship: dropping %s frame for unknown session %d", f.Type, f.SessionID)
		}
		return
	}

	switch f.Type {
	case frame.TypeOpen:
		// Offshore confirmed the tunnel's target connection.
		s.Activate()
	case frame.TypeData:
		if err := s.AcceptData(f.Payload); err != nil {
			p.dropData(s, err)
		}
	case frame.TypeClose:
		s.EndInbox()
	case frame.TypeError:
		reason, msg := frame.ParseError(f.Payload)
		if p.cfg.Verbose {
			log.Printf("ship: session %d failed by peer: %s: %s", s.ID, reason, msg)
		}
		s.Fail(reason)
	}
}

func (p *Proxy) dropData(s *session.Session, err error) {
	if errors.Is(err, session.ErrSessionFailed) {
		log.Printf("ship: session %d: dropping DATA after failure", s.ID)
		return
	}
	log.Printf("ship: session %d: %v", s.ID, err)
	if s.Fail(frame.ReasonInvalidState) {
		p.sendFrame(frame.Error(s.ID, frame.ReasonInvalidState, "data after close"))
	}
}

func (p *Proxy) handleConn(c net.Conn) {
	defer c.Close()

	if p.cfg.NegotiationTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(p.cfg.NegotiationTimeout))
	}
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	l := p.currentLink()
	if l == nil {
		writeError(c, errors.New("offshore link down"), http.StatusBadGateway)
		return
	}

	if strings.EqualFold(req.Method, http.MethodConnect) {
		p.handleTunnel(l, c, br, req)
		return
	}
	p.handleExchange(l, c, req)
}

// handleTunnel serves one CONNECT session: open, await the offshore
// acknowledgment, reply 200, then relay raw bytes both directions.
func (p *Proxy) handleTunnel(l *link.Link, c net.Conn, br *bufio.Reader, req *http.Request) {
	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	s, err := p.newSession(l, frame.ModeTunnel, target)
	if err != nil {
		writeError(c, err, http.StatusBadGateway)
		return
	}
	defer p.removeSession(s.ID)

	timeout := p.cfg.NegotiationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-s.Ready():
	case <-time.After(timeout):
		if s.Fail(frame.ReasonTimeout) {
			p.sendFrame(frame.Error(s.ID, frame.ReasonTimeout, "tunnel establishment timed out"))
		}
	case <-p.ctx.Done():
		s.Fail(frame.ReasonShutdown)
	}

	if s.State() == session.Failed {
		reason := s.FailReason()
		writeError(c, fmt.Errorf("tunnel to %s failed: %s", target, reason), statusForReason(reason))
		return
	}

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		if s.Fail(frame.ReasonClientAborted) {
			p.sendFrame(frame.Error(s.ID, frame.ReasonClientAborted, "client write failed"))
		}
		return
	}

	p.relayTunnel(l, s, c, br)
}

// relayTunnel pumps client->frames and frames->client until both
// directions finish or the session fails.
func (p *Proxy) relayTunnel(l *link.Link, s *session.Session, c net.Conn, br *bufio.Reader) {
	g, gctx := errgroup.WithContext(p.ctx)

	g.Go(func() error { // client -> offshore
		_, err := io.Copy(l.DataWriter(s.ID), br)
		if err == nil || errors.Is(err, net.ErrClosed) {
			if s.CloseLocal() {
				p.sendFrame(frame.Close(s.ID))
			}
			return nil
		}
		if s.Fail(frame.ReasonClientAborted) {
			p.sendFrame(frame.Error(s.ID, frame.ReasonClientAborted, err.Error()))
			if p.cfg.Verbose {
				log.Printf("ship: session %d: client aborted: %v", s.ID, err)
			}
		}
		return nil
	})

	g.Go(func() error { // offshore -> client
		_, err := io.Copy(c, s)
		if err == nil {
			// Peer half-closed; pass the FIN through to the client.
			if tc, ok := c.(*net.TCPConn); ok {
				_ = tc.CloseWrite()
			}
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.Done():
			// A session that closed normally still has queued inbound
			// chunks to drain; both copies end on their own. Only a
			// failure needs the conn forced shut to unblock them.
			if s.State() != session.Failed {
				return nil
			}
		}
		_ = c.Close()
		return nil
	})

	_ = g.Wait()
}

// handleExchange serves one request/response session: forward the request
// as DATA frames, half-close, then relay the response verbatim.
func (p *Proxy) handleExchange(l *link.Link, c net.Conn, req *http.Request) {
	target := req.URL.Host
	if target == "" {
		target = req.Host
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "80")
	}

	s, err := p.newSession(l, frame.ModeRequestResponse, target)
	if err != nil {
		writeError(c, err, http.StatusBadGateway)
		return
	}
	defer p.removeSession(s.ID)

	// Request.Write handles body framing (Content-Length and chunked), so
	// the offshore side receives exactly one complete request.
	if err := req.Write(l.DataWriter(s.ID)); err != nil {
		if s.Fail(frame.ReasonClientAborted) {
			p.sendFrame(frame.Error(s.ID, frame.ReasonClientAborted, err.Error()))
		}
		writeError(c, err, http.StatusBadGateway)
		return
	}
	if s.CloseLocal() {
		p.sendFrame(frame.Close(s.ID))
	}

	n, err := io.Copy(c, s)
	if err == nil {
		return
	}
	var fe *session.FailedError
	if errors.As(err, &fe) && n == 0 {
		writeError(c, fmt.Errorf("%s: %s", target, fe.Reason), statusForReason(fe.Reason))
		return
	}
	if p.cfg.Verbose {
		log.Printf("ship: session %d: response relay: %v", s.ID, err)
	}
}

// newSession registers a session under a fresh id and announces it to the
// offshore side. Ids increase monotonically for the life of the process and
// are never reused, so a stale late frame can never reach a new session.
func (p *Proxy) newSession(l *link.Link, mode frame.Mode, target string) (*session.Session, error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, errors.New("shutting down")
	}
	p.nextID++
	id := p.nextID
	s := session.New(id, mode, target)
	p.sessions[id] = s
	p.mu.Unlock()

	if err := l.Send(frame.Open(id, mode, target)); err != nil {
		p.removeSession(id)
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

func (p *Proxy) session(id uint32) *session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[id]
}

func (p *Proxy) removeSession(id uint32) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

func (p *Proxy) failAll(reason frame.Reason) {
	p.mu.Lock()
	ss := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		ss = append(ss, s)
	}
	p.mu.Unlock()

	for _, s := range ss {
		s.Fail(reason)
	}
}

// sendFrame sends on the current link, if one is up. Callers use it for
// control frames where a downed link already implies the peer is gone.
func (p *Proxy) sendFrame(f *frame.Frame) {
	if l := p.currentLink(); l != nil {
		_ = l.Send(f)
	}
}

func (p *Proxy) currentLink() *link.Link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lnk
}

func (p *Proxy) setLink(l *link.Link) {
	p.mu.Lock()
	p.lnk = l
	p.mu.Unlock()
}

func (p *Proxy) clearLink(l *link.Link) {
	p.mu.Lock()
	if p.lnk == l {
		p.lnk = nil
	}
	p.mu.Unlock()
}

func (p *Proxy) isShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// writeError simulates http.Error() on a raw client connection.
func writeError(w io.Writer, err error, code int) {
	_, _ = fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n",
		code, http.StatusText(code), err.Error())
}

func statusForReason(r frame.Reason) int {
	if r == frame.ReasonTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
