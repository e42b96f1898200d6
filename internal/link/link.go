package link

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/shiplink/shiplink/internal/frame"
)

// ErrDown is returned by Send once the link has failed or been closed.
var ErrDown = errors.New("link down")

// Link owns the single physical connection between ship and offshore.
//
// All frame writes go through Send, which marshals to one buffer and writes
// under a mutex so concurrent sessions never interleave partial frames.
// ReadLoop is the one dispatch loop for inbound frames; any read, write, or
// decode failure downs the link exactly once.
type Link struct {
	conn net.Conn
	br   *bufio.Reader

	wmu sync.Mutex // serializes frame writes

	mu   sync.Mutex
	err  error
	down chan struct{}
}

func New(conn net.Conn) *Link {
	return &Link{
		conn: conn,
		br:   bufio.NewReaderSize(conn, 64<<10),
		down: make(chan struct{}),
	}
}

// Send writes one frame to the wire. Frames from a single caller are
// delivered in call order; the link guarantees nothing across sessions.
func (l *Link) Send(f *frame.Frame) error {
	buf, err := frame.Marshal(f)
	if err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	select {
	case <-l.down:
		return l.Err()
	default:
	}

	if _, err := l.conn.Write(buf); err != nil {
		err = fmt.Errorf("link write: %w", err)
		l.fail(err)
		return err
	}
	return nil
}

// ReadLoop decodes frames and hands each to dispatch in arrival order. It
// returns once the link fails; the error is also available via Err. A
// malformed frame means the stream can no longer be trusted and downs the
// link rather than any single session.
func (l *Link) ReadLoop(dispatch func(*frame.Frame)) error {
	for {
		f, err := frame.Decode(l.br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("link read: %w", io.EOF)
			} else {
				err = fmt.Errorf("link read: %w", err)
			}
			l.fail(err)
			return l.Err()
		}
		dispatch(f)
	}
}

// Close tears the link down locally: ReadLoop returns and future Sends
// fail with ErrDown.
func (l *Link) Close() error {
	l.fail(ErrDown)
	return nil
}

func (l *Link) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return
	}
	l.err = err
	close(l.down)
	_ = l.conn.Close()
}

// Down is closed once the link has failed or been closed.
func (l *Link) Down() <-chan struct{} {
	return l.down
}

// Err returns the error that downed the link, or nil while it is up.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// DataWriter adapts a session's outbound byte stream to DATA frames for
// id, chunked at the frame payload limit. Writes block while the wire
// applies back-pressure, which is exactly how the originating read loop is
// throttled.
func (l *Link) DataWriter(id uint32) io.Writer {
	return &dataWriter{l: l, id: id}
}

type dataWriter struct {
	l  *Link
	id uint32
}

func (w *dataWriter) Write(p []byte) (int, error) {
	var n int
	for len(p) > 0 {
		chunk := p
		if len(chunk) > frame.MaxPayload {
			chunk = chunk[:frame.MaxPayload]
		}
		if err := w.l.Send(frame.Data(w.id, chunk)); err != nil {
			return n, err
		}
		n += len(chunk)
		p = p[len(chunk):]
	}
	return n, nil
}
