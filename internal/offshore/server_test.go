package offshore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shiplink/shiplink/internal/dialer"
	"github.com/shiplink/shiplink/internal/frame"
	"github.com/shiplink/shiplink/internal/testutil"
)

func startServer(t *testing.T, ctx context.Context) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := New(ctx, Config{
		Dialer:      dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second}),
		DialTimeout: 2 * time.Second,
	})
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return ln.Addr().String()
}

// dialShip connects as the ship side and returns the conn plus a buffered
// reader for decoding frames.
func dialShip(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	_ = c.SetDeadline(time.Now().Add(10 * time.Second))
	return c, bufio.NewReader(c)
}

func TestTunnelSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	addr := startServer(t, ctx)
	c, br := dialShip(t, addr)

	if err := frame.Encode(c, frame.Open(1, frame.ModeTunnel, echo.Addr().String())); err != nil {
		t.Fatal(err)
	}

	ack, err := frame.Decode(br)
	if err != nil {
		t.Fatal(err)
	}
	if ack.Type != frame.TypeOpen || ack.SessionID != 1 {
		t.Fatalf("expected OPEN ack for session 1, got %s for %d", ack.Type, ack.SessionID)
	}

	if err := frame.Encode(c, frame.Data(1, []byte("ping"))); err != nil {
		t.Fatal(err)
	}
	f, err := frame.Decode(br)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != frame.TypeData || !bytes.Equal(f.Payload, []byte("ping")) {
		t.Fatalf("expected echoed DATA, got %s %q", f.Type, f.Payload)
	}

	// Half-close propagates to the target; the echo server then closes,
	// and the offshore side closes its direction.
	if err := frame.Encode(c, frame.Close(1)); err != nil {
		t.Fatal(err)
	}
	f, err = frame.Decode(br)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != frame.TypeClose || f.SessionID != 1 {
		t.Fatalf("expected CLOSE for session 1, got %s for %d", f.Type, f.SessionID)
	}
}

func TestDialFailureReportsError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A listener closed right away leaves a port that refuses connections.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	_ = dead.Close()

	addr := startServer(t, ctx)
	c, br := dialShip(t, addr)

	if err := frame.Encode(c, frame.Open(1, frame.ModeTunnel, deadAddr)); err != nil {
		t.Fatal(err)
	}

	f, err := frame.Decode(br)
	if err != nil {
		t.Fatal(err)
	}
	if f.Type != frame.TypeError {
		t.Fatalf("expected ERROR, got %s", f.Type)
	}
	reason, msg := frame.ParseError(f.Payload)
	if reason != frame.ReasonConnectionRefused {
		t.Fatalf("reason = %s (%s)", reason, msg)
	}
}

func TestRequestResponseSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const body = "hello from upstream"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer upstream.Close()
	target := upstream.Listener.Addr().String()

	addr := startServer(t, ctx)
	c, br := dialShip(t, addr)

	if err := frame.Encode(c, frame.Open(1, frame.ModeRequestResponse, target)); err != nil {
		t.Fatal(err)
	}
	rawReq := "GET / HTTP/1.1\r\nHost: " + target + "\r\n\r\n"
	if err := frame.Encode(c, frame.Data(1, []byte(rawReq))); err != nil {
		t.Fatal(err)
	}
	if err := frame.Encode(c, frame.Close(1)); err != nil {
		t.Fatal(err)
	}

	// Collect response DATA until the offshore side closes its direction.
	var respBytes bytes.Buffer
	for {
		f, err := frame.Decode(br)
		if err != nil {
			t.Fatal(err)
		}
		if f.SessionID != 1 {
			t.Fatalf("frame for unexpected session %d", f.SessionID)
		}
		if f.Type == frame.TypeClose {
			break
		}
		if f.Type != frame.TypeData {
			t.Fatalf("unexpected frame %s", f.Type)
		}
		respBytes.Write(f.Payload)
	}

	resp, err := http.ReadResponse(bufio.NewReader(&respBytes), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || string(got) != body {
		t.Fatalf("got %d %q", resp.StatusCode, got)
	}
}

func TestLinkLossClosesTargets(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	targetClosed := make(chan struct{})
	target, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 1)
		for {
			if _, err := c.Read(buf); err != nil {
				close(targetClosed)
				return
			}
		}
	})
	defer wait()

	addr := startServer(t, ctx)
	c, br := dialShip(t, addr)

	if err := frame.Encode(c, frame.Open(1, frame.ModeTunnel, target.Addr().String())); err != nil {
		t.Fatal(err)
	}
	if f, err := frame.Decode(br); err != nil || f.Type != frame.TypeOpen {
		t.Fatalf("expected OPEN ack, got %v %v", f, err)
	}

	// Drop the whole link; the session must fail and release its target.
	_ = c.Close()

	select {
	case <-targetClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("target connection not released after link loss")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestDialReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want frame.Reason
	}{
		{"dns", &net.DNSError{Err: "no such host", Name: "nonexistent.invalid", IsNotFound: true}, frame.ReasonDNSFailure},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, frame.ReasonTimeout},
		{"context deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), frame.ReasonTimeout},
		{"refused", errors.New("connect: connection refused"), frame.ReasonConnectionRefused},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := dialReason(tt.err); got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}
