package dialer

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/shiplink/shiplink/internal/testutil"
)

func TestHTTPProxyDialerConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Fake upstream proxy: answer CONNECT with 200, then echo.
	ln, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil || req.Method != http.MethodConnect {
			return
		}
		if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
		buf := make([]byte, 1024)
		n, err := br.Read(buf)
		if err != nil {
			return
		}
		_, _ = c.Write(buf[:n])
	})
	defer wait()

	u, err := url.Parse("http://" + ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, u, "", "")
	if err != nil {
		t.Fatal(err)
	}

	c, err := d.DialContext(ctx, "tcp", "target.example:80")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello through connect"))
}
