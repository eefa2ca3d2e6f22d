package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/proxy"

	"github.com/sunbk201/ruleproxy/internal/host"
	"github.com/sunbk201/ruleproxy/internal/mitm"
)

// startSOCKS starts p with a SOCKS5 listener and returns a client dialing
// through it.
func startSOCKS(t *testing.T, p *Proxy, tlsConfig *tls.Config) *http.Client {
	t.Helper()
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })

	dialer, err := proxy.SOCKS5("tcp", p.socks.Addr().String(), nil, proxy.Direct)
	require.NoError(t, err)
	return &http.Client{
		Transport: &http.Transport{
			DialContext:        dialer.(proxy.ContextDialer).DialContext,
			TLSClientConfig:    tlsConfig,
			DisableCompression: true,
		},
	}
}

func recordURLs(p *Proxy) func() []string {
	var mu sync.Mutex
	var seen []string
	p.SubscribeRequest(host.EventBeforeRequest, func(_ context.Context, d *host.RequestDetails) *host.BlockingResponse {
		mu.Lock()
		seen = append(seen, d.URL)
		mu.Unlock()
		if strings.HasSuffix(d.URL, "/blocked") {
			return &host.BlockingResponse{Cancel: true}
		}
		return nil
	}, host.ListenerOptions{})
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestSOCKSPlainHTTP(t *testing.T) {
	upstream := newUpstream(t, false)
	p := New("127.0.0.1:0", Options{SOCKSAddr: "127.0.0.1:0"})
	seen := recordURLs(p)
	c := startSOCKS(t, p, nil)

	resp, body := get(t, c, upstream.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)

	resp, _ = get(t, c, upstream.URL+"/blocked", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, []string{upstream.URL + "/", upstream.URL + "/blocked"}, seen())
}

func TestSOCKSRelaysTLS(t *testing.T) {
	upstream := newUpstream(t, true)
	p := New("127.0.0.1:0", Options{SOCKSAddr: "127.0.0.1:0"})
	seen := recordURLs(p)
	c := startSOCKS(t, p, &tls.Config{InsecureSkipVerify: true})

	resp, body := get(t, c, upstream.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
	assert.Empty(t, seen(), "relayed traffic is opaque")
}

func TestSOCKSInterceptsTLS(t *testing.T) {
	upstream := newUpstream(t, true)
	ca, err := mitm.GenerateCA()
	require.NoError(t, err)
	filter, err := mitm.NewHostnameFilter("*:0")
	require.NoError(t, err)
	p := New("127.0.0.1:0", Options{
		SOCKSAddr: "127.0.0.1:0",
		MiddleMan: mitm.NewMiddleMan(mitm.NewCertManager(ca), filter, true),
	})
	seen := recordURLs(p)

	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	c := startSOCKS(t, p, &tls.Config{RootCAs: pool})

	resp, body := get(t, c, upstream.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
	resp, _ = get(t, c, upstream.URL+"/blocked", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	assert.Equal(t, []string{upstream.URL + "/", upstream.URL + "/blocked"}, seen())
}

func TestSOCKSRejects(t *testing.T) {
	p := New("127.0.0.1:0", Options{SOCKSAddr: "127.0.0.1:0"})
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Close() })

	exchange := func(t *testing.T, send []byte, replyLen int) []byte {
		conn, err := net.Dial("tcp", p.socks.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write(send)
		require.NoError(t, err)
		reply := make([]byte, replyLen)
		_, err = io.ReadFull(conn, reply)
		require.NoError(t, err)
		return reply
	}

	t.Run("auth methods", func(t *testing.T) {
		assert.Equal(t, []byte{socksVer5, socksNoMethods}, exchange(t, []byte{5, 1, 2}, 2))
	})
	t.Run("udp associate", func(t *testing.T) {
		reply := exchange(t, []byte{5, 1, 0, 5, 3, 0, 1}, 12)
		assert.Equal(t, []byte{socksVer5, socksNoAuth}, reply[:2])
		assert.Equal(t, byte(socksCmdNotSupported), reply[3])
	})
	t.Run("address type", func(t *testing.T) {
		reply := exchange(t, []byte{5, 1, 0, 5, 1, 0, 9}, 12)
		assert.Equal(t, byte(socksATYPUnsupported), reply[3])
	})
}

// scriptConn replays in and collects what is written.
type scriptConn struct {
	net.Conn
	in  *bytes.Reader
	out bytes.Buffer
}

func (c *scriptConn) Read(b []byte) (int, error)  { return c.in.Read(b) }
func (c *scriptConn) Write(b []byte) (int, error) { return c.out.Write(b) }

func TestParseSocks5Request(t *testing.T) {
	domain := append([]byte{5, 1, 0, socksATYDomain, 11}, "example.com"...)
	tests := []struct {
		name    string
		in      []byte
		want    string
		wantErr error
	}{
		{"ipv4", []byte{5, 1, 0, socksATYPv4, 127, 0, 0, 1, 0, 80}, "127.0.0.1:80", nil},
		{"domain", append(domain, 1, 187), "example.com:443", nil},
		{"ipv6", append([]byte{5, 1, 0, socksATYPv6}, append(net.IPv6loopback, 0x1f, 0x90)...), "[::1]:8080", nil},
		{"version", []byte{4, 1, 0, socksATYPv4}, "", ErrInvalidSocksVersion},
		{"bind", []byte{5, 2, 0, socksATYPv4}, "", ErrInvalidSocksCmd},
		{"atyp", []byte{5, 1, 0, 9}, "", ErrInvalidSocksATYP},
		{"truncated", []byte{5, 1, 0, socksATYPv4, 127}, "", io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSocks5Request(&scriptConn{in: bytes.NewReader(tt.in)})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSocks5Auth(t *testing.T) {
	c := &scriptConn{in: bytes.NewReader([]byte{5, 2, 2, 0})}
	require.NoError(t, socks5Auth(c))
	assert.Equal(t, []byte{socksVer5, socksNoAuth}, c.out.Bytes())

	c = &scriptConn{in: bytes.NewReader([]byte{5, 1, 2})}
	assert.ErrorIs(t, socks5Auth(c), ErrNoAcceptableMethod)
	assert.Equal(t, []byte{socksVer5, socksNoMethods}, c.out.Bytes())

	assert.ErrorIs(t, socks5Auth(&scriptConn{in: bytes.NewReader([]byte{4, 1})}), ErrInvalidSocksVersion)
}

