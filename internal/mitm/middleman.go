package mitm

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
)

// MiddleMan terminates client TLS for tunnelled hosts that the hostname
// filter selects, so the proxy can read the cleartext requests.
type MiddleMan struct {
	CertManager        *CertManager
	HostnameFilter     *HostnameFilter
	InsecureSkipVerify bool
}

func NewMiddleMan(certManager *CertManager, hostnameFilter *HostnameFilter, insecureSkipVerify bool) *MiddleMan {
	return &MiddleMan{
		CertManager:        certManager,
		HostnameFilter:     hostnameFilter,
		InsecureSkipVerify: insecureSkipVerify,
	}
}

// Allow reports whether host:port is intercepted. A nil MiddleMan allows nothing.
func (h *MiddleMan) Allow(host, port string) bool {
	return h != nil && h.HostnameFilter.Allow(host, port)
}

// Intercept performs the server side of the TLS handshake on conn. reader
// holds bytes already buffered from conn and may be nil. host is used when
// the client sends no SNI.
func (h *MiddleMan) Intercept(conn net.Conn, reader *bufio.Reader, host string) (*tls.Conn, error) {
	if reader != nil && reader.Buffered() > 0 {
		conn = newBufferedConn(conn, reader)
	}
	clientTLS := tls.Server(conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName == "" {
				return h.CertManager.GetCertificateForHost(host)
			}
			return h.CertManager.GetCertificate(hello)
		},
		NextProtos: []string{"http/1.1"},
	})
	if err := clientTLS.Handshake(); err != nil {
		return nil, fmt.Errorf("MitM: client TLS handshake failed for %s: %w", host, err)
	}
	slog.Debug("MitM: client TLS handshake completed", slog.String("host", host),
		slog.String("sni", clientTLS.ConnectionState().ServerName))
	return clientTLS, nil
}

// UpstreamTLSConfig is the client configuration for connections to
// intercepted servers.
func (h *MiddleMan) UpstreamTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: h != nil && h.InsecureSkipVerify}
}

// bufferedConn wraps a net.Conn with a bufio.Reader so that bytes
// already peeked (but not consumed) from the reader are included.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func newBufferedConn(conn net.Conn, reader *bufio.Reader) *bufferedConn {
	return &bufferedConn{
		Conn:   conn,
		reader: reader,
	}
}

func (bc *bufferedConn) Read(b []byte) (int, error) {
	return bc.reader.Read(b)
}
