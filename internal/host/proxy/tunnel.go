package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sunbk201/ruleproxy/internal/log"
)

const dialTimeout = 10 * time.Second

func (p *Proxy) handleTunneling(w http.ResponseWriter, req *http.Request) {
	destAddr := req.Host
	hostname, port, err := net.SplitHostPort(destAddr)
	if err != nil {
		hostname, port = destAddr, "443"
		destAddr = net.JoinHostPort(hostname, port)
	}
	intercept := p.mitm.Allow(hostname, port)

	var dest net.Conn
	if !intercept {
		if dest, err = net.DialTimeout("tcp", destAddr, dialTimeout); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, rw, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		log.WithAddr(req.RemoteAddr, destAddr).Warn("Failed to answer CONNECT")
		_ = client.Close()
		if dest != nil {
			_ = dest.Close()
		}
		return
	}

	if !intercept {
		log.WithAddr(req.RemoteAddr, destAddr).Debug("Tunnelling")
		forwardTCP(client, dest)
		return
	}

	tlsConn, err := p.mitm.Intercept(client, rw.Reader, hostname)
	if err != nil {
		log.WithAddr(req.RemoteAddr, destAddr).Warn("MitM: handshake failed", slog.Any("error", err))
		_ = client.Close()
		return
	}
	log.WithAddr(req.RemoteAddr, destAddr).Debug("MitM: intercepting")
	p.serveTunnel(tlsConn, "https", destAddr, req.RemoteAddr)
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// serveTunnel reads the requests of one tunnelled connection and handles
// them as scheme requests to destAddr.
func (p *Proxy) serveTunnel(conn net.Conn, scheme, destAddr, remoteAddr string) {
	hostport := destAddr
	if h, port, err := net.SplitHostPort(destAddr); err == nil && port == defaultPorts[scheme] {
		hostport = h
	}
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			req.RemoteAddr = remoteAddr
			p.handleHTTP(w, req, scheme, hostport)
		}),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug),
	}
	ln := newConnListener(conn)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, errListenerDone) {
		slog.Debug("Tunnel closed", slog.String("dest", destAddr), slog.Any("error", err))
	}
}

// forwardTCP copies both directions until either side finishes.
func forwardTCP(client, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyHalf(target, client)
	}()
	go func() {
		defer wg.Done()
		copyHalf(client, target)
	}()
	wg.Wait()
	_ = client.Close()
	_ = target.Close()
}

// copyHalf copies from src to dst and half-closes both sides when done.
func copyHalf(dst, src net.Conn) {
	defer func() {
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = dst.Close()
		}
		if tc, ok := src.(*net.TCPConn); ok {
			_ = tc.CloseRead()
		} else {
			_ = src.Close()
		}
	}()
	_, _ = io.Copy(dst, src)
}

var errListenerDone = errors.New("listener done")

// connListener hands out a single connection and ends once it closes.
type connListener struct {
	conn net.Conn
	once sync.Once
	done chan struct{}
}

func newConnListener(conn net.Conn) *connListener {
	return &connListener{conn: conn, done: make(chan struct{})}
}

func (l *connListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.once.Do(func() {
		c = &notifyConn{Conn: l.conn, done: l.done}
	})
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, errListenerDone
}

func (l *connListener) Close() error {
	return nil
}

func (l *connListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// notifyConn signals done when the server closes it.
type notifyConn struct {
	net.Conn
	done chan struct{}
	once sync.Once
}

func (c *notifyConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return c.Conn.Close()
}
