package proxy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/sunbk201/ruleproxy/internal/log"
	"github.com/sunbk201/ruleproxy/internal/sniff"
)

const (
	socksVer5      = 0x05
	socksNoAuth    = 0x00
	socksNoMethods = 0xff
	socksCmdConn   = 0x01

	socksATYPv4    = 0x01
	socksATYDomain = 0x03
	socksATYPv6    = 0x04

	socksSucceeded       = 0x00
	socksCmdNotSupported = 0x07
	socksATYPUnsupported = 0x08
)

// sniffTimeout bounds the wait for a client that never speaks first.
const sniffTimeout = 2 * time.Second

var (
	ErrInvalidSocksVersion = errors.New("invalid socks version")
	ErrInvalidSocksCmd     = errors.New("invalid socks cmd")
	ErrInvalidSocksATYP    = errors.New("invalid socks atyp")
	ErrNoAcceptableMethod  = errors.New("no acceptable socks auth method")
)

func (p *Proxy) serveSOCKS(ln net.Listener) {
	for {
		client, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("SOCKS5 accept failed", slog.Any("error", err))
			continue
		}
		go p.handleSOCKS(client)
	}
}

// handleSOCKS negotiates a CONNECT and then treats the stream by what the
// client sends first: HTTP is served through the rule pipeline, TLS is
// intercepted when the middleman allows the host, anything else is relayed.
func (p *Proxy) handleSOCKS(client net.Conn) {
	remote := client.RemoteAddr().String()
	if err := socks5Auth(client); err != nil {
		log.WithAddr(remote, "").Debug("SOCKS5 auth failed", slog.Any("error", err))
		_ = client.Close()
		return
	}
	destAddr, err := parseSocks5Request(client)
	if err != nil {
		log.WithAddr(remote, destAddr).Debug("SOCKS5 request rejected", slog.Any("error", err))
		rep := byte(socksCmdNotSupported)
		if errors.Is(err, ErrInvalidSocksATYP) {
			rep = socksATYPUnsupported
		}
		_ = writeSocks5Reply(client, rep)
		_ = client.Close()
		return
	}
	// Reply before dialing so the first bytes can be sniffed.
	if err := writeSocks5Reply(client, socksSucceeded); err != nil {
		_ = client.Close()
		return
	}

	br := bufio.NewReaderSize(client, sniff.BufferSize)
	_ = client.SetReadDeadline(time.Now().Add(sniffTimeout))
	res, err := sniff.Stream(br)
	_ = client.SetReadDeadline(time.Time{})
	if err != nil && br.Buffered() == 0 && !isTimeout(err) {
		_ = client.Close()
		return
	}
	hostname, port, _ := net.SplitHostPort(destAddr)

	switch res.Protocol {
	case sniff.HTTP:
		log.WithAddr(remote, destAddr).Debug("SOCKS5: serving http")
		p.serveTunnel(&peekedConn{Conn: client, r: br}, "http", destAddr, remote)
		return
	case sniff.TLS:
		if res.ServerName != "" {
			hostname = res.ServerName
		}
		if p.mitm.Allow(hostname, port) {
			tlsConn, err := p.mitm.Intercept(client, br, hostname)
			if err != nil {
				log.WithAddr(remote, destAddr).Warn("MitM: handshake failed", slog.Any("error", err))
				_ = client.Close()
				return
			}
			log.WithAddr(remote, destAddr).Debug("MitM: intercepting")
			p.serveTunnel(tlsConn, "https", net.JoinHostPort(hostname, port), remote)
			return
		}
	}

	dest, err := net.DialTimeout("tcp", destAddr, dialTimeout)
	if err != nil {
		log.WithAddr(remote, destAddr).Debug("SOCKS5 dial failed", slog.Any("error", err))
		_ = client.Close()
		return
	}
	if n := br.Buffered(); n > 0 {
		buf, _ := br.Peek(n)
		if _, err := dest.Write(buf); err != nil {
			_ = client.Close()
			_ = dest.Close()
			return
		}
	}
	log.WithAddr(remote, destAddr).Debug("SOCKS5: relaying", slog.String("protocol", string(res.Protocol)))
	forwardTCP(client, dest)
}

// socks5Auth accepts clients offering the no-auth method.
func socks5Auth(client net.Conn) error {
	buf := make([]byte, 256)
	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	ver, nMethods := buf[0], int(buf[1])
	if ver != socksVer5 {
		return ErrInvalidSocksVersion
	}
	if _, err := io.ReadFull(client, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	for _, m := range buf[:nMethods] {
		if m == socksNoAuth {
			_, err := client.Write([]byte{socksVer5, socksNoAuth})
			return err
		}
	}
	_, _ = client.Write([]byte{socksVer5, socksNoMethods})
	return ErrNoAcceptableMethod
}

// parseSocks5Request reads a CONNECT request and returns its host:port.
func parseSocks5Request(client net.Conn) (string, error) {
	buf := make([]byte, 256)
	if _, err := io.ReadFull(client, buf[:4]); err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	ver, cmd, atyp := buf[0], buf[1], buf[3]
	if ver != socksVer5 {
		return "", ErrInvalidSocksVersion
	}
	if cmd != socksCmdConn {
		return "", ErrInvalidSocksCmd
	}

	var addr string
	switch atyp {
	case socksATYPv4:
		if _, err := io.ReadFull(client, buf[:net.IPv4len]); err != nil {
			return "", fmt.Errorf("read IPv4: %w", err)
		}
		addr = net.IP(buf[:net.IPv4len]).String()
	case socksATYPv6:
		if _, err := io.ReadFull(client, buf[:net.IPv6len]); err != nil {
			return "", fmt.Errorf("read IPv6: %w", err)
		}
		addr = net.IP(buf[:net.IPv6len]).String()
	case socksATYDomain:
		if _, err := io.ReadFull(client, buf[:1]); err != nil {
			return "", fmt.Errorf("read hostname length: %w", err)
		}
		n := int(buf[0])
		if _, err := io.ReadFull(client, buf[:n]); err != nil {
			return "", fmt.Errorf("read hostname: %w", err)
		}
		addr = string(buf[:n])
	default:
		return "", ErrInvalidSocksATYP
	}

	if _, err := io.ReadFull(client, buf[:2]); err != nil {
		return "", fmt.Errorf("read port: %w", err)
	}
	port := binary.BigEndian.Uint16(buf[:2])
	return net.JoinHostPort(addr, strconv.Itoa(int(port))), nil
}

// writeSocks5Reply answers with rep and a zero bind address.
func writeSocks5Reply(client net.Conn, rep byte) error {
	_, err := client.Write([]byte{socksVer5, rep, 0x00, socksATYPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// peekedConn reads through the reader that sniffed it.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
