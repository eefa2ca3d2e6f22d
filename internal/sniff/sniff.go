// Package sniff identifies the protocol a client opens a stream with. It only
// peeks, so the reader still holds every byte afterwards.
package sniff

import (
	"bufio"
	"bytes"
)

type Protocol string

const (
	TCP  Protocol = "tcp"
	HTTP Protocol = "http"
	TLS  Protocol = "tls"
)

// BufferSize is the reader size Stream needs to see a whole ClientHello.
const BufferSize = recordHeaderLen + maxRecordLen

type Result struct {
	Protocol Protocol
	// ServerName is the SNI of a TLS stream, empty when the client sent none.
	ServerName string
}

// Stream classifies the stream behind br. A read error, a passed deadline
// included, is returned with a TCP result.
func Stream(br *bufio.Reader) (Result, error) {
	first, err := br.Peek(1)
	if err != nil {
		return Result{Protocol: TCP}, err
	}
	if first[0] == recordTypeHandshake {
		name, ok, err := clientHello(br)
		if err != nil || !ok {
			return Result{Protocol: TCP}, err
		}
		return Result{Protocol: TLS, ServerName: name}, nil
	}
	ok, err := isHTTP(br)
	if err != nil || !ok {
		return Result{Protocol: TCP}, err
	}
	return Result{Protocol: HTTP}, nil
}

// peekLine returns the first line buffered in br without its line ending.
func peekLine(br *bufio.Reader, maxSize int) ([]byte, bool) {
	size := min(maxSize, br.Buffered())
	buf, err := br.Peek(size)
	if err != nil {
		return nil, false
	}
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return nil, false
	}
	return bytes.TrimSuffix(buf[:i], []byte{'\r'}), true
}

