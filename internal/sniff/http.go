package sniff

import (
	"bufio"
	"bytes"
)

var methods = [...]string{
	"GET", "POST", "HEAD", "CONNECT", "PUT", "DELETE", "OPTIONS", "PATCH", "TRACE",
}

const (
	minMethodLen = 3
	maxMethodLen = 7
	maxLineLen   = 128
)

type node struct {
	next map[byte]*node
	end  bool
}

var methodTrie = func() *node {
	root := &node{next: make(map[byte]*node)}
	for _, m := range methods {
		n := root
		for i := 0; i < len(m); i++ {
			c := m[i]
			if n.next[c] == nil {
				n.next[c] = &node{next: make(map[byte]*node)}
			}
			n = n.next[c]
		}
		n.end = true
	}
	return root
}()

// beginsWithMethod walks the method trie over as few peeked bytes as it can.
func beginsWithMethod(br *bufio.Reader) (bool, error) {
	n := methodTrie
	seen := 0
	for size := minMethodLen; size <= maxMethodLen; size++ {
		buf, err := br.Peek(size)
		if err != nil {
			return false, err
		}
		for ; seen < len(buf); seen++ {
			next, ok := n.next[buf[seen]]
			if !ok {
				return false, nil
			}
			n = next
			if n.end {
				return true, nil
			}
		}
	}
	return false, nil
}

// isHTTP reports whether br starts with an HTTP/1.x request line. When the
// line is not buffered yet the method alone decides.
func isHTTP(br *bufio.Reader) (bool, error) {
	ok, err := beginsWithMethod(br)
	if err != nil || !ok {
		return false, err
	}
	line, complete := peekLine(br, maxLineLen)
	if !complete {
		return true, nil
	}
	fields := bytes.Fields(line)
	if len(fields) != 3 {
		return true, nil
	}
	proto := string(fields[2])
	return proto == "HTTP/1.1" || proto == "HTTP/1.0", nil
}
