package sniff

import (
	"bufio"
	"encoding/binary"
)

const (
	recordTypeHandshake   = 0x16
	handshakeClientHello  = 0x01
	extensionServerName   = 0x0000
	serverNameTypeHost    = 0x00
	recordHeaderLen       = 5
	maxRecordLen          = 1 << 14
	maxHostnameLen        = 253
	clientRandomAndVerLen = 34
)

// clientHello peeks a TLS record and reports whether it holds a ClientHello,
// along with its SNI.
func clientHello(br *bufio.Reader) (string, bool, error) {
	header, err := br.Peek(recordHeaderLen)
	if err != nil {
		return "", false, err
	}
	if header[0] != recordTypeHandshake || header[1] != 0x03 || header[2] < 0x01 || header[2] > 0x04 {
		return "", false, nil
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	if recordLen == 0 || recordLen > maxRecordLen {
		return "", false, nil
	}
	data, err := br.Peek(recordHeaderLen + recordLen)
	if err != nil {
		return "", false, err
	}
	body := data[recordHeaderLen:]
	if body[0] != handshakeClientHello {
		return "", false, nil
	}
	return serverName(body), true, nil
}

// serverName walks a ClientHello handshake message to the SNI extension.
func serverName(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	hsLen := int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	data = data[4:min(len(data), 4+hsLen)]

	pos := clientRandomAndVerLen
	if pos >= len(data) {
		return ""
	}
	// session id
	pos += 1 + int(data[pos])
	if pos+2 > len(data) {
		return ""
	}
	// cipher suites
	pos += 2 + int(binary.BigEndian.Uint16(data[pos:]))
	if pos >= len(data) {
		return ""
	}
	// compression methods
	pos += 1 + int(data[pos])
	if pos+2 > len(data) {
		return ""
	}
	end := min(len(data), pos+2+int(binary.BigEndian.Uint16(data[pos:])))
	pos += 2

	for pos+4 <= end {
		extType := binary.BigEndian.Uint16(data[pos:])
		extLen := int(binary.BigEndian.Uint16(data[pos+2:]))
		pos += 4
		if pos+extLen > end {
			break
		}
		if extType == extensionServerName {
			return parseServerNameList(data[pos : pos+extLen])
		}
		pos += extLen
	}
	return ""
}

func parseServerNameList(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	end := min(len(data), 2+int(binary.BigEndian.Uint16(data)))
	pos := 2
	for pos+3 <= end {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1:]))
		pos += 3
		if pos+nameLen > end {
			break
		}
		if name := string(data[pos : pos+nameLen]); nameType == serverNameTypeHost && validHostname(name) {
			return name
		}
		pos += nameLen
	}
	return ""
}

func validHostname(host string) bool {
	if host == "" || len(host) > maxHostnameLen {
		return false
	}
	for _, c := range host {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}
