package proxy

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingIdentity = "identity"
	encodingGzip     = "gzip"
	encodingDeflate  = "deflate"
	encodingZstd     = "zstd"
)

// normalizeEncoding reports the single Content-Encoding of a body and
// whether it can be decoded. Stacked encodings are not supported.
func normalizeEncoding(encoding string) (string, bool) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	switch encoding {
	case "", encodingIdentity:
		return encodingIdentity, true
	case encodingGzip, "x-gzip":
		return encodingGzip, true
	case encodingDeflate:
		return encodingDeflate, true
	case encodingZstd:
		return encodingZstd, true
	default:
		return encoding, false
	}
}

// restrictAcceptEncoding drops the codings of an Accept-Encoding value that
// the proxy cannot decode, so every response body stays filterable.
func restrictAcceptEncoding(value string) string {
	var kept []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		coding, _, _ := strings.Cut(part, ";")
		if coding = strings.TrimSpace(coding); coding == "" {
			continue
		}
		if _, ok := normalizeEncoding(coding); ok || coding == "*" {
			if coding == "*" {
				// a wildcard would admit br
				part = strings.Replace(part, "*", "gzip", 1)
			}
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

// decodeBody reads r and undoes encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	normalized, ok := normalizeEncoding(encoding)
	if !ok {
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	switch normalized {
	case encodingGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case encodingDeflate:
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		// deflate is usually zlib wrapped but some servers send raw DEFLATE
		if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
			defer zr.Close()
			if out, err := io.ReadAll(zr); err == nil {
				return out, nil
			}
		}
		fr := flate.NewReader(bytes.NewReader(raw))
		defer fr.Close()
		return io.ReadAll(fr)
	case encodingZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(r)
	}
}

// encodeBody compresses data with encoding. It is the inverse of decodeBody
// and is used by tests and upstream fixtures.
func encodeBody(data []byte, encoding string) ([]byte, error) {
	normalized, ok := normalizeEncoding(encoding)
	if !ok {
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	switch normalized {
	case encodingGzip:
		w = gzip.NewWriter(&buf)
	case encodingDeflate:
		w = zlib.NewWriter(&buf)
	case encodingZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = zw
	default:
		return data, nil
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
