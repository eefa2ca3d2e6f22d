package proxy

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// resourceTypes maps Sec-Fetch-Dest to the resource types rules filter on.
var resourceTypes = map[string]string{
	"document":      "main_frame",
	"iframe":        "sub_frame",
	"frame":         "sub_frame",
	"script":        "script",
	"worker":        "script",
	"sharedworker":  "script",
	"serviceworker": "script",
	"style":         "stylesheet",
	"image":         "image",
	"font":          "font",
	"audio":         "media",
	"video":         "media",
	"track":         "media",
	"object":        "object",
	"embed":         "object",
	"manifest":      "web_manifest",
	"report":        "csp_report",
	"empty":         "xmlhttprequest",
	"xslt":          "xslt",
}

// resourceType classifies a request the way a browser would report it.
// Clients that send no Sec-Fetch-Dest are treated as loading a document when
// they accept HTML.
func resourceType(req *http.Request) string {
	if dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest")); dest != "" {
		if t, ok := resourceTypes[dest]; ok {
			return t
		}
		return "other"
	}
	if req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html") {
		return "main_frame"
	}
	return "other"
}

func isFrame(resourceType string) bool {
	return resourceType == "main_frame" || resourceType == "sub_frame"
}

// originURL is the document that caused the request. Referer carries the
// full URL; Origin only the scheme and host.
func originURL(req *http.Request) string {
	if ref := req.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil && u.Host != "" {
			return u.String()
		}
	}
	if origin := req.Header.Get("Origin"); origin != "" && origin != "null" {
		return strings.TrimSuffix(origin, "/") + "/"
	}
	return ""
}

func isHTML(h http.Header) bool {
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
