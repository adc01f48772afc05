// Package content decides how device responses are delivered and rewrites
// textual payloads so that every URL they contain routes through the gateway.
package content

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"robot-gateway/internal/model"
)

// SniffLen is how many leading body bytes Classify inspects when the device
// sends no Content-Type.
const SniffLen = 512

// streamTypes are media types relayed incrementally. A trailing "/" matches a
// whole top-level type.
var streamTypes = []string{
	"multipart/x-mixed-replace",
	"multipart/mixed",
	"text/event-stream",
	"application/x-mpegurl",
	"application/vnd.apple.mpegurl",
	"video/",
}

// binaryTypes are media types passed through without rewriting.
var binaryTypes = []string{
	"application/octet-stream",
	"application/wasm",
	"application/zip",
	"application/gzip",
	"application/x-gzip",
	"application/x-tar",
	"application/pdf",
	"application/font",
	"application/x-font",
	"application/vnd.ms-fontobject",
	"image/",
	"audio/",
	"font/",
}

// MediaType returns the lower-cased media type of a Content-Type value
// without parameters.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// IsStream reports whether a response must be relayed incrementally: chunked
// transfer or a streaming media type.
func IsStream(contentType string, transferEncoding []string) bool {
	for _, te := range transferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return matchesAny(MediaType(contentType), streamTypes)
}

// Classify chooses the delivery strategy for a device response. Streaming
// wins over binary, binary over text. sniff holds the first bytes of the body
// and is only consulted when contentType is empty.
func Classify(contentType string, transferEncoding []string, sniff []byte) model.ContentClass {
	if IsStream(contentType, transferEncoding) {
		return model.ClassStream
	}

	mt := MediaType(contentType)
	if mt == "" && len(sniff) > 0 {
		mt = MediaType(mimetype.Detect(sniff).String())
	}
	if matchesAny(mt, binaryTypes) {
		return model.ClassBinary
	}
	return model.ClassText
}

func matchesAny(mt string, types []string) bool {
	if mt == "" {
		return false
	}
	for _, t := range types {
		if strings.HasSuffix(t, "/") {
			if strings.HasPrefix(mt, t) {
				return true
			}
			continue
		}
		if mt == t || strings.HasPrefix(mt, t+"-") || strings.HasPrefix(mt, t+"+") {
			return true
		}
	}
	return false
}

// kind is the rewrite dialect of a textual body.
type kind int

const (
	kindOther kind = iota
	kindHTML
	kindCSS
	kindJS
)

func textKind(contentType string) kind {
	switch mt := MediaType(contentType); {
	case mt == "" || mt == "text/html" || mt == "application/xhtml+xml":
		// Embedded web servers often omit the header on their index page.
		return kindHTML
	case mt == "text/css":
		return kindCSS
	case strings.Contains(mt, "javascript") || strings.Contains(mt, "ecmascript"):
		return kindJS
	default:
		return kindOther
	}
}
