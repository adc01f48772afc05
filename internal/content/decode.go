package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/htmlindex"
)

// ErrDecode is returned when a textual body cannot be decoded. Callers fall
// back to passing the original bytes through untouched.
var ErrDecode = errors.New("content decode failed")

// DetectType sniffs a media type from the leading bytes of a body.
func DetectType(sniff []byte) string {
	return mimetype.Detect(sniff).String()
}

// DecodeContentEncoding undoes a gzip or deflate Content-Encoding. limit caps
// the decoded size; exceeding it is a decode failure.
func DecodeContentEncoding(body []byte, encoding string, limit int64) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %w", ErrDecode, err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = fr.Close() }()
		r = fr
	default:
		return nil, fmt.Errorf("%w: unsupported content-encoding %q", ErrDecode, encoding)
	}

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: decoded body exceeds %d bytes", ErrDecode, limit)
	}
	return out, nil
}

// DecodeText converts body to a UTF-8 string. The charset comes from the
// Content-Type header, a BOM or an HTML meta tag; when none is certain, valid
// UTF-8 is taken as is and anything else goes through statistical detection.
func DecodeText(body []byte, contentType string) (string, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)

	// An uncertain windows-1252 is the prescan default, not a meta declaration.
	if !certain && (name == "windows-1252" || name == "utf-8") {
		if utf8.Valid(body) {
			return strings.TrimPrefix(string(body), "\uFEFF"), nil
		}
		detected, err := chardet.NewTextDetector().DetectBest(body)
		if err != nil || detected == nil {
			return "", fmt.Errorf("%w: charset detection failed", ErrDecode)
		}
		e, err := htmlindex.Get(detected.Charset)
		if err != nil {
			return "", fmt.Errorf("%w: unknown charset %q", ErrDecode, detected.Charset)
		}
		enc, name = e, detected.Charset
	}

	if strings.EqualFold(name, "utf-8") {
		if !utf8.Valid(body) {
			return "", fmt.Errorf("%w: invalid utf-8", ErrDecode)
		}
		return strings.TrimPrefix(string(body), "\uFEFF"), nil
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrDecode, name, err)
	}
	return string(out), nil
}
