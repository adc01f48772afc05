package content

import (
	"html"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"

	"robot-gateway/internal/config"
)

const (
	quote    = "['\"`]"
	notQuote = "[^'\"`]"
)

var (
	cssURL    = regexp.MustCompile(`(url\(\s*)(['"]?)([^'")\s]+)(['"]?)(\s*\))`)
	cssImport = regexp.MustCompile(`(@import\s+)(['"])([^'"]+)(['"])`)

	jsFetch       = regexp.MustCompile(`(\bfetch\(\s*)(` + quote + `)(` + notQuote + `*)(` + quote + `)`)
	jsOpen        = regexp.MustCompile(`(\.open\(\s*['"][A-Za-z]+['"]\s*,\s*)(` + quote + `)(` + notQuote + `*)(` + quote + `)`)
	jsWebSocket   = regexp.MustCompile(`(\bnew\s+WebSocket\(\s*)(` + quote + `)(` + notQuote + `*)(` + quote + `)`)
	jsEventSource = regexp.MustCompile(`(\bnew\s+EventSource\(\s*)(` + quote + `)(` + notQuote + `*)(` + quote + `)`)

	absoluteURL = regexp.MustCompile("\\b(?:https?|wss?)://[^\\s\"'`<>()\\\\]+")
)

// urlAttrs are HTML attributes whose value is a single URL.
var urlAttrs = map[string]bool{
	"src":        true,
	"href":       true,
	"action":     true,
	"poster":     true,
	"data":       true,
	"formaction": true,
	"xlink:href": true,
}

// Rewriter rewrites textual device responses so that every URL they contain
// routes back through the gateway. It holds no per-request state and is safe
// for concurrent use.
type Rewriter struct {
	enabled    bool
	injectShim bool
	maxBytes   int64
	apiLiteral *regexp.Regexp
}

// NewRewriter builds a Rewriter from the rewrite section of the config.
func NewRewriter(cfg config.RewriteConfig) *Rewriter {
	rw := &Rewriter{
		enabled:    !cfg.Disabled,
		injectShim: !cfg.SkipShim,
		maxBytes:   cfg.MaxBytes,
	}
	if len(cfg.APIPrefixes) > 0 {
		alts := make([]string, len(cfg.APIPrefixes))
		for i, p := range cfg.APIPrefixes {
			alts[i] = regexp.QuoteMeta(p)
		}
		rw.apiLiteral = regexp.MustCompile(`()(` + quote + `)((?:` + strings.Join(alts, "|") + `)` + notQuote + `*)(` + quote + `)`)
	}
	return rw
}

// Enabled reports whether textual responses are rewritten at all.
func (rw *Rewriter) Enabled() bool {
	return rw.enabled
}

// MaxBytes is the largest body the rewriter accepts. Larger bodies are
// passed through untouched.
func (rw *Rewriter) MaxBytes() int64 {
	return rw.maxBytes
}

// Rewrite decodes body according to contentType and applies the rules for
// its dialect: HTML attributes and inline code, CSS references, script network
// calls, or device-absolute URLs for any other text. HTML documents also get
// the runtime shim. The result is always UTF-8. Rewriting already rewritten
// output is a no-op. A body that cannot be decoded yields ErrDecode.
func (rw *Rewriter) Rewrite(body []byte, contentType string, t Target) ([]byte, error) {
	text, err := DecodeText(body, contentType)
	if err != nil {
		return nil, err
	}

	switch textKind(contentType) {
	case kindHTML:
		text = rw.rewriteHTML(text, t)
		if rw.injectShim {
			text = injectShim(text, t.BasePath)
		}
	case kindCSS:
		text = rewriteCSS(text, t)
	case kindJS:
		text = rw.rewriteJS(text, t)
	default:
		text = rewriteAbsolute(text, t)
	}
	return []byte(text), nil
}

type attr struct {
	key, val string
}

func (rw *Rewriter) rewriteHTML(doc string, t Target) string {
	z := xhtml.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	b.Grow(len(doc) + len(doc)/8)

	consumed := 0
	rawParent := "" // script or style while inside one
	skipRaw := false

	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			break
		}
		raw := string(z.Raw())
		consumed += len(raw)

		switch tt {
		case xhtml.TextToken:
			switch {
			case rawParent == "" || skipRaw:
				b.WriteString(raw)
			case rawParent == "script":
				b.WriteString(rw.rewriteJS(raw, t))
			default:
				b.WriteString(rewriteCSS(raw, t))
			}

		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			var attrs []attr
			changed, shim := false, false
			for hasAttr {
				var k, v []byte
				k, v, hasAttr = z.TagAttr()
				a := attr{key: string(k), val: string(v)}
				if a.key == shimMarker {
					shim = true
				}
				if nv, ok := rw.rewriteAttr(a.key, a.val, t); ok {
					a.val = nv
					changed = true
				}
				attrs = append(attrs, a)
			}
			if changed && !shim {
				b.WriteString(buildTag(tag, attrs, tt == xhtml.SelfClosingTagToken))
			} else {
				b.WriteString(raw)
			}
			if tt == xhtml.StartTagToken && (tag == "script" || tag == "style") {
				rawParent, skipRaw = tag, shim
			}

		case xhtml.EndTagToken:
			if name, _ := z.TagName(); string(name) == rawParent {
				rawParent, skipRaw = "", false
			}
			b.WriteString(raw)

		default:
			b.WriteString(raw)
		}
	}

	if consumed < len(doc) {
		b.WriteString(doc[consumed:])
	}
	return b.String()
}

func (rw *Rewriter) rewriteAttr(key, val string, t Target) (string, bool) {
	switch {
	case urlAttrs[key]:
		return t.mapURL(strings.TrimSpace(val))
	case key == "style":
		out := rewriteCSS(val, t)
		return out, out != val
	case strings.HasPrefix(key, "on"):
		out := rw.rewriteJS(val, t)
		return out, out != val
	}
	return val, false
}

func buildTag(name string, attrs []attr, selfClosing bool) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(name)
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(a.key)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(a.val))
		b.WriteByte('"')
	}
	if selfClosing {
		b.WriteString(" /")
	}
	b.WriteByte('>')
	return b.String()
}

func rewriteCSS(src string, t Target) string {
	src = replaceMatches(cssURL, src, quoted(t.mapURL))
	return replaceMatches(cssImport, src, quoted(t.mapURL))
}

func (rw *Rewriter) rewriteJS(src string, t Target) string {
	src = replaceMatches(jsFetch, src, quoted(t.mapURL))
	src = replaceMatches(jsOpen, src, quoted(t.mapURL))
	src = replaceMatches(jsWebSocket, src, quoted(t.mapSocketURL))
	src = replaceMatches(jsEventSource, src, quoted(t.mapURL))
	if rw.apiLiteral != nil {
		src = replaceMatches(rw.apiLiteral, src, quoted(t.mapURL))
	}
	return rewriteAbsolute(src, t)
}

// rewriteAbsolute captures device-absolute URLs anywhere in the text.
func rewriteAbsolute(src string, t Target) string {
	return replaceMatches(absoluteURL, src, func(g []string) (string, bool) {
		if strings.HasPrefix(g[0], "ws") {
			return t.mapSocketURL(g[0])
		}
		return t.mapURL(g[0])
	})
}

// quoted adapts a URL mapper to patterns shaped as
// (prefix)(open quote)(url)(close quote)[(suffix)]. Mismatched quotes are
// left alone.
func quoted(mapper func(string) (string, bool)) func([]string) (string, bool) {
	return func(g []string) (string, bool) {
		if g[2] != g[4] {
			return "", false
		}
		mapped, ok := mapper(g[3])
		if !ok {
			return "", false
		}
		return g[1] + g[2] + mapped + strings.Join(g[4:], ""), true
	}
}

// replaceMatches calls fn with the submatches of every match of re and
// substitutes its result when fn reports a change.
func replaceMatches(re *regexp.Regexp, s string, fn func(groups []string) (string, bool)) string {
	locs := re.FindAllStringSubmatchIndex(s, -1)
	if len(locs) == 0 {
		return s
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = s[loc[2*i]:loc[2*i+1]]
			}
		}
		out, ok := fn(groups)
		if !ok {
			continue
		}
		b.WriteString(s[last:loc[0]])
		b.WriteString(out)
		last = loc[1]
	}
	if last == 0 {
		return s
	}
	b.WriteString(s[last:])
	return b.String()
}
