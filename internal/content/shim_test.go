package content

import (
	"strings"
	"testing"
)

func TestRenderShim(t *testing.T) {
	out := renderShim("/proxy/cam")

	if !strings.HasPrefix(out, `<script data-gateway-shim="`+ShimVersion+`">`) {
		t.Errorf("missing marker: %.60s", out)
	}
	if !strings.Contains(out, `var base = "/proxy/cam";`) {
		t.Error("base path not rendered")
	}
	if strings.Contains(out, "{{") {
		t.Error("unrendered placeholder left in shim")
	}
}

func TestRenderShim_EscapesBasePath(t *testing.T) {
	out := renderShim(`/proxy/x</script><script>alert(1)`)
	if n := strings.Count(out, "</script>"); n != 1 {
		t.Errorf("base path broke out of the script element (%d closing tags)", n)
	}
}

func TestInjectShim(t *testing.T) {
	doc := "<html><body><p>x</p></body></html>"
	once := injectShim(doc, "/proxy/cam")
	if !strings.HasSuffix(once, "</script></body></html>") {
		t.Errorf("shim misplaced: %s", once)
	}
	if twice := injectShim(once, "/proxy/cam"); twice != once {
		t.Error("second injection changed the document")
	}
}

func TestInjectShim_LastBodyClose(t *testing.T) {
	doc := `<body><script>var s = "</body>";</script></body>`
	out := injectShim(doc, "/p")
	if !strings.HasSuffix(out, "</script></body>") {
		t.Errorf("shim not before last </body>: %s", out)
	}
	if !strings.HasPrefix(out, `<body><script>var s = "</body>";</script><script data-gateway-shim`) {
		t.Errorf("earlier </body> was used: %s", out)
	}
}
