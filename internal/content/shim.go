package content

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/valyala/fasttemplate"
)

// ShimVersion identifies the injected runtime script; bump it with shim.js.
const ShimVersion = "1"

// shimMarker tags the injected script element so it is injected once and
// never rewritten.
const shimMarker = "data-gateway-shim"

//go:embed shim.js
var shimSource string

var shimTemplate = fasttemplate.New(shimSource, "{{", "}}")

// renderShim returns the script element carrying the runtime shim for basePath.
func renderShim(basePath string) string {
	// json.Marshal escapes <, > and & so the value is safe inside <script>.
	quoted, _ := json.Marshal(basePath)
	body := shimTemplate.ExecuteString(map[string]any{"base_path": string(quoted)})
	return `<script ` + shimMarker + `="` + ShimVersion + `">` + body + `</script>`
}

// injectShim places the shim before the last closing body tag, or at the end
// of the document when there is none. Documents that already carry the shim
// are returned unchanged.
func injectShim(doc, basePath string) string {
	if strings.Contains(doc, shimMarker) {
		return doc
	}
	script := renderShim(basePath)
	if i := strings.LastIndex(strings.ToLower(doc), "</body"); i >= 0 {
		return doc[:i] + script + doc[i:]
	}
	return doc + script
}
