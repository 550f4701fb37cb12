package notifier

import (
	"html"
	"sort"
	"strings"
)

// Param is one ordered template parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Params keeps insertion order so rendered alerts are reproducible.
type Params []Param

// P builds Params from alternating key/value strings. A trailing key
// without a value is ignored.
func P(kv ...string) Params {
	out := make(Params, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Param{Key: kv[i], Value: kv[i+1]})
	}
	return out
}

// Get returns the last value set for key.
func (p Params) Get(key string) (string, bool) {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i].Key == key {
			return p[i].Value, true
		}
	}
	return "", false
}

// Template is a named plain-text/HTML alert. Placeholders are {{key}};
// {{key?}} renders empty when key is absent.
type Template struct {
	Name    string
	Subject string
	Text    string
	HTML    string
}

// Rendered is a template after substitution.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

const (
	TemplateNoObjectsDetected = "no_objects_detected"
	TemplateDetectionSummary  = "detection_summary"
)

var templates = map[string]Template{
	TemplateNoObjectsDetected: {
		Name:    TemplateNoObjectsDetected,
		Subject: "VisionGuard: no objects detected ({{detectionType}})",
		Text: "Hello,\n\n" +
			"Your {{detectionType}} detection run finished without finding any objects.\n" +
			"If you expected results, check the camera position, lighting or the uploaded file.\n\n" +
			"{{note?}}\n" +
			"-- VisionGuard\n",
		HTML: "<p>Hello,</p>" +
			"<p>Your <b>{{detectionType}}</b> detection run finished without finding any objects.</p>" +
			"<p>If you expected results, check the camera position, lighting or the uploaded file.</p>" +
			"<p>{{note?}}</p>" +
			"<p>&mdash; VisionGuard</p>",
	},
	TemplateDetectionSummary: {
		Name:    TemplateDetectionSummary,
		Subject: "VisionGuard: {{objectCount}} object(s) found ({{detectionType}})",
		Text: "Hello,\n\n" +
			"Your {{detectionType}} detection run finished at {{detectedAt}} and found {{objectCount}} object(s).\n\n" +
			"{{note?}}\n" +
			"-- VisionGuard\n",
		HTML: "<p>Hello,</p>" +
			"<p>Your <b>{{detectionType}}</b> detection run finished at {{detectedAt}} and found <b>{{objectCount}}</b> object(s).</p>" +
			"<p>{{note?}}</p>" +
			"<p>&mdash; VisionGuard</p>",
	},
}

// Templates lists the registered template names, sorted.
func Templates() []string {
	out := make([]string, 0, len(templates))
	for name := range templates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render looks up name and substitutes params into subject and bodies.
func Render(name string, params Params) (Rendered, error) {
	t, ok := templates[name]
	if !ok {
		return Rendered{}, &TemplateError{Template: name, Err: ErrUnknownTemplate}
	}
	subject, err := substitute(t.Name, t.Subject, params, false)
	if err != nil {
		return Rendered{}, err
	}
	text, err := substitute(t.Name, t.Text, params, false)
	if err != nil {
		return Rendered{}, err
	}
	htmlBody, err := substitute(t.Name, t.HTML, params, true)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Subject: subject, Text: text, HTML: htmlBody}, nil
}

func substitute(name, src string, params Params, escape bool) (string, error) {
	var b strings.Builder
	b.Grow(len(src))
	for {
		open := strings.Index(src, "{{")
		if open < 0 {
			b.WriteString(src)
			break
		}
		end := strings.Index(src[open+2:], "}}")
		if end < 0 {
			// Unterminated placeholder is literal text.
			b.WriteString(src)
			break
		}
		b.WriteString(src[:open])
		key := strings.TrimSpace(src[open+2 : open+2+end])
		optional := strings.HasSuffix(key, "?")
		key = strings.TrimSuffix(key, "?")

		v, ok := params.Get(key)
		if !ok && !optional {
			return "", &TemplateError{Template: name, Param: key, Err: ErrMissingParameter}
		}
		if escape {
			v = html.EscapeString(v)
		}
		b.WriteString(v)
		src = src[open+2+end+2:]
	}
	return b.String(), nil
}
