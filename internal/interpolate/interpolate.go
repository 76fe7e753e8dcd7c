// Package interpolate evaluates string templates such as
// "User:{args.id}" or "Bearer {context.token}" against resolver data.
package interpolate

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Template is a parsed string template. Placeholders are {path} where the
// first path segment names a top level data key and the rest is a gjson path
// into it.
type Template struct {
	raw   string
	parts []part
}

type part struct {
	text string
	path string // set for placeholders
}

// Parse parses s. Literal braces are not supported.
func Parse(s string) (Template, error) {
	t := Template{raw: s}
	for rest := s; rest != ""; {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return Template{}, fmt.Errorf("template %q: unmatched '}'", s)
			}
			t.parts = append(t.parts, part{text: rest})
			break
		}
		if strings.IndexByte(rest[:open], '}') >= 0 {
			return Template{}, fmt.Errorf("template %q: unmatched '}'", s)
		}
		if open > 0 {
			t.parts = append(t.parts, part{text: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return Template{}, fmt.Errorf("template %q: unclosed '{'", s)
		}
		path := strings.TrimSpace(rest[open+1 : open+end])
		if path == "" || strings.ContainsRune(path, '{') {
			return Template{}, fmt.Errorf("template %q: invalid placeholder", s)
		}
		t.parts = append(t.parts, part{path: path})
		rest = rest[open+end+1:]
	}
	return t, nil
}

// MustParse is Parse that panics on error.
func MustParse(s string) Template {
	t, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t Template) String() string { return t.raw }

// IsStatic reports whether the template has no placeholders.
func (t Template) IsStatic() bool {
	for _, p := range t.parts {
		if p.path != "" {
			return false
		}
	}
	return true
}

// Paths returns the placeholder paths in order of appearance.
func (t Template) Paths() []string {
	var out []string
	for _, p := range t.parts {
		if p.path != "" {
			out = append(out, p.path)
		}
	}
	return out
}

// Execute renders the template. Placeholders that resolve to nothing render
// as the empty string.
func (t Template) Execute(data map[string]any) string {
	var b strings.Builder
	for _, p := range t.parts {
		if p.path == "" {
			b.WriteString(p.text)
			continue
		}
		b.WriteString(Lookup(data, p.path))
	}
	return b.String()
}

// Lookup resolves one placeholder path against data.
func Lookup(data map[string]any, path string) string {
	head, rest, _ := strings.Cut(path, ".")
	v, ok := data[head]
	if !ok || v == nil {
		return ""
	}
	if rest == "" {
		return format(v)
	}
	if env, ok := v.(map[string]string); ok {
		return env[rest]
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	res := gjson.GetBytes(raw, rest)
	if !res.Exists() || res.Type == gjson.Null {
		return ""
	}
	return res.String()
}

func format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return gjson.ParseBytes(raw).String()
}

// Env returns the process environment as a map.
func Env() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// Headers renders every value template of headers.
func Headers(headers map[string]Template, data map[string]any) map[string]string {
	out := make(map[string]string, len(headers))
	for k, t := range headers {
		out[k] = t.Execute(data)
	}
	return out
}

// ParseHeaders parses a header name to template map.
func ParseHeaders(headers map[string]string) (map[string]Template, error) {
	out := make(map[string]Template, len(headers))
	for k, v := range headers {
		t, err := Parse(v)
		if err != nil {
			return nil, fmt.Errorf("header %s: %w", k, err)
		}
		out[k] = t
	}
	return out, nil
}
