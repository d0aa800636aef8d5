package flow

import (
	"fmt"
	"maps"
	"strings"
	"text/template"
)

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
}

// view is the data every catalog template is rendered against.
type view struct {
	Business string
	Fields   map[string]string
	Settings map[string]string
}

// Field returns a collected field, or "" when it has not been collected.
func (v view) Field(name string) string {
	return v.Fields[name]
}

func (v view) with(fields map[string]string) view {
	v.Fields = fields
	return v
}

// tmpl is a compiled catalog text. A missing field or setting is a render error.
type tmpl struct {
	src string
	t   *template.Template
}

func compile(name, src string) (*tmpl, error) {
	t, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return &tmpl{src: src, t: t}, nil
}

func compileAll(name string, srcs []string) ([]*tmpl, error) {
	out := make([]*tmpl, 0, len(srcs))
	for i, src := range srcs {
		t, err := compile(fmt.Sprintf("%s[%d]", name, i), src)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// compileOptional returns nil for an empty source.
func compileOptional(name, src string) (*tmpl, error) {
	if src == "" {
		return nil, nil
	}
	return compile(name, src)
}

func (t *tmpl) render(v view) (string, error) {
	if t == nil {
		return "", nil
	}
	var sb strings.Builder
	if err := t.t.Execute(&sb, v); err != nil {
		return "", fmt.Errorf("render %s: %w", t.t.Name(), err)
	}
	return sb.String(), nil
}

func renderAll(ts []*tmpl, v view) ([]string, error) {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		s, err := t.render(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func cloneFields(m map[string]string) map[string]string {
	c := maps.Clone(m)
	if c == nil {
		c = make(map[string]string)
	}
	return c
}
