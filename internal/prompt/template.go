package prompt

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
)

// Template is a named prompt body with the placeholder names it declares.
// The body is parsed once and its field references must match the
// declaration exactly.
type Template struct {
	Name         string
	Body         string
	Placeholders []string

	tmpl *template.Template
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

// NewTemplate parses body and checks that the fields it references are the
// declared placeholders.
func NewTemplate(name, body string, placeholders ...string) (*Template, error) {
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	used := map[string]struct{}{}
	collectFields(tmpl.Tree.Root, used)

	declared := map[string]struct{}{}
	for _, p := range placeholders {
		declared[p] = struct{}{}
	}

	var undeclared, unused []string
	for f := range used {
		if _, ok := declared[f]; !ok {
			undeclared = append(undeclared, f)
		}
	}
	for p := range declared {
		if _, ok := used[p]; !ok {
			unused = append(unused, p)
		}
	}
	if len(undeclared) > 0 || len(unused) > 0 {
		sort.Strings(undeclared)
		sort.Strings(unused)
		return nil, fmt.Errorf("template %s: undeclared placeholders %v, unused declarations %v", name, undeclared, unused)
	}

	return &Template{Name: name, Body: body, Placeholders: placeholders, tmpl: tmpl}, nil
}

// MustTemplate is NewTemplate for package-level templates.
func MustTemplate(name, body string, placeholders ...string) *Template {
	t, err := NewTemplate(name, body, placeholders...)
	if err != nil {
		panic(err)
	}
	return t
}

// Render executes the template. Every declared placeholder must be present
// in values.
func (t *Template) Render(values map[string]any) (string, error) {
	for _, p := range t.Placeholders {
		if _, ok := values[p]; !ok {
			return "", fmt.Errorf("template %s: missing value for %s", t.Name, p)
		}
	}
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, values); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", t.Name, err)
	}
	return sb.String(), nil
}

func (t *Template) mustRender(values map[string]any) string {
	out, err := t.Render(values)
	if err != nil {
		panic(err)
	}
	return out
}

// collectFields records top-level field names. Range and with bodies rebind
// dot, so only their pipelines are inspected.
func collectFields(node parse.Node, out map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			collectFields(child, out)
		}
	case *parse.ActionNode:
		collectPipe(n.Pipe, out)
	case *parse.IfNode:
		collectPipe(n.Pipe, out)
		collectFields(n.List, out)
		collectFields(n.ElseList, out)
	case *parse.RangeNode:
		collectPipe(n.Pipe, out)
		collectFields(n.ElseList, out)
	case *parse.WithNode:
		collectPipe(n.Pipe, out)
		collectFields(n.ElseList, out)
	}
}

func collectPipe(pipe *parse.PipeNode, out map[string]struct{}) {
	if pipe == nil {
		return
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			switch a := arg.(type) {
			case *parse.FieldNode:
				out[a.Ident[0]] = struct{}{}
			case *parse.PipeNode:
				collectPipe(a, out)
			}
		}
	}
}
