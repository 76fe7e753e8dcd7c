package language

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ParseSelectionSet parses a bare selection set such as "{ id name }".
// The surrounding braces are optional.
func ParseSelectionSet(source string) (SelectionSet, error) {
	src := strings.TrimSpace(source)
	if !strings.HasPrefix(src, "{") {
		src = "{" + src + "}"
	}
	doc, err := ParseQuery(src)
	if err != nil {
		return nil, err
	}
	if len(doc.Operations) != 1 {
		return nil, fmt.Errorf("selection set %q must parse to a single anonymous operation", source)
	}
	return doc.Operations[0].SelectionSet, nil
}

// Print renders a query document back to GraphQL source.
func Print(doc *QueryDocument) string {
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return buf.String()
}

// OperationByName returns the operation called name, or the sole operation of
// the document when name is empty. It returns nil when no operation matches
// or when name is empty and the document holds zero or several operations.
func OperationByName(doc *QueryDocument, name string) *OperationDefinition {
	if doc == nil {
		return nil
	}
	if name == "" {
		if len(doc.Operations) == 1 {
			return doc.Operations[0]
		}
		return nil
	}
	return doc.Operations.ForName(name)
}

// CopySelectionSet deep copies the selection nodes of ss. Values and
// directives are shared; they are never rewritten in place.
func CopySelectionSet(ss SelectionSet) SelectionSet {
	if ss == nil {
		return nil
	}
	out := make(SelectionSet, 0, len(ss))
	for _, sel := range ss {
		switch s := sel.(type) {
		case *Field:
			cp := *s
			cp.SelectionSet = CopySelectionSet(s.SelectionSet)
			out = append(out, &cp)
		case *InlineFragment:
			cp := *s
			cp.SelectionSet = CopySelectionSet(s.SelectionSet)
			out = append(out, &cp)
		case *FragmentSpread:
			cp := *s
			out = append(out, &cp)
		}
	}
	return out
}

// ResponseKey returns the alias of f, or its name.
func ResponseKey(f *Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// MergeSelectionSets appends the selections of extra to base, skipping
// fields whose response key base already selects without sub-selections and
// merging sub-selections of fields selected by both.
func MergeSelectionSets(base, extra SelectionSet) SelectionSet {
	out := CopySelectionSet(base)
	for _, sel := range extra {
		f, ok := sel.(*Field)
		if !ok {
			out = append(out, CopySelectionSet(SelectionSet{sel})...)
			continue
		}
		var existing *Field
		for _, o := range out {
			if of, ok := o.(*Field); ok && ResponseKey(of) == ResponseKey(f) && of.Name == f.Name {
				existing = of
				break
			}
		}
		if existing == nil {
			out = append(out, CopySelectionSet(SelectionSet{f})...)
			continue
		}
		if len(f.SelectionSet) > 0 {
			existing.SelectionSet = MergeSelectionSets(existing.SelectionSet, f.SelectionSet)
		}
	}
	return out
}
