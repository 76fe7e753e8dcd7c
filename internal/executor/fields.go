package executor

import (
	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// fieldGroup is one response key and every selection merged into it.
type fieldGroup struct {
	ResponseName string
	Fields       []*language.Field
}

// fieldCollector groups the selections of one object type by response key,
// in first-seen order.
type fieldCollector struct {
	state   *executionState
	object  *schema.Type
	groups  []fieldGroup
	byName  map[string]int
	visited map[string]struct{}
}

// collectFields flattens fragments and applies @skip and @include.
func collectFields(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet) []fieldGroup {
	c := &fieldCollector{
		state:   state,
		object:  objectType,
		byName:  map[string]int{},
		visited: map[string]struct{}{},
	}
	c.collect(selectionSet)
	return c.groups
}

func (c *fieldCollector) collect(selectionSet language.SelectionSet) {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			if c.included(sel.Directives) {
				c.add(sel)
			}
		case *language.InlineFragment:
			if c.included(sel.Directives) && fragmentApplies(c.state.schema, c.object, sel.TypeCondition) {
				c.collect(sel.SelectionSet)
			}
		case *language.FragmentSpread:
			if !c.included(sel.Directives) {
				continue
			}
			if _, seen := c.visited[sel.Name]; seen {
				continue
			}
			c.visited[sel.Name] = struct{}{}
			def := c.state.document.Fragments.ForName(sel.Name)
			if def == nil || !fragmentApplies(c.state.schema, c.object, def.TypeCondition) || !c.included(def.Directives) {
				continue
			}
			c.collect(def.SelectionSet)
		}
	}
}

func (c *fieldCollector) add(field *language.Field) {
	key := field.Alias
	if key == "" {
		key = field.Name
	}
	if i, ok := c.byName[key]; ok {
		c.groups[i].Fields = append(c.groups[i].Fields, field)
		return
	}
	c.byName[key] = len(c.groups)
	c.groups = append(c.groups, fieldGroup{ResponseName: key, Fields: []*language.Field{field}})
}

// included evaluates @skip(if:) and @include(if:). Arguments that are not
// booleans leave the selection in place.
func (c *fieldCollector) included(directives language.DirectiveList) bool {
	if v, ok := c.directiveIf(directives, "skip"); ok && v {
		return false
	}
	if v, ok := c.directiveIf(directives, "include"); ok && !v {
		return false
	}
	return true
}

func (c *fieldCollector) directiveIf(directives language.DirectiveList, name string) (value, ok bool) {
	d := directives.ForName(name)
	if d == nil {
		return false, false
	}
	arg := d.Arguments.ForName("if")
	if arg == nil {
		return false, false
	}
	value, ok = valueFromASTWithVars(arg.Value, c.state.variableValues).(bool)
	return value, ok
}

// fragmentApplies reports whether a fragment on typeCondition selects fields
// of objectType.
func fragmentApplies(sch *schema.Schema, objectType *schema.Type, typeCondition string) bool {
	if typeCondition == "" || typeCondition == objectType.Name {
		return true
	}
	for _, iface := range objectType.Interfaces {
		if iface == typeCondition {
			return true
		}
	}
	cond := sch.Types[typeCondition]
	if cond == nil || !cond.IsAbstract() {
		return false
	}
	for _, possible := range cond.PossibleTypes {
		if possible == objectType.Name {
			return true
		}
	}
	return false
}
