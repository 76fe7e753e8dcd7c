package schema

// RenameTypes renames types in place according to mapping (old -> new),
// rewriting every reference to them including root operation names.
func (s *Schema) RenameTypes(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	rename := func(name string) string {
		if n, ok := mapping[name]; ok {
			return n
		}
		return name
	}
	renameRef := func(ref *TypeRef) {
		for r := ref; r != nil; r = r.OfType {
			if r.Named != "" {
				r.Named = rename(r.Named)
			}
		}
	}
	renameInputs := func(vs []*InputValue) {
		for _, v := range vs {
			renameRef(v.Type)
		}
	}

	types := make(map[string]*Type, len(s.Types))
	for _, t := range s.Types {
		t.Name = rename(t.Name)
		for _, f := range t.Fields {
			renameRef(f.Type)
			renameInputs(f.Arguments)
		}
		renameInputs(t.InputFields)
		for i, n := range t.Interfaces {
			t.Interfaces[i] = rename(n)
		}
		for i, n := range t.PossibleTypes {
			t.PossibleTypes[i] = rename(n)
		}
		types[t.Name] = t
	}
	s.Types = types
	for _, d := range s.Directives {
		renameInputs(d.Arguments)
	}
	s.QueryType = rename(s.QueryType)
	s.MutationType = rename(s.MutationType)
	s.SubscriptionType = rename(s.SubscriptionType)
}

// RemoveUnreachableTypes drops object, interface, union, enum and input
// types that are not reachable from a root type or a directive argument.
// Custom scalars are kept.
func (s *Schema) RemoveUnreachableTypes() {
	seen := make(map[string]bool)
	var visit func(name string)
	visitRef := func(ref *TypeRef) { visit(ref.GetNamedType()) }
	visit = func(name string) {
		t := s.Types[name]
		if t == nil || seen[name] {
			return
		}
		seen[name] = true
		for _, f := range t.Fields {
			visitRef(f.Type)
			for _, a := range f.Arguments {
				visitRef(a.Type)
			}
		}
		for _, v := range t.InputFields {
			visitRef(v.Type)
		}
		for _, n := range t.Interfaces {
			visit(n)
		}
		for _, n := range t.PossibleTypes {
			visit(n)
		}
	}
	for _, root := range []string{s.QueryType, s.MutationType, s.SubscriptionType} {
		visit(root)
	}
	for _, d := range s.Directives {
		for _, a := range d.Arguments {
			visitRef(a.Type)
		}
	}
	// Implementations of reachable interfaces stay reachable.
	for changed := true; changed; {
		changed = false
		for name, t := range s.Types {
			if seen[name] || t.Kind != TypeKindObject {
				continue
			}
			for _, iface := range t.Interfaces {
				if seen[iface] {
					visit(name)
					changed = true
					break
				}
			}
		}
	}
	for name, t := range s.Types {
		if !seen[name] && t.Kind != TypeKindScalar {
			delete(s.Types, name)
		}
	}
	for _, t := range s.Types {
		if t.Kind == TypeKindInterface || t.Kind == TypeKindUnion {
			kept := t.PossibleTypes[:0]
			for _, n := range t.PossibleTypes {
				if s.Types[n] != nil {
					kept = append(kept, n)
				}
			}
			t.PossibleTypes = kept
		}
	}
}
