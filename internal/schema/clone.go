package schema

// Clone returns a deep copy of the schema. Resolver slots are shared by
// reference; wrapping a slot on the copy leaves the original untouched.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	out := &Schema{
		QueryType:        s.QueryType,
		MutationType:     s.MutationType,
		SubscriptionType: s.SubscriptionType,
		Description:      s.Description,
		Types:            make(map[string]*Type, len(s.Types)),
		Directives:       make(map[string]*Directive, len(s.Directives)),
	}
	for name, t := range s.Types {
		out.Types[name] = t.Clone()
	}
	for name, d := range s.Directives {
		out.Directives[name] = d.Clone()
	}
	return out
}

func (t *Type) Clone() *Type {
	out := &Type{
		Name:           t.Name,
		Kind:           t.Kind,
		Description:    t.Description,
		Interfaces:     append([]string(nil), t.Interfaces...),
		PossibleTypes:  append([]string(nil), t.PossibleTypes...),
		SpecifiedByURL: t.SpecifiedByURL,
		OneOf:          t.OneOf,
		ResolveType:    t.ResolveType,
		Serialize:      t.Serialize,
	}
	for _, f := range t.Fields {
		out.Fields = append(out.Fields, f.Clone())
	}
	for _, v := range t.EnumValues {
		ev := *v
		out.EnumValues = append(out.EnumValues, &ev)
	}
	for _, v := range t.InputFields {
		out.InputFields = append(out.InputFields, v.Clone())
	}
	return out
}

func (f *Field) Clone() *Field {
	out := &Field{
		Name:              f.Name,
		Description:       f.Description,
		Type:              f.Type.Clone(),
		Async:             f.Async,
		IsDeprecated:      f.IsDeprecated,
		DeprecationReason: f.DeprecationReason,
		Resolve:           f.Resolve,
		Subscribe:         f.Subscribe,
	}
	for _, a := range f.Arguments {
		out.Arguments = append(out.Arguments, a.Clone())
	}
	f.mu.Lock()
	if len(f.wrapped) > 0 {
		out.wrapped = make(map[string]struct{}, len(f.wrapped))
		for tag := range f.wrapped {
			out.wrapped[tag] = struct{}{}
		}
	}
	f.mu.Unlock()
	return out
}

func (v *InputValue) Clone() *InputValue {
	out := *v
	out.Type = v.Type.Clone()
	return &out
}

func (d *Directive) Clone() *Directive {
	out := &Directive{
		Name:         d.Name,
		Description:  d.Description,
		Locations:    append([]string(nil), d.Locations...),
		IsRepeatable: d.IsRepeatable,
	}
	for _, a := range d.Arguments {
		out.Arguments = append(out.Arguments, a.Clone())
	}
	return out
}

func (t *TypeRef) Clone() *TypeRef {
	if t == nil {
		return nil
	}
	return &TypeRef{Kind: t.Kind, Named: t.Named, OfType: t.OfType.Clone()}
}
