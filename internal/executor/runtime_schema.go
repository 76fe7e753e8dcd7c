package executor

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	schema "github.com/hanpama/gqlmesh/internal/schema"
	"golang.org/x/sync/errgroup"
)

// SchemaRuntime resolves fields through the resolver slots of a schema.
type SchemaRuntime struct {
	schema *schema.Schema
	limit  int
}

// NewSchemaRuntime returns a runtime over s. Async tasks of one depth run
// concurrently, at most limit at a time when limit > 0.
func NewSchemaRuntime(s *schema.Schema, limit int) *SchemaRuntime {
	return &SchemaRuntime{schema: s, limit: limit}
}

// NewSchemaExecutor is shorthand for an Executor over a SchemaRuntime.
func NewSchemaExecutor(s *schema.Schema) *Executor {
	return NewExecutor(NewSchemaRuntime(s, 0), s)
}

func (r *SchemaRuntime) field(task ResolveTask) (*schema.Field, error) {
	t := r.schema.Types[task.ObjectType]
	if t == nil {
		return nil, fmt.Errorf("unknown type %s", task.ObjectType)
	}
	f := t.FieldByName(task.Field)
	if f == nil {
		return nil, fmt.Errorf("unknown field %s.%s", task.ObjectType, task.Field)
	}
	return f, nil
}

func (r *SchemaRuntime) resolve(ctx context.Context, task ResolveTask) (any, error) {
	f, err := r.field(task)
	if err != nil {
		return nil, err
	}
	resolve := f.Resolve
	if resolve == nil {
		resolve = schema.DefaultResolver
	}
	args := task.Args
	if args == nil {
		args = map[string]any{}
	}
	return resolve(ctx, schema.ResolveParams{Source: task.Source, Args: args, Info: task.Info})
}

func (r *SchemaRuntime) ResolveSync(ctx context.Context, task ResolveTask) (any, error) {
	return r.resolve(ctx, task)
}

func (r *SchemaRuntime) BatchResolveAsync(ctx context.Context, tasks []ResolveTask) []AsyncResolveResult {
	results := make([]AsyncResolveResult, len(tasks))
	if len(tasks) == 1 {
		v, err := r.resolve(ctx, tasks[0])
		results[0] = AsyncResolveResult{Value: v, Error: err}
		return results
	}
	var g errgroup.Group
	if r.limit > 0 {
		g.SetLimit(r.limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			v, err := r.resolve(ctx, task)
			results[i] = AsyncResolveResult{Value: v, Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *SchemaRuntime) Subscribe(ctx context.Context, task ResolveTask) (<-chan any, error) {
	f, err := r.field(task)
	if err != nil {
		return nil, err
	}
	if f.Subscribe == nil {
		return nil, fmt.Errorf("field %s.%s has no subscriber", task.ObjectType, task.Field)
	}
	args := task.Args
	if args == nil {
		args = map[string]any{}
	}
	return f.Subscribe(ctx, schema.ResolveParams{Source: task.Source, Args: args, Info: task.Info})
}

func (r *SchemaRuntime) ResolveType(ctx context.Context, abstractType string, value any, info *schema.ResolveInfo) (string, error) {
	t := r.schema.Types[abstractType]
	if t == nil {
		return "", fmt.Errorf("unknown abstract type %s", abstractType)
	}
	if t.ResolveType != nil {
		return t.ResolveType(ctx, value, info)
	}
	if name, ok := schema.PropertyOf(value, "__typename").(string); ok && name != "" {
		return name, nil
	}
	rt := reflect.TypeOf(value)
	for rt != nil && rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	if rt != nil {
		for _, possible := range t.PossibleTypes {
			if possible == rt.Name() {
				return possible, nil
			}
		}
	}
	if len(t.PossibleTypes) == 1 {
		return t.PossibleTypes[0], nil
	}
	return "", fmt.Errorf("cannot resolve concrete type of %s for value %T", abstractType, value)
}

func (r *SchemaRuntime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	t := r.schema.Types[typeName]
	if t != nil && t.Serialize != nil {
		return t.Serialize(value)
	}
	return SerializeBuiltin(t, typeName, value)
}

// SerializeBuiltin coerces values of the specified scalars and checks enum
// names. Other scalars are returned unchanged.
func SerializeBuiltin(t *schema.Type, typeName string, value any) (any, error) {
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Ptr && !rv.IsNil() {
		value = rv.Elem().Interface()
	}
	switch typeName {
	case "Int":
		v, err := coerceToInt(value)
		if err != nil {
			return nil, fmt.Errorf("Int cannot represent value: %v", value)
		}
		return v, nil
	case "Float":
		v, err := coerceToFloat(value)
		if err != nil {
			return nil, fmt.Errorf("Float cannot represent value: %v", value)
		}
		return v, nil
	case "String":
		switch v := value.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case fmt.Stringer:
			return v.String(), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		return fmt.Sprint(value), nil
	case "Boolean":
		v, err := coerceToBoolean(value)
		if err != nil {
			return nil, fmt.Errorf("Boolean cannot represent value: %v", value)
		}
		return v, nil
	case "ID":
		return coerceToID(value)
	}
	if t != nil && t.Kind == schema.TypeKindEnum {
		name := fmt.Sprint(value)
		for _, ev := range t.EnumValues {
			if ev.Name == name {
				return name, nil
			}
		}
		return nil, fmt.Errorf("enum %s cannot represent value: %v", typeName, value)
	}
	return value, nil
}
