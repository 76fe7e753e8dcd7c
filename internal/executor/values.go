package executor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

// coerceVariableValues coerces variable values according to their types
func coerceVariableValues(
	sch *schema.Schema,
	operation *language.OperationDefinition,
	variableValues map[string]any,
) (map[string]any, error) {
	if variableValues == nil {
		variableValues = make(map[string]any)
	}
	coerced := make(map[string]any)
	for _, varDef := range operation.VariableDefinitions {
		name := varDef.Variable
		t := varDef.Type
		val, ok := variableValues[name]
		if !ok {
			if v2, ok2 := variableValues[strings.TrimPrefix(name, "$")]; ok2 {
				val = v2
				ok = true
			}
		}
		if !ok {
			if varDef.DefaultValue != nil {
				val = astValueToGo(varDef.DefaultValue)
			} else if t.NonNull {
				return nil, fmt.Errorf("variable $%s of required type %s was not provided", name, t.String())
			} else {
				continue
			}
		}
		if val == nil && t.NonNull {
			return nil, fmt.Errorf("variable $%s of type %s cannot be null", name, t.String())
		}
		cv, err := coerceValue(sch, val, typeRefFromAST(t))
		if err != nil {
			return nil, fmt.Errorf("variable $%s of type %s cannot be coerced: %w", name, t.String(), err)
		}
		coerced[name] = cv
	}
	return coerced, nil
}

// coerceArgumentValues coerces argument values for a field. The result is
// never nil.
func coerceArgumentValues(
	state *executionState,
	fieldDef *schema.Field,
	arguments language.ArgumentList,
	path Path,
) map[string]any {
	coerced := make(map[string]any)
	for _, arg := range arguments {
		argDef := fieldDef.ArgumentByName(arg.Name)
		if argDef == nil {
			continue
		}
		if arg.Value != nil && arg.Value.Kind == language.Variable {
			if _, ok := state.variableValues[arg.Value.Raw]; !ok {
				// unset variables fall back to the argument default
				continue
			}
		}
		val := valueFromASTWithVars(arg.Value, state.variableValues)
		cv, err := coerceValue(state.schema, val, argDef.Type)
		if err != nil {
			state.addError(fmt.Sprintf("argument '%s' cannot be coerced: %v", arg.Name, err), path)
			continue
		}
		coerced[arg.Name] = cv
	}
	for _, argDef := range fieldDef.Arguments {
		name := argDef.Name
		if _, ok := coerced[name]; !ok {
			if argDef.DefaultValue != nil {
				coerced[name] = plainValue(argDef.DefaultValue)
			} else if schema.IsNonNull(argDef.Type) {
				state.addError(fmt.Sprintf("argument '%s' of required type was not provided", name), path)
			}
		}
	}
	return coerced
}

// plainValue turns schema default values into request values.
func plainValue(v any) any {
	switch t := v.(type) {
	case schema.EnumLiteral:
		return string(t)
	case int64:
		return int(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = plainValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = plainValue(item)
		}
		return out
	}
	return v
}

// valueFromASTWithVars converts an AST value to a runtime value with variable substitution
func valueFromASTWithVars(value *language.Value, variableValues map[string]any) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case language.Variable:
		name := value.Raw
		if v, ok := variableValues[name]; ok {
			return v
		}
		if v, ok := variableValues[strings.TrimPrefix(name, "$")]; ok {
			return v
		}
		return nil
	default:
		return astValueToGo(value)
	}
}

// astValueToGo converts an AST value to a Go value
func astValueToGo(value *language.Value) any {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case language.IntValue:
		iv, _ := strconv.Atoi(value.Raw)
		return iv
	case language.FloatValue:
		fv, _ := strconv.ParseFloat(value.Raw, 64)
		return fv
	case language.StringValue, language.BlockValue:
		return value.Raw
	case language.BooleanValue:
		return value.Raw == "true"
	case language.NullValue:
		return nil
	case language.EnumValue:
		return value.Raw
	case language.ListValue:
		out := make([]any, len(value.Children))
		for i, c := range value.Children {
			out[i] = astValueToGo(c.Value)
		}
		return out
	case language.ObjectValue:
		m := make(map[string]any)
		for _, f := range value.Children {
			m[f.Name] = astValueToGo(f.Value)
		}
		return m
	default:
		return nil
	}
}

// coerceValue coerces a value to the specified GraphQL type
func coerceValue(sch *schema.Schema, value any, targetType *schema.TypeRef) (any, error) {
	// Handle Non-Null wrapper
	if schema.IsNonNull(targetType) {
		if value == nil {
			return nil, fmt.Errorf("cannot provide null for non-null type")
		}
		return coerceValue(sch, value, schema.Unwrap(targetType))
	}

	// Handle null for nullable types
	if value == nil {
		return nil, nil
	}

	// Handle List wrapper
	if schema.IsList(targetType) {
		return coerceListValue(sch, value, targetType)
	}

	namedType := schema.GetNamedType(targetType)

	if str, ok := value.(string); ok && (namedType == "Int" || namedType == "Float" || namedType == "Boolean") {
		return nil, fmt.Errorf("cannot coerce string %q to %s", str, namedType)
	}

	switch namedType {
	case "Int":
		return coerceToInt(value)
	case "Float":
		return coerceToFloat(value)
	case "String":
		return coerceToString(value)
	case "Boolean":
		return coerceToBoolean(value)
	case "ID":
		return coerceToID(value)
	}

	var typ *schema.Type
	if sch != nil {
		typ = sch.Types[namedType]
	}
	if typ == nil {
		return value, nil
	}
	switch typ.Kind {
	case schema.TypeKindEnum:
		return coerceToEnum(typ, value)
	case schema.TypeKindInputObject:
		return coerceInputObject(sch, typ, value)
	default:
		// custom scalars pass through
		return value, nil
	}
}

func coerceToEnum(typ *schema.Type, value any) (any, error) {
	name, ok := value.(string)
	if !ok {
		if lit, isLit := value.(schema.EnumLiteral); isLit {
			name, ok = string(lit), true
		}
	}
	if !ok {
		return nil, fmt.Errorf("enum %s expects a name, got %T", typ.Name, value)
	}
	for _, v := range typ.EnumValues {
		if v.Name == name {
			return name, nil
		}
	}
	return nil, fmt.Errorf("value %q does not exist in enum %s", name, typ.Name)
}

func coerceInputObject(sch *schema.Schema, typ *schema.Type, value any) (any, error) {
	in, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input object %s expects an object, got %T", typ.Name, value)
	}
	out := make(map[string]any, len(typ.InputFields))
	for key := range in {
		known := false
		for _, f := range typ.InputFields {
			if f.Name == key {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("field %q is not defined by input object %s", key, typ.Name)
		}
	}
	for _, f := range typ.InputFields {
		raw, present := in[f.Name]
		if !present {
			if f.DefaultValue != nil {
				out[f.Name] = plainValue(f.DefaultValue)
			} else if schema.IsNonNull(f.Type) {
				return nil, fmt.Errorf("field %s.%s of required type %s was not provided", typ.Name, f.Name, f.Type)
			}
			continue
		}
		cv, err := coerceValue(sch, raw, f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s.%s: %w", typ.Name, f.Name, err)
		}
		out[f.Name] = cv
	}
	if typ.OneOf && len(out) != 1 {
		return nil, fmt.Errorf("exactly one field must be set on oneOf input object %s", typ.Name)
	}
	return out, nil
}

// coerceListValue coerces a value to a list
func coerceListValue(sch *schema.Schema, value any, listType *schema.TypeRef) (any, error) {
	innerType := schema.Unwrap(listType)
	if slice, ok := value.([]any); ok {
		coercedSlice := make([]any, len(slice))
		for i, item := range slice {
			coercedItem, err := coerceValue(sch, item, innerType)
			if err != nil {
				return nil, err
			}
			coercedSlice[i] = coercedItem
		}
		return coercedSlice, nil
	}

	// Single value becomes a list of one
	coercedItem, err := coerceValue(sch, value, innerType)
	if err != nil {
		return nil, err
	}
	return []any{coercedItem}, nil
}

// Basic scalar coercion functions - improved
func coerceToInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case float32:
		if v == float32(int(v)) {
			return int(v), nil
		}
	case json.Number:
		if intVal, err := v.Int64(); err == nil {
			return int(intVal), nil
		}
	case string:
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to int", value, value)
}

func coerceToFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		if floatVal, err := strconv.ParseFloat(v, 64); err == nil {
			return floatVal, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to float", value, value)
}

func coerceToString(value any) (any, error) {
	if v, ok := value.(string); ok {
		return v, nil
	}
	return fmt.Sprintf("%v", value), nil
}

func coerceToBoolean(value any) (any, error) {
	if v, ok := value.(bool); ok {
		return v, nil
	}
	return nil, fmt.Errorf("cannot coerce %v (%T) to boolean", value, value)
}

func coerceToID(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}
