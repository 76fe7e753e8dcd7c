package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	language "github.com/hanpama/gqlmesh/internal/language"
	schema "github.com/hanpama/gqlmesh/internal/schema"
)

type Path []PathElement

// PathElement is a response key (string) or list index (int).
type PathElement = any

type NodeID uint64

// executionState holds the state during query execution
type executionState struct {
	runtime        Runtime
	schema         *schema.Schema
	document       *language.QueryDocument
	operation      *language.OperationDefinition
	rootValue      any
	variableValues map[string]any
	context        context.Context
	asyncTaskGroup []asyncTask
	errors         []GraphQLError
	// simple incremental id generator
	nextID uint64
	// prefixes of paths that have been nullified (tombstoned)
	nullifiedPrefix map[string]struct{}
	// non-null flag of every completed response position
	nonNull map[string]bool
}

// asyncTask represents a pending async field resolution
type asyncTask struct {
	ID           NodeID
	Task         ResolveTask
	ResponsePath Path
	FieldType    *schema.TypeRef
	Fields       []*language.Field
}

type asyncPending struct{}

type Executor struct {
	runtime Runtime
	schema  *schema.Schema
}

func NewExecutor(runtime Runtime, schema *schema.Schema) *Executor {
	return &Executor{runtime: runtime, schema: schema}
}

// Schema returns the schema the executor runs against.
func (e *Executor) Schema() *schema.Schema { return e.schema }

func (e *Executor) ExecuteRequest(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) *ExecutionResult {
	state, rootType, errResult := e.prepare(ctx, document, operationName, variableValues, initialValue)
	if errResult != nil {
		return errResult
	}

	responseRoot := make(map[string]any)

	// Root selection set: sync immediate expansion, async queued
	rootResult := executeSelectionSet(state, rootType, state.operation.SelectionSet, initialValue, Path{})
	for k, v := range rootResult {
		responseRoot[k] = v
	}

	// Depth-wise batch loop
	for len(state.asyncTaskGroup) > 0 {
		filtered, results := flushAsyncTasks(state)
		for i, r := range results {
			completeAsyncField(state, filtered[i], r, responseRoot)
		}
	}

	return &ExecutionResult{Data: responseRoot, Errors: state.errors}
}

// Request is one GraphQL operation to run.
type Request struct {
	Document      *language.QueryDocument
	OperationName string
	Variables     map[string]any
	RootValue     any
}

// Execute runs req. Subscription operations yield a Stream, everything else
// a single Result.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	op := getOperation(req.Document, req.OperationName)
	if op != nil && op.Operation == language.Subscription {
		stream, err := e.Subscribe(ctx, req.Document, req.OperationName, req.Variables, req.RootValue)
		if err != nil {
			return nil, err
		}
		return &Response{Stream: stream}, nil
	}
	return &Response{Result: e.ExecuteRequest(ctx, req.Document, req.OperationName, req.Variables, req.RootValue)}, nil
}

// Subscribe opens the source stream of the operation's single root field and
// executes the operation once per event, with the event as root value. The
// returned channel is closed when the source stream ends or ctx is done.
func (e *Executor) Subscribe(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) (<-chan *ExecutionResult, error) {
	state, rootType, errResult := e.prepare(ctx, document, operationName, variableValues, initialValue)
	if errResult != nil {
		return nil, errResult.Errors[0]
	}
	if state.operation.Operation != language.Subscription {
		return nil, fmt.Errorf("operation %q is a %s, not a subscription", state.operation.Name, state.operation.Operation)
	}

	grouped := collectFields(state, rootType, state.operation.SelectionSet)
	if len(grouped) != 1 {
		return nil, fmt.Errorf("subscription must select exactly one top level field, got %d", len(grouped))
	}
	fields := grouped[0].Fields
	fieldDef := rootType.FieldByName(fields[0].Name)
	if fieldDef == nil {
		return nil, fmt.Errorf("cannot query field '%s' on type '%s'", fields[0].Name, rootType.Name)
	}
	path := Path{grouped[0].ResponseName}
	args := coerceArgumentValues(state, fieldDef, fields[0].Arguments, path)
	if len(state.errors) > 0 {
		return nil, state.errors[0]
	}
	task := ResolveTask{
		ObjectType: rootType.Name,
		Field:      fieldDef.Name,
		Source:     initialValue,
		Args:       args,
		Info:       state.resolveInfo(rootType, fieldDef, fields, path),
	}
	source, err := e.runtime.Subscribe(ctx, task)
	if err != nil {
		return nil, err
	}

	out := make(chan *ExecutionResult)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-source:
				if !ok {
					return
				}
				var res *ExecutionResult
				if evErr, isErr := event.(error); isErr {
					res = &ExecutionResult{Errors: []GraphQLError{{Message: evErr.Error(), Path: path}}}
				} else {
					res = e.ExecuteRequest(ctx, document, operationName, variableValues, event)
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *Executor) prepare(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) (*executionState, *schema.Type, *ExecutionResult) {
	operation := getOperation(document, operationName)
	if operation == nil {
		return nil, nil, ErrorResult("operation not found")
	}

	coercedVariableValues, err := coerceVariableValues(e.schema, operation, variableValues)
	if err != nil {
		return nil, nil, ErrorResult(err.Error())
	}

	var rootType *schema.Type
	switch operation.Operation {
	case language.Query:
		rootType = e.schema.GetQueryType()
	case language.Mutation:
		rootType = e.schema.GetMutationType()
	case language.Subscription:
		rootType = e.schema.GetSubscriptionType()
	default:
		return nil, nil, ErrorResult(fmt.Sprintf("unsupported operation type: %s", operation.Operation))
	}

	if rootType == nil {
		return nil, nil, ErrorResult(fmt.Sprintf("root type not found for %s operation", operation.Operation))
	}

	state := &executionState{
		runtime:         e.runtime,
		schema:          e.schema,
		document:        document,
		operation:       operation,
		rootValue:       initialValue,
		variableValues:  coercedVariableValues,
		context:         ctx,
		asyncTaskGroup:  []asyncTask{},
		errors:          []GraphQLError{},
		nextID:          1,
		nullifiedPrefix: make(map[string]struct{}),
		nonNull:         make(map[string]bool),
	}
	return state, rootType, nil
}

// executeSelectionSet executes a selection set without flushing
func executeSelectionSet(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, objectValue any, path Path) map[string]any {
	resultMap := make(map[string]any)

	for _, group := range collectFields(state, objectType, selectionSet) {
		responseName := group.ResponseName
		fields := group.Fields
		fieldPath := appendPath(path, responseName)

		fieldResult := executeFieldGroup(state, objectType, objectValue, fields, fieldPath)

		// Handle __typename special case
		if fields[0].Name == "__typename" {
			resultMap[responseName] = fieldResult
			continue
		}

		fieldDef := objectType.FieldByName(fields[0].Name)
		if fieldDef == nil {
			// Unknown field, error was already recorded in executeFieldGroup
			continue
		}

		if _, pending := fieldResult.(asyncPending); pending {
			resultMap[responseName] = fieldResult
			continue
		}

		// Handle non-null child behavior with nullish detection
		if schema.IsNonNull(fieldDef.Type) && isNullish(fieldResult) {
			if len(path) > 0 {
				return nil
			}
			// Root level: keep going but write nil
			resultMap[responseName] = nil
			continue
		}

		// For nullable fields, coerce typed-nil to interface-nil
		if isNullish(fieldResult) {
			resultMap[responseName] = nil
		} else {
			resultMap[responseName] = fieldResult
		}
	}

	return resultMap
}

func executeFieldGroup(state *executionState, objectType *schema.Type, objectValue any, fields []*language.Field, path Path) any {
	field := fields[0]
	fieldName := field.Name

	// Handle __typename meta field
	if fieldName == "__typename" {
		return objectType.Name
	}

	fieldDef := objectType.FieldByName(fieldName)
	if fieldDef == nil {
		state.addFieldError(fmt.Sprintf("Cannot query field '%s' on type '%s'", fieldName, objectType.Name), path, field)
		return nil
	}

	argumentValues := coerceArgumentValues(state, fieldDef, field.Arguments, path)
	task := ResolveTask{
		ObjectType: objectType.Name,
		Field:      fieldName,
		Source:     objectValue,
		Args:       argumentValues,
		Info:       state.resolveInfo(objectType, fieldDef, fields, path),
	}

	if !fieldDef.Async {
		resolvedValue, err := state.runtime.ResolveSync(state.context, task)
		if err != nil {
			state.addResolverError(err, path, field)
			resolvedValue = nil
		}
		return completeValue(state, fieldDef.Type, fields, resolvedValue, path)
	}

	id := NodeID(state.nextID)
	state.nextID++
	state.asyncTaskGroup = append(state.asyncTaskGroup, asyncTask{
		ID:           id,
		Task:         task,
		ResponsePath: path,
		FieldType:    fieldDef.Type,
		Fields:       fields,
	})
	return asyncPending{}
}

func (state *executionState) resolveInfo(parent *schema.Type, fieldDef *schema.Field, fields []*language.Field, path Path) *schema.ResolveInfo {
	p := make([]any, len(path))
	copy(p, path)
	return &schema.ResolveInfo{
		FieldName:      fieldDef.Name,
		FieldNodes:     fields,
		ReturnType:     fieldDef.Type,
		ParentType:     parent,
		Path:           p,
		Schema:         state.schema,
		Fragments:      state.document.Fragments,
		RootValue:      state.rootValue,
		Operation:      state.operation,
		VariableValues: state.variableValues,
	}
}

// flushAsyncTasks flushes tasks and returns results (filtered by tombstones)
func flushAsyncTasks(state *executionState) ([]asyncTask, []AsyncResolveResult) {
	filtered := make([]asyncTask, 0, len(state.asyncTaskGroup))
	for _, at := range state.asyncTaskGroup {
		if state.hasNullifiedPrefix(at.ResponsePath) {
			continue
		}
		filtered = append(filtered, at)
	}

	tasks := make([]ResolveTask, len(filtered))
	for i, at := range filtered {
		tasks[i] = at.Task
	}

	// Clear group before executing
	state.asyncTaskGroup = nil

	if len(tasks) == 0 {
		return nil, nil
	}
	results := state.runtime.BatchResolveAsync(state.context, tasks)
	if len(results) != len(tasks) {
		padded := make([]AsyncResolveResult, len(tasks))
		copy(padded, results)
		for i := len(results); i < len(tasks); i++ {
			padded[i] = AsyncResolveResult{Error: fmt.Errorf("runtime returned %d results for %d tasks", len(results), len(tasks))}
		}
		results = padded
	}
	return filtered, results
}

// completeAsyncField completes a single async result, with non-null propagation and pruning
func completeAsyncField(state *executionState, at asyncTask, res AsyncResolveResult, responseRoot map[string]any) {
	path := at.ResponsePath
	// If this path is already nullified by an ancestor, ignore
	if state.hasNullifiedPrefix(path) {
		return
	}

	if res.Error != nil {
		state.addResolverError(res.Error, path, at.Fields[0])
		if schema.IsNonNull(at.FieldType) {
			state.nullify(responseRoot, path)
			return
		}
		setValueAtPath(responseRoot, path, nil)
		return
	}

	completed := completeValue(state, at.FieldType, at.Fields, res.Value, path)

	if schema.IsNonNull(at.FieldType) && isNullish(completed) {
		state.nullify(responseRoot, path)
		return
	}

	if isNullish(completed) {
		setValueAtPath(responseRoot, path, nil)
	} else {
		setValueAtPath(responseRoot, path, completed)
	}
}

// nullify writes null at the nearest nullable ancestor of a non-null position
// and tombstones it. Top level fields are written as null.
func (state *executionState) nullify(responseRoot map[string]any, path Path) {
	target := path
	for len(target) > 1 {
		parent := target[:len(target)-1]
		if !state.nonNull[pathToString(parent)] {
			target = parent
			break
		}
		target = parent
	}
	setValueAtPath(responseRoot, target, nil)
	state.markNullifiedPrefix(target)
}

// completeValue completes a value
func completeValue(state *executionState, fieldType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	state.nonNull[pathToString(path)] = schema.IsNonNull(fieldType)
	return completeValueOf(state, fieldType, fields, result, path)
}

func completeValueOf(state *executionState, fieldType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	if schema.IsNonNull(fieldType) {
		if isNullish(result) {
			if !state.hasErrorAtPath(path) {
				state.addFieldError(fmt.Sprintf("Cannot return null for non-nullable field %s", pathToString(path)), path, fields[0])
			}
			return nil
		}
		completed := completeValueOf(state, schema.Unwrap(fieldType), fields, result, path)
		if isNullish(completed) {
			return nil
		}
		return completed
	}

	if isNullish(result) {
		return nil
	}

	if schema.IsList(fieldType) {
		return completeListValue(state, fieldType, fields, result, path)
	}
	namedType := schema.GetNamedType(fieldType)
	typeObj := state.schema.Types[namedType]
	if typeObj == nil {
		state.addError(fmt.Sprintf("Unknown type: %s", namedType), path)
		return nil
	}

	switch typeObj.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		serialized, err := state.runtime.SerializeLeafValue(state.context, namedType, result)
		if err != nil {
			state.addFieldError(err.Error(), path, fields[0])
			return nil
		}
		return serialized
	case schema.TypeKindObject:
		return completeObjectValue(state, typeObj, fields, result, path)
	case schema.TypeKindInterface, schema.TypeKindUnion:
		return completeAbstractValue(state, typeObj, fields, result, path)
	default:
		state.addError(fmt.Sprintf("Cannot complete value of unexpected type: %s", typeObj.Kind), path)
		return nil
	}
}

// completeListValue completes a list value
func completeListValue(state *executionState, listType *schema.TypeRef, fields []*language.Field, result any, path Path) any {
	var items []any
	if direct, ok := result.([]any); ok {
		items = direct
	} else {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			state.addFieldError(fmt.Sprintf("Expected list value, got %T", result), path, fields[0])
			return nil
		}
		items = make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
	}

	inner := schema.Unwrap(listType)
	completed := make([]any, len(items))
	for i, item := range items {
		p := appendPath(path, i)
		v := completeValue(state, inner, fields, item, p)
		if schema.IsNonNull(inner) && isNullish(v) {
			// Propagate null to the list field; error already recorded by inner completion
			return nil
		}
		completed[i] = v
	}
	return completed
}

func completeObjectValue(state *executionState, objectType *schema.Type, fields []*language.Field, result any, path Path) any {
	sub := mergeSelectionSets(fields)
	return executeSelectionSet(state, objectType, sub, result, path)
}

func completeAbstractValue(state *executionState, abstractType *schema.Type, fields []*language.Field, result any, path Path) any {
	info := &schema.ResolveInfo{
		FieldName:      fields[0].Name,
		FieldNodes:     fields,
		Path:           append([]any(nil), path...),
		Schema:         state.schema,
		Fragments:      state.document.Fragments,
		RootValue:      state.rootValue,
		Operation:      state.operation,
		VariableValues: state.variableValues,
	}
	typeName, err := state.runtime.ResolveType(state.context, abstractType.Name, result, info)
	if err != nil {
		state.addFieldError(err.Error(), path, fields[0])
		return nil
	}
	objectType := state.schema.Types[typeName]
	if objectType == nil || objectType.Kind != schema.TypeKindObject {
		state.addError(fmt.Sprintf("Abstract type %s must resolve to an Object type at runtime. Got: %s", abstractType.Name, typeName), path)
		return nil
	}
	return completeObjectValue(state, objectType, fields, result, path)
}

func pathToString(path Path) string {
	var b strings.Builder
	for i, elem := range path {
		switch v := elem.(type) {
		case string:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(v)
		case int:
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(v))
			b.WriteByte(']')
		}
	}
	return b.String()
}

func appendPath(path Path, elem PathElement) Path {
	newPath := make(Path, len(path)+1)
	copy(newPath, path)
	newPath[len(path)] = elem
	return newPath
}

// Prefix tombstone helpers
func (state *executionState) markNullifiedPrefix(p Path) {
	key := pathToString(p)
	if key != "" {
		state.nullifiedPrefix[key] = struct{}{}
	}
}

func (state *executionState) hasNullifiedPrefix(p Path) bool {
	if len(state.nullifiedPrefix) == 0 {
		return false
	}
	for i := 1; i <= len(p); i++ {
		if _, ok := state.nullifiedPrefix[pathToString(p[:i])]; ok {
			return true
		}
	}
	return false
}

// getOperation retrieves the operation from the document
func getOperation(document *language.QueryDocument, operationName string) *language.OperationDefinition {
	if document == nil {
		return nil
	}
	return language.OperationByName(document, operationName)
}

func typeRefFromAST(t *language.Type) *schema.TypeRef {
	return schema.TypeRefFromAST(t)
}

func (state *executionState) addError(message string, path Path) {
	state.errors = append(state.errors, GraphQLError{Message: message, Path: path})
}

// addFieldError records an error located at the field node.
func (state *executionState) addFieldError(message string, path Path, field *language.Field) {
	gqlErr := GraphQLError{Message: message, Path: path}
	if field != nil && field.Position != nil {
		gqlErr.Locations = []Location{{Line: field.Position.Line, Column: field.Position.Column}}
	}
	state.errors = append(state.errors, gqlErr)
}

// ExtendedError is implemented by resolver errors carrying GraphQL error
// extensions.
type ExtendedError interface {
	error
	Extensions() map[string]any
}

// addResolverError records a resolver failure, keeping the extensions of the
// first ExtendedError in its chain.
func (state *executionState) addResolverError(err error, path Path, field *language.Field) {
	state.addFieldError(err.Error(), path, field)
	var ext ExtendedError
	if errors.As(err, &ext) {
		state.errors[len(state.errors)-1].Extensions = ext.Extensions()
	}
}

// hasErrorAtPath reports whether an error with the given path already exists.
func (state *executionState) hasErrorAtPath(path Path) bool {
	for _, err := range state.errors {
		if reflect.DeepEqual(err.Path, path) {
			return true
		}
	}
	return false
}

// Helper function to set value at a specific path in response tree
func setValueAtPath(responseRoot map[string]any, path Path, value any) {
	if len(path) == 0 {
		return
	}
	current := any(responseRoot)
	for _, elem := range path[:len(path)-1] {
		switch e := elem.(type) {
		case string:
			m, ok := current.(map[string]any)
			if !ok {
				return
			}
			next, exists := m[e]
			if !exists || next == nil {
				// ancestor already nulled
				return
			}
			current = next
		case int:
			slice, ok := current.([]any)
			if !ok || e >= len(slice) || slice[e] == nil {
				return
			}
			current = slice[e]
		}
	}
	switch fe := path[len(path)-1].(type) {
	case string:
		if m, ok := current.(map[string]any); ok {
			m[fe] = value
		}
	case int:
		if slice, ok := current.([]any); ok && fe < len(slice) {
			slice[fe] = value
		}
	}
}

// mergeSelectionSets merges selection sets from multiple fields
func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	var merged language.SelectionSet
	for _, f := range fields {
		merged = append(merged, f.SelectionSet...)
	}
	return merged
}

// isNullish returns true for nil interfaces and typed nils (map, slice, ptr, interface)
func isNullish(v any) bool {
	if v == nil {
		return true
	}
	if _, pending := v.(asyncPending); pending {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return rv.IsNil()
	default:
		return false
	}
}
