package activity

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru"

	"github.com/petrijr/fluxgraph/pkg/api"
)

const defaultProgramCacheSize = 512

// Evaluator compiles and runs expr-lang expressions. Compiled programs are
// kept in an LRU cache keyed by source, so edge conditions evaluated on
// every step are compiled once per process.
type Evaluator struct {
	programs *lru.Cache
}

// NewEvaluator returns an evaluator caching up to size programs.
func NewEvaluator(size int) *Evaluator {
	if size <= 0 {
		size = defaultProgramCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Evaluator{programs: cache}
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	if p, ok := e.programs.Get(src); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(src)
	if err != nil {
		return nil, &api.NodeError{
			Kind:    api.KindValidation,
			Message: fmt.Sprintf("invalid expression %q: %v", src, err),
			Err:     err,
		}
	}
	e.programs.Add(src, program)
	return program, nil
}

// Compile checks that src is a valid expression.
func (e *Evaluator) Compile(src string) error {
	_, err := e.compile(src)
	return err
}

// Eval runs src against env. Unknown identifiers evaluate to nil.
func (e *Evaluator) Eval(src string, env map[string]any) (any, error) {
	program, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", src, err)
	}
	return out, nil
}

// EvalBool runs src and reports whether the result is truthy.
func (e *Evaluator) EvalBool(src string, env map[string]any) (bool, error) {
	out, err := e.Eval(src, env)
	if err != nil {
		return false, err
	}
	return Truthy(out), nil
}

// Truthy converts any value to a boolean: zero numbers, empty strings,
// "false", empty collections and nil are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && strings.ToLower(t) != "false"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// toSlice converts lists of any element type to []any.
func toSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []any:
		return t, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// toInt accepts the numeric shapes produced by JSON, YAML and expr.
func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case int32:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}
