package querycache

import (
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprCompiler compiles query text with expr. Expressions only see the
// variables below and expr's builtins; they cannot reach the file system,
// the network or arbitrary functions.
//
//	db          the model
//	arg0..argN  positional arguments, typed
//	args        all arguments as a list
//
// Example: filter(db.Customers, {.Name startsWith arg0})[0].Name
type ExprCompiler struct {
	// Options are appended to the compile options for every query.
	Options []expr.Option
}

var _ Compiler = (*ExprCompiler)(nil)

func (c *ExprCompiler) Compile(text string, modelType reflect.Type, argTypes []reflect.Type) (CompiledQuery, error) {
	if modelType == nil {
		return nil, fmt.Errorf("model type is required")
	}
	typeEnv := make(map[string]interface{}, len(argTypes)+2)
	typeEnv["db"] = reflect.Zero(modelType).Interface()
	typeEnv["args"] = []any{}
	for i, t := range argTypes {
		typeEnv[argName(i)] = reflect.Zero(t).Interface()
	}

	opts := append([]expr.Option{expr.Env(typeEnv)}, c.Options...)
	program, err := expr.Compile(text, opts...)
	if err != nil {
		return nil, err
	}
	return runner(program, len(argTypes)), nil
}

func runner(program *vm.Program, arity int) CompiledQuery {
	return func(model any, args []any) (any, error) {
		if len(args) != arity {
			return nil, fmt.Errorf("query compiled for %d arguments, got %d", arity, len(args))
		}
		env := make(map[string]interface{}, arity+2)
		env["db"] = model
		env["args"] = args
		for i, a := range args {
			env[argName(i)] = a
		}
		return expr.Run(program, env)
	}
}

func argName(i int) string {
	return fmt.Sprintf("arg%d", i)
}
