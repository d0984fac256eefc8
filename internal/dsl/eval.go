package dsl

import (
	"fmt"
)

// Env supplies values for free identifiers. Identifiers the environment
// does not know should resolve to null; that convention is what lets
// segment rules reference traits that have never been computed.
type Env interface {
	Resolve(name string) Value
}

// MapEnv is an Env backed by a map. Missing keys resolve to null.
type MapEnv map[string]Value

// Resolve implements Env.
func (m MapEnv) Resolve(name string) Value {
	if v, ok := m[name]; ok {
		return v
	}
	return Null()
}

// EmptyEnv resolves every identifier to null.
var EmptyEnv = MapEnv(nil)

// EvalError is a runtime type error raised during evaluation. Callers
// apply their own policy: traits store null, segments store false, flags
// deny with a reason.
type EvalError struct {
	Line    int
	Column  int
	Message string
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}

// Evaluate parses and evaluates source against env in one step.
func Evaluate(input string, env Env) (Value, error) {
	node, err := Parse(input)
	if err != nil {
		return Null(), err
	}
	return Eval(node, env)
}

// Eval evaluates a parsed expression against env.
func Eval(node *Node, env Env) (Value, error) {
	switch node.Type {
	case NumberNode:
		return Number(node.Num), nil
	case StringNode:
		return String(node.Value), nil
	case BooleanNode:
		return Bool(node.Value == "true"), nil
	case NullNode:
		return Null(), nil
	case IdentifierNode:
		return env.Resolve(node.Value), nil
	case AccessNode:
		return evalAccess(node, env)
	case ArrayNode:
		elems := make([]Value, 0, len(node.Children))
		for _, child := range node.Children {
			v, err := Eval(child, env)
			if err != nil {
				return Null(), err
			}
			elems = append(elems, v)
		}
		return Array(elems), nil
	case BinaryNode:
		return evalBinary(node, env)
	default:
		return Null(), evalErrorf(node, "unknown node type %v", node.Type)
	}
}

func evalAccess(node *Node, env Env) (Value, error) {
	target, err := Eval(node.Children[0], env)
	if err != nil {
		return Null(), err
	}
	// Access on null propagates null; a missing property is null too.
	if target.IsNull() {
		return Null(), nil
	}
	if target.Kind() != ObjectKind {
		return Null(), evalErrorf(node, "cannot access property %q on %s", node.Value, target.Kind())
	}
	field, ok := target.Field(node.Value)
	if !ok {
		return Null(), nil
	}
	return field, nil
}

func evalBinary(node *Node, env Env) (Value, error) {
	// Short-circuit operators evaluate the right side only when needed.
	switch node.Op {
	case "&&":
		left, err := Eval(node.Children[0], env)
		if err != nil {
			return Null(), err
		}
		if !left.Truthy() {
			return Bool(false), nil
		}
		right, err := Eval(node.Children[1], env)
		if err != nil {
			return Null(), err
		}
		return Bool(right.Truthy()), nil

	case "||":
		left, err := Eval(node.Children[0], env)
		if err != nil {
			return Null(), err
		}
		if left.Truthy() {
			return Bool(true), nil
		}
		right, err := Eval(node.Children[1], env)
		if err != nil {
			return Null(), err
		}
		return Bool(right.Truthy()), nil
	}

	left, err := Eval(node.Children[0], env)
	if err != nil {
		return Null(), err
	}
	right, err := Eval(node.Children[1], env)
	if err != nil {
		return Null(), err
	}

	switch node.Op {
	case "==":
		return Bool(left.StrictEquals(right)), nil
	case "!=":
		return Bool(!left.StrictEquals(right)), nil
	case ">", "<", ">=", "<=":
		ln, err := left.AsNumberStrict()
		if err != nil {
			return Null(), evalErrorf(node, "left side of %q: %v", node.Op, err)
		}
		rn, err := right.AsNumberStrict()
		if err != nil {
			return Null(), evalErrorf(node, "right side of %q: %v", node.Op, err)
		}
		switch node.Op {
		case ">":
			return Bool(ln > rn), nil
		case "<":
			return Bool(ln < rn), nil
		case ">=":
			return Bool(ln >= rn), nil
		default:
			return Bool(ln <= rn), nil
		}
	case "in":
		if right.Kind() != ArrayKind {
			return Null(), evalErrorf(node, "right side of 'in' must be an array, got %s", right.Kind())
		}
		for _, elem := range right.Elems() {
			if left.StrictEquals(elem) {
				return Bool(true), nil
			}
		}
		return Bool(false), nil
	default:
		return Null(), evalErrorf(node, "unknown operator %q", node.Op)
	}
}

func evalErrorf(node *Node, format string, args ...interface{}) error {
	return &EvalError{
		Line:    node.Line,
		Column:  node.Column,
		Message: fmt.Sprintf(format, args...),
	}
}
