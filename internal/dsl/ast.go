package dsl

import (
	"fmt"
	"strings"
)

// NodeType represents the type of a node in the AST.
type NodeType int

const (
	// BinaryNode is an infix operation; Children holds [left, right].
	BinaryNode NodeType = iota
	// NumberNode is a numeric literal.
	NumberNode
	// StringNode is a string literal.
	StringNode
	// BooleanNode is true or false.
	BooleanNode
	// NullNode is the null literal.
	NullNode
	// IdentifierNode is a free identifier resolved by the environment.
	IdentifierNode
	// AccessNode is a property access; Children holds [target], Value the
	// property name.
	AccessNode
	// ArrayNode is an array literal; Children holds the elements.
	ArrayNode
)

// String returns the string representation of a NodeType.
func (nt NodeType) String() string {
	switch nt {
	case BinaryNode:
		return "Binary"
	case NumberNode:
		return "Number"
	case StringNode:
		return "String"
	case BooleanNode:
		return "Boolean"
	case NullNode:
		return "Null"
	case IdentifierNode:
		return "Identifier"
	case AccessNode:
		return "Access"
	case ArrayNode:
		return "Array"
	default:
		return "Unknown"
	}
}

// Node is a node in the abstract syntax tree.
type Node struct {
	Type     NodeType
	Op       string  // operator lexeme for BinaryNode
	Value    string  // identifier name, string payload, bool lexeme or access property
	Num      float64 // numeric payload for NumberNode
	Children []*Node
	Line     int // position in source, for error reporting
	Column   int
}

// String renders the AST for debugging.
func (n *Node) String() string {
	var sb strings.Builder
	n.print(0, &sb)
	return sb.String()
}

func (n *Node) print(depth int, sb *strings.Builder) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	label := n.Value
	switch n.Type {
	case BinaryNode:
		label = n.Op
	case NumberNode:
		label = fmt.Sprintf("%g", n.Num)
	}
	sb.WriteString(fmt.Sprintf("%s%s: %q\n", indent, n.Type.String(), label))
	for _, child := range n.Children {
		child.print(depth+1, sb)
	}
}

// ParseError is a lexical or syntactic error with its source position.
type ParseError struct {
	Line    int
	Column  int
	Message string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d, column %d: %s", e.Line, e.Column, e.Message)
}
