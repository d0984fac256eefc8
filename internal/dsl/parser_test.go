package dsl

import (
	"errors"
	"strings"
	"testing"
)

// =============================================================================
// Basic Parsing Tests
// =============================================================================

func TestParse_SimpleComparison(t *testing.T) {
	node, err := Parse(`events.app_open.count_7d >= 5`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if node.Type != BinaryNode || node.Op != ">=" {
		t.Fatalf("expected >= at root, got %v %q", node.Type, node.Op)
	}

	left := node.Children[0]
	if left.Type != AccessNode || left.Value != "count_7d" {
		t.Errorf("expected access to count_7d, got %v %q", left.Type, left.Value)
	}

	inner := left.Children[0]
	if inner.Type != AccessNode || inner.Value != "app_open" {
		t.Errorf("expected access to app_open, got %v %q", inner.Type, inner.Value)
	}

	if inner.Children[0].Type != IdentifierNode || inner.Children[0].Value != "events" {
		t.Errorf("expected identifier events at chain root, got %q", inner.Children[0].Value)
	}
}

func TestParse_Precedence(t *testing.T) {
	// || binds loosest, then &&, then comparisons.
	node, err := Parse(`a == 1 && b == 2 || c == 3`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if node.Op != "||" {
		t.Fatalf("expected || at root, got %q", node.Op)
	}
	if node.Children[0].Op != "&&" {
		t.Errorf("expected && on left of ||, got %q", node.Children[0].Op)
	}
	if node.Children[1].Op != "==" {
		t.Errorf("expected == on right of ||, got %q", node.Children[1].Op)
	}
}

func TestParse_ChainedComparisonIsLeftAssociative(t *testing.T) {
	// a == b == c parses as ((a == b) == c). Documented behavior, not an
	// error.
	node, err := Parse(`a == b == c`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if node.Op != "==" {
		t.Fatalf("expected == at root, got %q", node.Op)
	}
	inner := node.Children[0]
	if inner.Type != BinaryNode || inner.Op != "==" {
		t.Fatalf("expected nested == on the left, got %v %q", inner.Type, inner.Op)
	}
	if inner.Children[0].Value != "a" || inner.Children[1].Value != "b" {
		t.Errorf("inner comparison should be a == b")
	}
	if node.Children[1].Value != "c" {
		t.Errorf("outer right side should be c, got %q", node.Children[1].Value)
	}
}

func TestParse_ArrayLiteral(t *testing.T) {
	node, err := Parse(`plan in ["pro", "enterprise"]`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if node.Op != "in" {
		t.Fatalf("expected in at root, got %q", node.Op)
	}
	arr := node.Children[1]
	if arr.Type != ArrayNode || len(arr.Children) != 2 {
		t.Fatalf("expected 2-element array, got %v with %d children", arr.Type, len(arr.Children))
	}
	if arr.Children[0].Value != "pro" || arr.Children[1].Value != "enterprise" {
		t.Errorf("unexpected array elements: %q %q", arr.Children[0].Value, arr.Children[1].Value)
	}
}

func TestParse_EmptyArray(t *testing.T) {
	node, err := Parse(`x in []`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(node.Children[1].Children) != 0 {
		t.Errorf("expected empty array")
	}
}

func TestParse_StringEscapes(t *testing.T) {
	node, err := Parse(`name == "say \"hi\"\n"`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	got := node.Children[1].Value
	want := "say \"hi\"\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestParse_NonASCIIStringLiteral(t *testing.T) {
	node, err := Parse(`city == "münchen"`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := node.Children[1].Value; got != "münchen" {
		t.Errorf("multi-byte literal mangled: got %q", got)
	}

	node, err = Parse(`"café ☕"`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if node.Value != "café ☕" {
		t.Errorf("multi-byte literal mangled: got %q", node.Value)
	}
}

func TestParse_Grouping(t *testing.T) {
	node, err := Parse(`(a || b) && c`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if node.Op != "&&" {
		t.Fatalf("expected && at root, got %q", node.Op)
	}
	if node.Children[0].Op != "||" {
		t.Errorf("expected grouped || on left, got %q", node.Children[0].Op)
	}
}

func TestParse_Literals(t *testing.T) {
	tests := []struct {
		expr string
		typ  NodeType
	}{
		{`42`, NumberNode},
		{`3.25`, NumberNode},
		{`"hello"`, StringNode},
		{`true`, BooleanNode},
		{`false`, BooleanNode},
		{`null`, NullNode},
	}
	for _, tt := range tests {
		node, err := Parse(tt.expr)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.expr, err)
		}
		if node.Type != tt.typ {
			t.Errorf("Parse(%q): expected %v, got %v", tt.expr, tt.typ, node.Type)
		}
	}
}

// =============================================================================
// Error Cases
// =============================================================================

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"unterminated string", `name == "oops`},
		{"single pipe", `a | b`},
		{"single ampersand", `a & b`},
		{"single equals", `a = b`},
		{"unbalanced paren", `(a == b`},
		{"unbalanced bracket", `a in [1, 2`},
		{"dangling operator", `a ==`},
		{"unary minus not supported", `-1 > 0`},
		{"trailing garbage", `a == b )`},
		{"empty input", ``},
		{"dot without property", `events.`},
		{"bare dot number", `1. > 0`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.expr); err == nil {
				t.Errorf("Parse(%q) should have failed", tt.expr)
			}
		})
	}
}

func TestParse_ErrorCarriesPosition(t *testing.T) {
	_, err := Parse("a ==\n   !")
	if err == nil {
		t.Fatal("expected parse error")
	}

	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if perr.Line != 2 {
		t.Errorf("expected error on line 2, got %d", perr.Line)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error message should mention position: %s", err.Error())
	}
}

func TestParse_KeywordAfterDotIsProperty(t *testing.T) {
	// "in" and "true" after a dot are plain property names.
	node, err := Parse(`flags.in == flags.true`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if node.Children[0].Value != "in" || node.Children[1].Value != "true" {
		t.Errorf("keywords after '.' should parse as properties")
	}
}
