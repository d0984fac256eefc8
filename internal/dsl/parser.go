package dsl

import (
	"fmt"
	"strconv"
)

// Parser builds an AST from a token stream.
type Parser struct {
	tokens []Token
	pos    int
}

// Parse parses a complete expression. Trailing input after the expression
// is an error.
func Parse(input string) (*Node, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &Parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().Type != TokenEOF {
		return nil, p.errorf("unexpected %q after expression", p.peek().Text)
	}
	return node, nil
}

// parseOr handles '||', the lowest-precedence operator.
func (p *Parser) parseOr() (*Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenOr {
		op := p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = p.binary("||", left, right, op)
	}
	return left, nil
}

func (p *Parser) parseAnd() (*Node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.peek().Type == TokenAnd {
		op := p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = p.binary("&&", left, right, op)
	}
	return left, nil
}

// parseCompare handles the comparison tier. Chaining is allowed and
// left-associative: a == b == c parses as ((a == b) == c).
func (p *Parser) parseCompare() (*Node, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		var opText string
		switch p.peek().Type {
		case TokenIn:
			opText = "in"
		case TokenEq:
			opText = "=="
		case TokenNeq:
			opText = "!="
		case TokenGt:
			opText = ">"
		case TokenLt:
			opText = "<"
		case TokenGte:
			opText = ">="
		case TokenLte:
			opText = "<="
		default:
			return left, nil
		}
		op := p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = p.binary(opText, left, right, op)
	}
}

func (p *Parser) parseFactor() (*Node, error) {
	tok := p.peek()
	switch tok.Type {
	case TokenNumber:
		p.next()
		n, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			return nil, p.errorAt(tok, "invalid number %q", tok.Text)
		}
		return &Node{Type: NumberNode, Num: n, Line: tok.Line, Column: tok.Column}, nil

	case TokenString:
		p.next()
		return &Node{Type: StringNode, Value: tok.Text, Line: tok.Line, Column: tok.Column}, nil

	case TokenTrue, TokenFalse:
		p.next()
		return &Node{Type: BooleanNode, Value: tok.Text, Line: tok.Line, Column: tok.Column}, nil

	case TokenNull:
		p.next()
		return &Node{Type: NullNode, Line: tok.Line, Column: tok.Column}, nil

	case TokenLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().Type != TokenRParen {
			return nil, p.errorf("expected ')' to close group")
		}
		p.next()
		return p.parseAccessChain(inner)

	case TokenLBracket:
		return p.parseArray()

	case TokenIdent:
		p.next()
		node := &Node{Type: IdentifierNode, Value: tok.Text, Line: tok.Line, Column: tok.Column}
		return p.parseAccessChain(node)

	case TokenEOF:
		return nil, p.errorf("unexpected end of expression")

	default:
		return nil, p.errorAt(tok, "unexpected %q", tok.Text)
	}
}

// parseAccessChain consumes zero or more '.' IDENT suffixes.
func (p *Parser) parseAccessChain(target *Node) (*Node, error) {
	for p.peek().Type == TokenDot {
		dot := p.next()
		prop := p.peek()
		// Keywords after a dot act as plain property names.
		switch prop.Type {
		case TokenIdent, TokenTrue, TokenFalse, TokenNull, TokenIn:
			p.next()
		default:
			return nil, p.errorAt(dot, "expected property name after '.'")
		}
		target = &Node{
			Type:     AccessNode,
			Value:    prop.Text,
			Children: []*Node{target},
			Line:     dot.Line,
			Column:   dot.Column,
		}
	}
	return target, nil
}

func (p *Parser) parseArray() (*Node, error) {
	open := p.next() // consume '['
	node := &Node{Type: ArrayNode, Line: open.Line, Column: open.Column}

	if p.peek().Type == TokenRBracket {
		p.next()
		return node, nil
	}

	for {
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, elem)

		switch p.peek().Type {
		case TokenComma:
			p.next()
		case TokenRBracket:
			p.next()
			return node, nil
		default:
			return nil, p.errorf("expected ',' or ']' in array literal")
		}
	}
}

func (p *Parser) binary(op string, left, right *Node, tok Token) *Node {
	return &Node{
		Type:     BinaryNode,
		Op:       op,
		Children: []*Node{left, right},
		Line:     tok.Line,
		Column:   tok.Column,
	}
}

func (p *Parser) peek() Token {
	return p.tokens[p.pos]
}

func (p *Parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return p.errorAt(p.peek(), format, args...)
}

func (p *Parser) errorAt(tok Token, format string, args ...interface{}) error {
	return &ParseError{
		Line:    tok.Line,
		Column:  tok.Column,
		Message: fmt.Sprintf(format, args...),
	}
}
