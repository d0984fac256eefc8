// Package dsl implements the expression language shared by trait
// definitions, segment rules and flag rules. The language is a small,
// side-effect-free infix grammar:
//
//	or_expr   := and_expr ('||' and_expr)*
//	and_expr  := compare ('&&' compare)*
//	compare   := factor (('in'|'=='|'!='|'>'|'<'|'>='|'<=') factor)*
//	factor    := NUMBER | STRING | 'true' | 'false' | 'null'
//	           | primary ('.' IDENT)*
//	           | '(' or_expr ')'
//	           | '[' (or_expr (',' or_expr)*)? ']'
//	primary   := IDENT
//
// The engine does not distinguish dialects; the caller binds free
// identifiers through an Env. Comparison chains are left-associative, so
// a == b == c evaluates as ((a == b) == c).
package dsl

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenType identifies a lexical token.
type TokenType int

const (
	// TokenEOF marks the end of input.
	TokenEOF TokenType = iota
	// TokenIdent is an identifier: [A-Za-z_][A-Za-z0-9_]*
	TokenIdent
	// TokenNumber is a decimal number with optional fractional part.
	TokenNumber
	// TokenString is a double-quoted string with backslash escapes.
	TokenString
	// TokenTrue is the literal true.
	TokenTrue
	// TokenFalse is the literal false.
	TokenFalse
	// TokenNull is the literal null.
	TokenNull
	// TokenIn is the membership operator keyword.
	TokenIn
	// TokenOr is '||'.
	TokenOr
	// TokenAnd is '&&'.
	TokenAnd
	// TokenEq is '=='.
	TokenEq
	// TokenNeq is '!='.
	TokenNeq
	// TokenGt is '>'.
	TokenGt
	// TokenLt is '<'.
	TokenLt
	// TokenGte is '>='.
	TokenGte
	// TokenLte is '<='.
	TokenLte
	// TokenLParen is '('.
	TokenLParen
	// TokenRParen is ')'.
	TokenRParen
	// TokenLBracket is '['.
	TokenLBracket
	// TokenRBracket is ']'.
	TokenRBracket
	// TokenComma is ','.
	TokenComma
	// TokenDot is '.'.
	TokenDot
)

// Token is a single lexical token with its source position. Start and End
// are byte offsets into the original input; the decision engine uses them
// to splice rewritten flag rules without touching surrounding text.
type Token struct {
	Type   TokenType
	Text   string // decoded text for strings, raw lexeme otherwise
	Start  int
	End    int
	Line   int
	Column int
}

// Lexer scans DSL source into tokens.
type Lexer struct {
	input  string
	pos    int
	line   int
	column int
}

// NewLexer creates a lexer over the given source.
func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1, column: 1}
}

// Lex tokenizes the whole input. On a lexical error the returned error
// carries line and column.
func Lex(input string) ([]Token, error) {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok, err := l.Next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF {
			return tokens, nil
		}
	}
}

// Next returns the next token.
func (l *Lexer) Next() (Token, error) {
	l.skipWhitespace()

	start, line, column := l.pos, l.line, l.column
	if l.isEOF() {
		return Token{Type: TokenEOF, Start: start, End: start, Line: line, Column: column}, nil
	}

	c := l.peek()
	switch {
	case c == '(':
		l.advance()
		return l.token(TokenLParen, start, line, column), nil
	case c == ')':
		l.advance()
		return l.token(TokenRParen, start, line, column), nil
	case c == '[':
		l.advance()
		return l.token(TokenLBracket, start, line, column), nil
	case c == ']':
		l.advance()
		return l.token(TokenRBracket, start, line, column), nil
	case c == ',':
		l.advance()
		return l.token(TokenComma, start, line, column), nil
	case c == '.':
		l.advance()
		return l.token(TokenDot, start, line, column), nil
	case c == '|':
		l.advance()
		if !l.match('|') {
			return Token{}, l.errorf(line, column, "expected '||'")
		}
		l.advance()
		return l.token(TokenOr, start, line, column), nil
	case c == '&':
		l.advance()
		if !l.match('&') {
			return Token{}, l.errorf(line, column, "expected '&&'")
		}
		l.advance()
		return l.token(TokenAnd, start, line, column), nil
	case c == '=':
		l.advance()
		if !l.match('=') {
			return Token{}, l.errorf(line, column, "expected '=='")
		}
		l.advance()
		return l.token(TokenEq, start, line, column), nil
	case c == '!':
		l.advance()
		if !l.match('=') {
			return Token{}, l.errorf(line, column, "expected '!='")
		}
		l.advance()
		return l.token(TokenNeq, start, line, column), nil
	case c == '>':
		l.advance()
		if l.match('=') {
			l.advance()
			return l.token(TokenGte, start, line, column), nil
		}
		return l.token(TokenGt, start, line, column), nil
	case c == '<':
		l.advance()
		if l.match('=') {
			l.advance()
			return l.token(TokenLte, start, line, column), nil
		}
		return l.token(TokenLt, start, line, column), nil
	case c == '"':
		return l.lexString(start, line, column)
	case isDigit(c):
		return l.lexNumber(start, line, column)
	case isIdentStart(c):
		return l.lexIdent(start, line, column)
	default:
		return Token{}, l.errorf(line, column, "unexpected character %q", c)
	}
}

func (l *Lexer) lexString(start, line, column int) (Token, error) {
	l.advance() // opening quote

	var sb strings.Builder
	for !l.isEOF() && !l.match('"') {
		if l.match('\\') {
			l.advance()
			if l.isEOF() {
				return Token{}, l.errorf(line, column, "unexpected EOF in string escape")
			}
			switch l.peek() {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case 'r':
				sb.WriteRune('\r')
			case '"':
				sb.WriteRune('"')
			case '\\':
				sb.WriteRune('\\')
			default:
				sb.WriteRune(l.peek())
			}
			l.advance()
		} else {
			sb.WriteRune(l.peek())
			l.advance()
		}
	}

	if !l.match('"') {
		return Token{}, l.errorf(line, column, "unterminated string literal")
	}
	l.advance() // closing quote

	return Token{
		Type:   TokenString,
		Text:   sb.String(),
		Start:  start,
		End:    l.pos,
		Line:   line,
		Column: column,
	}, nil
}

func (l *Lexer) lexNumber(start, line, column int) (Token, error) {
	for !l.isEOF() && isDigit(l.peek()) {
		l.advance()
	}
	if l.match('.') {
		// Fractional part requires at least one digit after the dot.
		if l.pos+1 >= len(l.input) || !isDigit(rune(l.input[l.pos+1])) {
			return Token{}, l.errorf(l.line, l.column, "expected digit after decimal point")
		}
		l.advance()
		for !l.isEOF() && isDigit(l.peek()) {
			l.advance()
		}
	}
	return l.token(TokenNumber, start, line, column), nil
}

func (l *Lexer) lexIdent(start, line, column int) (Token, error) {
	for !l.isEOF() && isIdentPart(l.peek()) {
		l.advance()
	}
	tok := l.token(TokenIdent, start, line, column)
	switch tok.Text {
	case "true":
		tok.Type = TokenTrue
	case "false":
		tok.Type = TokenFalse
	case "null":
		tok.Type = TokenNull
	case "in":
		tok.Type = TokenIn
	}
	return tok, nil
}

func (l *Lexer) token(tt TokenType, start, line, column int) Token {
	return Token{
		Type:   tt,
		Text:   l.input[start:l.pos],
		Start:  start,
		End:    l.pos,
		Line:   line,
		Column: column,
	}
}

func (l *Lexer) skipWhitespace() {
	for !l.isEOF() && unicode.IsSpace(l.peek()) {
		l.advance()
	}
}

func (l *Lexer) peek() rune {
	if l.isEOF() {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.pos:])
	return r
}

func (l *Lexer) match(r rune) bool {
	return l.peek() == r
}

func (l *Lexer) advance() {
	if l.isEOF() {
		return
	}
	r, width := utf8.DecodeRuneInString(l.input[l.pos:])
	if r == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	l.pos += width
}

func (l *Lexer) isEOF() bool {
	return l.pos >= len(l.input)
}

func (l *Lexer) errorf(line, column int, format string, args ...interface{}) error {
	return &ParseError{
		Line:    line,
		Column:  column,
		Message: fmt.Sprintf(format, args...),
	}
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || isDigit(r)
}
