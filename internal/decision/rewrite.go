package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"minicdp/internal/dsl"
)

// ValidateRule checks a flag rule: the segment()/trait() calls must be
// well formed and the rewritten expression must parse.
func ValidateRule(rule string) dsl.ValidationResult {
	rewritten, _, err := rewriteRule(rule, nil, nil)
	if err != nil {
		return dsl.ValidationResult{Valid: false, Error: err.Error()}
	}
	return dsl.Validate(rewritten)
}

// rewriteRule replaces segment("k") and trait("k") calls in a flag rule
// with literal values so the result is a plain expression the engine can
// evaluate. Segment membership becomes true or false (false when the key
// is unknown); a trait becomes the literal form of its JSON value, with
// arrays, objects and negative numbers degrading to null. Each
// substitution is recorded as a human-readable reason, in source order.
func rewriteRule(rule string, traits map[string]json.RawMessage, segments map[string]bool) (string, []string, error) {
	tokens, err := dsl.Lex(rule)
	if err != nil {
		return "", nil, err
	}

	var out strings.Builder
	var reasons []string
	last := 0 // byte offset of the first source byte not yet copied

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if tok.Type != dsl.TokenIdent || (tok.Text != "segment" && tok.Text != "trait") {
			continue
		}
		// Only a bare call counts; x.segment("k") is property access.
		if i > 0 && tokens[i-1].Type == dsl.TokenDot {
			continue
		}
		if i+3 >= len(tokens) ||
			tokens[i+1].Type != dsl.TokenLParen ||
			tokens[i+2].Type != dsl.TokenString ||
			tokens[i+3].Type != dsl.TokenRParen {
			return "", nil, &dsl.ParseError{
				Line:    tok.Line,
				Column:  tok.Column,
				Message: fmt.Sprintf("%s() requires a single string argument", tok.Text),
			}
		}

		key := tokens[i+2].Text
		var literal string
		if tok.Text == "segment" {
			literal = dsl.Bool(segments[key]).Literal()
			reasons = append(reasons, fmt.Sprintf("segment(%s) = %s", key, literal))
		} else {
			var shown string
			literal, shown = traitLiteral(traits[key])
			reasons = append(reasons, fmt.Sprintf("trait(%s) = %s", key, shown))
		}

		out.WriteString(rule[last:tok.Start])
		out.WriteString(literal)
		last = tokens[i+3].End
		i += 3
	}

	out.WriteString(rule[last:])
	return out.String(), reasons, nil
}

// traitLiteral renders a stored trait value as the literal spliced into
// the rule plus the form shown in the reason. A missing trait (nil), an
// undecodable value, or a composite value all become null. Negative
// numbers have no lexical form in the grammar, so they splice as null
// while the reason keeps the stored value.
func traitLiteral(raw json.RawMessage) (spliced, shown string) {
	if raw == nil {
		return "null", "null"
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "null", "null"
	}
	v := dsl.FromJSON(decoded)
	lit := v.Literal()
	if v.Kind() == dsl.NumberKind && strings.HasPrefix(lit, "-") {
		return "null", lit
	}
	return lit, lit
}
