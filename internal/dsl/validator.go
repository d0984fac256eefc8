package dsl

// ValidationResult reports whether an expression parses under the grammar.
// The language is dynamically typed, so validity means a full parse; type
// errors only surface at evaluation time.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Validate attempts a full parse of the expression.
func Validate(expr string) ValidationResult {
	if _, err := Parse(expr); err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	return ValidationResult{Valid: true}
}
