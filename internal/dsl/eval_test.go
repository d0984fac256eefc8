package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() MapEnv {
	return MapEnv{
		"events": Object(map[string]Value{
			"app_open": Object(map[string]Value{
				"count_7d":       Number(3),
				"unique_days_7d": Number(2),
			}),
		}),
		"plan":      String("pro"),
		"age":       Number(30),
		"active":    Bool(true),
		"nickname":  Null(),
		"zero":      Number(0),
		"empty_str": String(""),
	}
}

func eval(t *testing.T, expr string) Value {
	t.Helper()
	v, err := Evaluate(expr, testEnv())
	require.NoError(t, err, "Evaluate(%q)", expr)
	return v
}

func TestEval_StrictEquality(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`1 == 1`, true},
		{`1 == 2`, false},
		{`"a" == "a"`, true},
		{`"1" == 1`, false}, // no numeric coercion
		{`true == true`, true},
		{`true == 1`, false},
		{`null == null`, true},
		{`nickname == null`, true},
		{`missing_ident == null`, true},
		{`1 != "1"`, true},
	}
	for _, tt := range tests {
		v := eval(t, tt.expr)
		assert.Equal(t, BoolKind, v.Kind(), tt.expr)
		assert.Equal(t, tt.want, v.AsBool(), tt.expr)
	}
}

func TestEval_OrderingCoercion(t *testing.T) {
	assert.True(t, eval(t, `age >= 30`).AsBool())
	assert.True(t, eval(t, `age > 29.5`).AsBool())
	assert.False(t, eval(t, `age < 30`).AsBool())
	assert.True(t, eval(t, `age <= 30`).AsBool())
}

func TestEval_OrderingTypeError(t *testing.T) {
	_, err := Evaluate(`plan > 5`, testEnv())
	require.Error(t, err)
	var eerr *EvalError
	require.ErrorAs(t, err, &eerr)
	assert.Contains(t, eerr.Message, "number")
}

func TestEval_ShortCircuit(t *testing.T) {
	env := testEnv()

	// The right side would be a type error, but must not be evaluated.
	v, err := Evaluate(`active || plan > 5`, env)
	require.NoError(t, err)
	assert.True(t, v.AsBool())

	v, err = Evaluate(`zero && plan > 5`, env)
	require.NoError(t, err)
	assert.False(t, v.AsBool())
}

func TestEval_Truthiness(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`active && true`, true},
		{`zero || false`, false},
		{`empty_str || false`, false},
		{`nickname || false`, false},
		{`"x" && 1`, true},
	}
	for _, tt := range tests {
		v := eval(t, tt.expr)
		assert.Equal(t, tt.want, v.AsBool(), tt.expr)
	}
}

func TestEval_NonASCIIStringEquality(t *testing.T) {
	env := MapEnv{"city": String("münchen")}

	v, err := Evaluate(`city == "münchen"`, env)
	require.NoError(t, err)
	assert.True(t, v.AsBool())

	v, err = Evaluate(`"münchen" in ["münchen", "köln"]`, env)
	require.NoError(t, err)
	assert.True(t, v.AsBool())
}

func TestEval_InOperator(t *testing.T) {
	assert.True(t, eval(t, `plan in ["pro", "enterprise"]`).AsBool())
	assert.False(t, eval(t, `plan in ["free"]`).AsBool())
	assert.False(t, eval(t, `plan in []`).AsBool())
	// Strict equality inside in: "30" does not match 30.
	assert.False(t, eval(t, `"30" in [30]`).AsBool())
}

func TestEval_InRequiresArray(t *testing.T) {
	_, err := Evaluate(`1 in 2`, testEnv())
	require.Error(t, err)
	var eerr *EvalError
	require.ErrorAs(t, err, &eerr)
	assert.Contains(t, eerr.Message, "array")
}

func TestEval_PropertyAccess(t *testing.T) {
	assert.Equal(t, float64(3), eval(t, `events.app_open.count_7d`).AsNumber())

	// Missing event name yields null, not zero; null is falsy.
	v := eval(t, `events.never_seen.count_7d`)
	assert.True(t, v.IsNull())
	assert.False(t, eval(t, `events.never_seen.count_7d && true`).AsBool())

	// Access on null propagates null.
	assert.True(t, eval(t, `nickname.anything`).IsNull())
	assert.True(t, eval(t, `missing_ident.a.b.c`).IsNull())
}

func TestEval_PropertyAccessOnScalarIsTypeError(t *testing.T) {
	_, err := Evaluate(`age.days`, testEnv())
	require.Error(t, err)

	_, err = Evaluate(`plan.length`, testEnv())
	require.Error(t, err)
}

func TestEval_NullComparisons(t *testing.T) {
	// null >= 5 is a type error, not false.
	_, err := Evaluate(`events.never_seen.count_7d >= 5`, testEnv())
	require.Error(t, err)

	// But strict equality against null works.
	assert.True(t, eval(t, `events.never_seen.count_7d == null`).AsBool())
}

func TestEval_ChainedComparison(t *testing.T) {
	// (1 == 1) == true -> true == true -> true
	assert.True(t, eval(t, `1 == 1 == true`).AsBool())
	// (1 == 2) == false -> true
	assert.True(t, eval(t, `1 == 2 == false`).AsBool())
}

func TestValue_Literal(t *testing.T) {
	assert.Equal(t, `true`, Bool(true).Literal())
	assert.Equal(t, `42`, Number(42).Literal())
	assert.Equal(t, `3.5`, Number(3.5).Literal())
	assert.Equal(t, `"hi"`, String("hi").Literal())
	assert.Equal(t, `"say \"hi\""`, String(`say "hi"`).Literal())
	assert.Equal(t, `null`, Null().Literal())
	assert.Equal(t, `null`, Array(nil).Literal())
}

func TestValue_JSONRoundTrip(t *testing.T) {
	v := FromJSON(map[string]interface{}{
		"n":   1.5,
		"s":   "x",
		"b":   true,
		"nil": nil,
		"arr": []interface{}{1.0, "two"},
	})
	require.Equal(t, ObjectKind, v.Kind())

	n, ok := v.Field("n")
	require.True(t, ok)
	assert.Equal(t, 1.5, n.AsNumber())

	back := v.ToJSON().(map[string]interface{})
	assert.Equal(t, "x", back["s"])
	assert.Nil(t, back["nil"])
}

func TestValidate(t *testing.T) {
	res := Validate(`events.app_open.count_7d >= 5`)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Error)

	res = Validate(`a == `)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "parse error")

	// Valid implies parse succeeds and re-validation stays valid.
	res2 := Validate(`events.app_open.count_7d >= 5`)
	assert.True(t, res2.Valid)
}
