package expr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	ctx := map[string]any{
		"status":   "approved",
		"priority": "high",
		"severity": float64(4),
		"count":    3,
		"closed":   false,
		"owner":    nil,
		"customFields": map[string]any{
			"region": "EU",
			"score":  7.5,
		},
	}
	cases := []struct {
		expr string
		want bool
	}{
		{`status === 'approved'`, true},
		{`status !== 'approved'`, false},
		{`status == "approved"`, true},
		{`severity >= 4`, true},
		{`severity > 4`, false},
		{`count < 5`, true},
		{`count <= 2`, false},
		{`closed === false`, true},
		{`owner === undefined`, true},
		{`missing === undefined`, true},
		{`missing !== undefined`, false},
		{`priority !== undefined`, true},
		{`customFields.region === 'EU'`, true},
		{`customFields.score > 7`, true},
		{`customFields.other === undefined`, true},
		{`severity === '4'`, false},
		{`status === 'approved' AND severity >= 4`, true},
		{`status === 'rejected' OR priority === 'high'`, true},
		{`status === 'rejected' && priority === 'high'`, false},
		// Left to right: (false AND false) OR true.
		{`status === 'x' AND priority === 'x' OR count === 3`, true},
		// Left to right: (true OR true) AND false.
		{`status === 'approved' OR priority === 'high' AND count === 9`, false},
		{`severity > -1`, true},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := Evaluate(tc.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	ctx := map[string]any{"status": "open", "severity": 2}
	cases := []string{
		``,
		`status`,
		`status ===`,
		`status === 'open' AND`,
		`status = 'open'`,
		`status === 'open`,
		`status > 'a'`,
		`severity > undefined`,
		`unknown === 'x'`,
		`status > 3`,
		`(status === 'open')`,
		`status === 'open' status === 'x'`,
		`'open' === status`,
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			_, err := Evaluate(src, ctx)
			var ee *ExpressionError
			require.True(t, errors.As(err, &ee), "want ExpressionError, got %v", err)
		})
	}
}

func TestCompileFields(t *testing.T) {
	p, err := Compile(`a === 1 OR customFields.b !== 'x' AND c === true`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "customFields.b", "c"}, p.Fields())
	assert.Equal(t, []Connector{Or, And}, p.Connectors)
	assert.Equal(t, LitBool, p.Terms[2].Value.Kind)
}

func TestEvaluateEscapedString(t *testing.T) {
	ok, err := Evaluate(`name === 'O\'Brien'`, map[string]any{"name": "O'Brien"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateNonASCIIFieldNames(t *testing.T) {
	ctx := map[string]any{
		"customFields": map[string]any{"größe": "XL", "ölçü": 3},
	}
	ok, err := Evaluate(`customFields.größe === 'XL' AND customFields.ölçü >= 3`, ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := Compile(`customFields.größe !== undefined`)
	require.NoError(t, err)
	assert.Equal(t, []string{"customFields.größe"}, p.Fields())

	_, err = Evaluate(`status € 'x'`, map[string]any{"status": "x"})
	var ee *ExpressionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 7, ee.Pos)
	assert.Contains(t, ee.Reason, "'€'")
}
