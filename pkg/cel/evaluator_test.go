package cel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	assert.NotNil(t, eval)
}

func TestValidateExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name      string
		expr      string
		wantError bool
	}{
		{
			name:      "content type check",
			expr:      `content_type == "HL7"`,
			wantError: false,
		},
		{
			name:      "property lookup",
			expr:      `"source" in properties && properties["source"] == "lab"`,
			wantError: false,
		},
		{
			name:      "invalid expression",
			expr:      `invalid syntax here!!!`,
			wantError: true,
		},
		{
			name:      "undefined variable",
			expr:      `undefinedVar == "test"`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.ValidateExpression(tt.expr)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompileFilterRejectsNonBool(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	_, err = eval.CompileFilter(`content + "x"`)
	assert.Error(t, err)

	_, err = eval.CompileTransform(`content.size() > 3`)
	assert.Error(t, err)
}

func TestEvaluateFilter(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		vars Vars
		want bool
	}{
		{
			name: "content prefix",
			expr: `content.startsWith("MSH|")`,
			vars: Vars{Content: "MSH|^~\\&|LAB", ContentType: "HL7"},
			want: true,
		},
		{
			name: "property match",
			expr: `properties["ward"] == "icu"`,
			vars: Vars{Properties: map[string]string{"ward": "icu"}},
			want: true,
		},
		{
			name: "json payload field",
			expr: `payload.status == "active"`,
			vars: Vars{Content: `{"status":"active"}`, ContentType: "JSON"},
			want: true,
		},
		{
			name: "json payload mismatch",
			expr: `payload.status == "active"`,
			vars: Vars{Content: `{"status":"closed"}`, ContentType: "JSON"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiled, err := eval.CompileFilter(tt.expr)
			require.NoError(t, err)

			got, err := compiled.EvaluateBool(context.Background(), tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateTransform(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	compiled, err := eval.CompileTransform(`content.upperAscii()`)
	require.NoError(t, err)

	got, err := compiled.EvaluateString(context.Background(), Vars{Content: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "ABC", got)
}

func TestEvaluateMissingKeyFails(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	compiled, err := eval.CompileFilter(`properties["absent"] == "x"`)
	require.NoError(t, err)

	_, err = compiled.EvaluateBool(context.Background(), Vars{})
	assert.Error(t, err)
}
