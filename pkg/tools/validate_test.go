package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a minimal Tool for testing ValidateAndCoerce.
type stubTool struct {
	name   string
	schema string // raw JSON Schema
}

func (s stubTool) Definition() Definition {
	return Definition{
		Name:        s.name,
		Description: "test tool",
		Parameters:  json.RawMessage(s.schema),
	}
}

func (s stubTool) Execute(_ context.Context, _ string, _ map[string]any, _ UpdateFn) (Result, error) {
	return TextResult("ok"), nil
}

func TestValidateAndCoerce_Valid(t *testing.T) {
	tool := stubTool{name: "t", schema: `{
		"type":"object",
		"properties":{"name":{"type":"string"},"count":{"type":"integer"}},
		"required":["name","count"]
	}`}

	args, err := ValidateAndCoerce(tool, map[string]any{"name": "foo", "count": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, "foo", args["name"])
}

func TestValidateAndCoerce_CoerceStringToNumber(t *testing.T) {
	tool := stubTool{name: "t", schema: `{
		"type":"object",
		"properties":{"offset":{"type":"integer"}},
		"required":["offset"]
	}`}

	// The model sent "5" (a string); it should be coerced to an integer.
	args, err := ValidateAndCoerce(tool, map[string]any{"offset": "5"})
	require.NoError(t, err)
	switch v := args["offset"].(type) {
	case int64:
		assert.EqualValues(t, 5, v)
	case float64:
		assert.EqualValues(t, 5, v)
	default:
		t.Errorf("offset type = %T, want numeric; value = %v", args["offset"], args["offset"])
	}
}

func TestValidateAndCoerce_CoerceNumberToString(t *testing.T) {
	tool := stubTool{name: "t", schema: `{
		"type":"object",
		"properties":{"path":{"type":"string"}},
		"required":["path"]
	}`}

	args, err := ValidateAndCoerce(tool, map[string]any{"path": float64(42)})
	require.NoError(t, err)
	assert.Equal(t, "42", args["path"])
}

func TestValidateAndCoerce_DoesNotMutateCaller(t *testing.T) {
	tool := stubTool{name: "t", schema: `{
		"type":"object",
		"properties":{"offset":{"type":"integer"}},
		"required":["offset"]
	}`}

	orig := map[string]any{"offset": "5"}
	coerced, err := ValidateAndCoerce(tool, orig)
	require.NoError(t, err)

	assert.Equal(t, "5", orig["offset"], "caller's map must stay untouched")
	assert.NotEqual(t, orig["offset"], coerced["offset"])
}

func TestValidateAndCoerce_FailureEnumeratesPaths(t *testing.T) {
	tool := stubTool{name: "files", schema: `{
		"type":"object",
		"properties":{"name":{"type":"string"},"count":{"type":"integer"}},
		"required":["name"]
	}`}

	_, err := ValidateAndCoerce(tool, map[string]any{"count": []any{"nope"}})
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "files", ve.Tool)
	assert.NotEmpty(t, ve.Paths)
	assert.Contains(t, ve.Error(), "files")
}

func TestValidateAndCoerce_MissingRequired(t *testing.T) {
	tool := stubTool{name: "t", schema: `{
		"type":"object",
		"properties":{"name":{"type":"string"}},
		"required":["name"]
	}`}

	_, err := ValidateAndCoerce(tool, map[string]any{})
	require.Error(t, err)
}

func TestValidateAndCoerce_EmptySchemaTrustsArgs(t *testing.T) {
	tool := stubTool{name: "t", schema: ""}
	args, err := ValidateAndCoerce(tool, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, args["x"])
}

func TestValidateAndCoerce_BadSchemaFailsOpen(t *testing.T) {
	tool := stubTool{name: "t", schema: `{"type": not json`}
	args, err := ValidateAndCoerce(tool, map[string]any{"anything": true})
	require.NoError(t, err)
	assert.Equal(t, true, args["anything"])
}
