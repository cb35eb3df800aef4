package util

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var weatherSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"city":  map[string]any{"type": "string"},
		"days":  map[string]any{"type": "integer"},
		"units": map[string]any{"type": "string", "enum": []any{"metric", "imperial"}},
		"geo": map[string]any{
			"type":       "object",
			"properties": map[string]any{"lat": map[string]any{"type": "number"}},
			"required":   []any{"lat"},
		},
		"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"city"},
}

func TestValidateInput(t *testing.T) {
	cases := []struct {
		name  string
		input string
		field string
	}{
		{"valid", `{"city":"Berlin","days":3,"units":"metric","geo":{"lat":52.5},"tags":["a"]}`, ""},
		{"missing required", `{"days":3}`, "city"},
		{"wrong type", `{"city":"Berlin","days":"three"}`, "days"},
		{"fractional integer", `{"city":"Berlin","days":1.5}`, "days"},
		{"enum", `{"city":"Berlin","units":"kelvin"}`, "units"},
		{"nested required", `{"city":"Berlin","geo":{}}`, "geo.lat"},
		{"array items", `{"city":"Berlin","tags":[1]}`, "tags[0]"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ValidateInput(json.RawMessage(tc.input), weatherSchema)
			if tc.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestValidateInput_RejectsNonObject(t *testing.T) {
	_, err := ValidateInput(json.RawMessage(`[1,2]`), weatherSchema)
	assert.Error(t, err)

	params, err := ValidateInput(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestCheckObjectSchema(t *testing.T) {
	assert.NoError(t, CheckObjectSchema(nil))
	assert.NoError(t, CheckObjectSchema(weatherSchema))
	assert.Error(t, CheckObjectSchema(map[string]any{"type": "string"}))
	assert.Error(t, CheckObjectSchema(map[string]any{"type": "object", "required": "city"}))
}

func TestCreateSchema(t *testing.T) {
	type args struct {
		City  string  `json:"city" description:"City name"`
		Days  int     `json:"days,omitempty"`
		Scale *string `json:"scale"`
	}
	s := CreateSchema(args{})
	assert.Equal(t, []string{"city"}, s["required"])
	props := s["properties"].(map[string]any)
	assert.Equal(t, "integer", props["days"].(map[string]any)["type"])
	assert.Equal(t, "City name", props["city"].(map[string]any)["description"])
}

func TestRenderTemplate(t *testing.T) {
	out, err := RenderTemplate("You are the {{.role}}. Task: {{.prompt}}{{.missing}}", map[string]any{
		"role":   "critic",
		"prompt": "compute 2+2 & explain",
	})
	require.NoError(t, err)
	assert.Equal(t, "You are the critic. Task: compute 2+2 & explain", out)

	plain, err := RenderTemplate("no markers", nil)
	require.NoError(t, err)
	assert.Equal(t, "no markers", plain)

	_, err = RenderTemplate("{{.broken", nil)
	assert.Error(t, err)
}
