package onboarding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeAssistantReply(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want AssistantReply
	}{
		{
			name: "structured reply",
			raw:  `{"message": "Buenísimo!", "extractedData": {"business_name": "Estudio Sur"}, "isComplete": false}`,
			want: AssistantReply{
				Message: "Buenísimo!",
				Data:    map[string]interface{}{"business_name": "Estudio Sur"},
			},
		},
		{
			name: "structured reply with surrounding prose",
			raw:  "Acá va mi respuesta:\n{\"message\": \"Listo\", \"extractedData\": {}, \"isComplete\": true}\nfin",
			want: AssistantReply{
				Message:  "Listo",
				Data:     map[string]interface{}{},
				Complete: true,
			},
		},
		{
			name: "plain text falls back",
			raw:  "Hola! Contame sobre tu negocio.",
			want: AssistantReply{
				Message:  "Hola! Contame sobre tu negocio.",
				Fallback: true,
			},
		},
		{
			name: "malformed JSON falls back",
			raw:  `{"message": "truncated`,
			want: AssistantReply{
				Message:  `{"message": "truncated`,
				Fallback: true,
			},
		},
		{
			name: "empty message keeps raw text",
			raw:  `{"extractedData": {"x": 1}, "isComplete": false}`,
			want: AssistantReply{
				Message: `{"extractedData": {"x": 1}, "isComplete": false}`,
				Data:    map[string]interface{}{"x": float64(1)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeAssistantReply(tt.raw)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergePatch(t *testing.T) {
	data := map[string]interface{}{"business_name": "Estudio Sur", "services": []interface{}{"corte"}}

	merged, changed := MergePatch(data, map[string]interface{}{"business_name": "Estudio Norte"})
	assert.True(t, changed)
	assert.Equal(t, "Estudio Norte", merged["business_name"])

	// input not mutated
	assert.Equal(t, "Estudio Sur", data["business_name"])
}

func TestMergePatch_DropsNils(t *testing.T) {
	merged, changed := MergePatch(
		map[string]interface{}{"business_name": "Estudio Sur"},
		map[string]interface{}{"business_name": nil, "phone": nil},
	)
	assert.False(t, changed)
	assert.Equal(t, map[string]interface{}{"business_name": "Estudio Sur"}, merged)
}

func TestMergePatch_IdenticalValueIsNotAChange(t *testing.T) {
	_, changed := MergePatch(
		map[string]interface{}{"business_name": "Estudio Sur"},
		map[string]interface{}{"business_name": "Estudio Sur"},
	)
	assert.False(t, changed)
}

func TestMergePatch_EmptyPatch(t *testing.T) {
	merged, changed := MergePatch(map[string]interface{}{"a": 1}, nil)
	assert.False(t, changed)
	assert.Equal(t, map[string]interface{}{"a": 1}, merged)
}
