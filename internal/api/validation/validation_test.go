package validation

import (
	"testing"

	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestValidateChatRequest(t *testing.T) {
	Register()

	temp := 0.7
	tooHot := 1.5
	tokens := 4096

	tests := []struct {
		name    string
		req     domain.ChatRequest
		wantErr string
	}{
		{"valid", domain.ChatRequest{Message: "What is diabetes?", Temperature: &temp}, ""},
		{"empty", domain.ChatRequest{Message: ""}, "'Message' failed on the 'required' tag"},
		{"script", domain.ChatRequest{Message: "hi <SCRIPT>alert(1)</script>"}, "potentially harmful content"},
		{"handler", domain.ChatRequest{Message: "img onerror=x"}, "potentially harmful content"},
		{"temperature", domain.ChatRequest{Message: "hi", Temperature: &tooHot}, "'Temperature' failed on the 'lte' tag"},
		{"max tokens", domain.ChatRequest{Message: "hi", MaxTokens: &tokens}, "'MaxTokens' failed on the 'lte' tag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
