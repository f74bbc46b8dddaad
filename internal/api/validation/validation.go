// Package validation holds the request rules shared by every handler
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/liliang-cn/medichat/internal/domain"
)

// dangerousPatterns are rejected anywhere in free text
var dangerousPatterns = []string{"<script", "javascript:", "onclick", "onerror"}

var registerOnce sync.Once

// Register adds the custom rules to gin's validator engine
func Register() {
	registerOnce.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			_ = v.RegisterValidation("safe_text", safeText)
		}
	})
}

func safeText(fl validator.FieldLevel) bool {
	lower := strings.ToLower(fl.Field().String())
	for _, p := range dangerousPatterns {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}

// Validate checks a payload decoded outside of gin's binding, such as a
// WebSocket frame, with the same rules
func Validate(payload any) error {
	if err := binding.Validator.ValidateStruct(payload); err != nil {
		return FormatError(err)
	}
	return nil
}

// FormatError turns binding failures into an ErrInvalidRequest with a
// readable message
func FormatError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, err.Error())
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		switch fieldErr.Tag() {
		case "safe_text":
			msgs = append(msgs, fmt.Sprintf("field '%s' contains potentially harmful content", fieldErr.Field()))
		default:
			msgs = append(msgs, fmt.Sprintf("field '%s' failed on the '%s' tag", fieldErr.Field(), fieldErr.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, strings.Join(msgs, "; "))
}
