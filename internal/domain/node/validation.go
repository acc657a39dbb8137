package node

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "outliner-backend/internal/errors"
)

var validate = validator.New()

// CreateInput is the caller-supplied shape for creating a node next to an existing one.
type CreateInput struct {
	AfterNodeID       string   `validate:"required"`
	Content           string   `validate:"max=100000"`
	NodeType          NodeType `validate:"required,oneof=text header task date collection"`
	HeaderLevel       int      `validate:"min=0,max=6"`
	InsertAtBeginning bool
}

// ValidateStruct validates a struct based on its validation tags and converts the
// failures into a single validation error.
func ValidateStruct(s interface{}) error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// ValidateForPersistence checks the backend-facing rules: known type, and non-blank
// content for types that disallow it.
func ValidateForPersistence(n *Node) error {
	if n == nil || strings.TrimSpace(n.ID) == "" {
		return apperrors.Validation(apperrors.CodeNodeIDEmpty.String(), "node id is required").Build()
	}
	if !n.NodeType.Valid() {
		return apperrors.Validation(apperrors.CodeNodeTypeInvalid.String(), "invalid node type").
			WithResource(n.ID).
			WithDetails(string(n.NodeType)).
			Build()
	}
	if !n.NodeType.AllowsBlankContent() && !n.HasContent() {
		return apperrors.Validation(apperrors.CodeNodeContentEmpty.String(), "content cannot be empty").
			WithResource(n.ID).
			WithDetails(fmt.Sprintf("node type %s requires content", n.NodeType)).
			Build()
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return apperrors.Validation(apperrors.CodeValidationFailed.String(), "validation failed").
			WithCause(err).
			Build()
	}
	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, formatFieldError(e))
	}
	return apperrors.Validation(apperrors.CodeValidationFailed.String(), "validation failed").
		WithDetails(strings.Join(msgs, "; ")).
		Build()
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
