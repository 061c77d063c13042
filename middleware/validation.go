package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/joshu-sajeev/kapublish/common"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// report fields by their wire names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("json_document", jsonDocument); err != nil {
		panic(err)
	}
	return v
}

// jsonDocument accepts a raw JSON object or array with at least one member.
// Scalars, null and empty containers are not documents.
func jsonDocument(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok {
		return false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}

	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return false
	}
	switch d := doc.(type) {
	case map[string]any:
		return len(d) > 0
	case []any:
		return len(d) > 0
	}
	return false
}

// Validate runs struct validation and returns a 400 APIError naming every
// failing field, or nil.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return common.ValidationFailed(FormatValidationErrors(err))
	}
	return nil
}

func Bind[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "invalid json: %v", err.Error()).WithCode(common.CodeInvalidJSON))
		return false
	}

	if err := Validate(dest); err != nil {
		c.Error(err)
		return false
	}

	return true
}

func FormatValidationErrors(err error) map[string]any {
	fields := map[string]any{}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		fields["_"] = err.Error()
		return fields
	}

	for _, e := range verrs {
		fields[fieldPath(e.Namespace())] = describe(e)
	}
	return fields
}

// fieldPath drops the root type name: "PublishRequest.metadata.sourceId" -> "metadata.sourceId".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "json_document":
		return "must be a non-empty JSON object or array"
	case "oneof":
		return "must be one of: " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "max":
		return "must be at most " + e.Param()
	default:
		return "failed " + e.Tag()
	}
}
