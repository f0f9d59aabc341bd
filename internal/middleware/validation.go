package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "sealdb/internal/errors"
)

const defaultMaxBodySize = 1 << 20

// Binder decodes JSON request bodies and validates them with struct tags.
type Binder struct {
	validator   *validator.Validate
	maxBodySize int64
}

// NewBinder creates a binder that reports field names by their JSON tag.
func NewBinder() *Binder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Binder{validator: v, maxBodySize: defaultMaxBodySize}
}

// Bind decodes r's body into dst and validates it. Errors are *APIError
// values ready for ErrorHandler.
func (b *Binder) Bind(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, b.maxBodySize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apierrors.New(http.StatusBadRequest, apierrors.CodeInvalidRequest, "Request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierrors.New(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body exceeds maximum allowed size")
		}
		return apierrors.InvalidRequestWithError(err)
	}
	return b.Validate(dst)
}

// Validate checks struct tags and converts the first failure to an APIError.
func (b *Binder) Validate(v any) error {
	err := b.validator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apierrors.InvalidRequestWithError(err)
	}
	fe := verrs[0]
	return apierrors.ErrValidation(fe.Field(), formatValidationError(fe))
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "len":
		return fmt.Sprintf("%s must be exactly %s characters", field, param)
	case "numeric":
		return fmt.Sprintf("%s must contain only digits", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "endswith":
		return fmt.Sprintf("%s must end with %s", field, param)
	case "hostname", "hostname_rfc1123":
		return fmt.Sprintf("%s must be a valid hostname", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
