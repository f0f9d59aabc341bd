package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions next to the standard members
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// MapDomainError maps sentinel errors to problem details. The detail text
// is fixed per sentinel so causes (paths, driver messages) never leak.
func MapDomainError(err error, instance, traceID string) *ProblemDetails {
	var p *ProblemDetails

	switch {
	case errors.Is(err, ErrInvalidPassword):
		p = NewProblemDetails(http.StatusUnauthorized, TypeInvalidPassword,
			"Invalid Password", "The supplied password is not valid for this installation.", instance)
	case errors.Is(err, ErrVerificationExpired):
		p = NewProblemDetails(http.StatusBadRequest, TypeVerificationExpired,
			"Verification Code Expired", "The verification code has expired. Request a new one.", instance)
	case errors.Is(err, ErrVerificationInvalidCode):
		p = NewProblemDetails(http.StatusBadRequest, TypeVerificationInvalid,
			"Invalid Verification Code", "The verification code is not valid.", instance)
	case errors.Is(err, ErrKeyRetrievalFailed):
		p = NewProblemDetails(http.StatusInternalServerError, TypeKeyRetrieval,
			"Key Retrieval Failed", "The encryption key could not be retrieved.", instance)
	case errors.Is(err, ErrTransformFailed):
		p = NewProblemDetails(http.StatusInternalServerError, TypeTransform,
			"Database Operation Failed", "The database could not be transformed.", instance)
	case errors.Is(err, ErrMigrationStepFailed):
		p = NewProblemDetails(http.StatusInternalServerError, TypeMigration,
			"Database Migration Failed", "The database could not be migrated to an encrypted copy.", instance)
	case errors.Is(err, ErrDatabaseInitializationFailed):
		p = NewProblemDetails(http.StatusServiceUnavailable, TypeDatabase,
			"Database Unavailable", "The database could not be initialized.", instance)
	case errors.Is(err, ErrEmailDeliveryFailed):
		p = NewProblemDetails(http.StatusBadGateway, TypeEmail,
			"Email Delivery Failed", "The email could not be delivered.", instance)
	default:
		return nil
	}

	if traceID != "" {
		p.WithExtension("trace_id", traceID)
	}
	return p
}
