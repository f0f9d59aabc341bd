package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/middleware"
	"sealdb/internal/services"
)

// DecryptRequest is the body of POST /decrypt
type DecryptRequest struct {
	Password string `json:"password"`
}

// EncryptRequest is the body of POST /encrypt
type EncryptRequest struct {
	DatabasePath string `json:"databasePath" validate:"required,endswith=.db"`
}

// PasswordRequest is the body of POST /password and /password/check
type PasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

// PasswordCheckResponse reports whether a password derives the current key
type PasswordCheckResponse struct {
	Valid bool `json:"valid"`
}

// DatabaseHandler serves /api/v1/database
type DatabaseHandler struct {
	service services.DatabaseService
	binder  *middleware.Binder
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewDatabaseHandler creates a new database handler
func NewDatabaseHandler(service services.DatabaseService, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *DatabaseHandler {
	return &DatabaseHandler{
		service: service,
		binder:  middleware.NewBinder(),
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "database")),
	}
}

// Routes sets up the database routes. Transform and password routes are
// audited.
func (h *DatabaseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/check", h.Check)
	r.Get("/key-status", h.KeyStatus)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuditLog(h.logger))
		r.Use(chimw.Timeout(5 * time.Minute))
		r.Post("/decrypt", h.Decrypt)
		r.Post("/encrypt", h.Encrypt)
		r.Get("/integrity", h.Integrity)
		r.Post("/password", h.SetPassword)
		r.Post("/password/check", h.CheckPassword)
	})
	return r
}

// Check handles GET /check
func (h *DatabaseHandler) Check(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Check(r.Context())
	if !resp.Success {
		render.Status(r, http.StatusNotFound)
	}
	render.JSON(w, r, resp)
}

// Decrypt handles POST /decrypt. An empty password uses the machine key alone.
func (h *DatabaseHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Decrypt(r.Context(), req.Password)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Encrypt handles POST /encrypt
func (h *DatabaseHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req EncryptRequest
	if err := h.binder.Bind(r, &req); err != nil {
		if apperrors.IsValidation(err) && req.DatabasePath != "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ResultResponse{Success: false, Message: "The database file must have a .db extension."})
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}

	resp, err := h.service.Encrypt(r.Context(), req.DatabasePath)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Integrity handles GET /integrity
func (h *DatabaseHandler) Integrity(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Integrity(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrDatabaseNotFound) {
			h.errors.HandleError(w, r, apperrors.NotFoundError("database"))
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}
	if !resp.Success {
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, resp)
}

// SetPassword handles POST /password
func (h *DatabaseHandler) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	if err := h.service.SetPassword(r.Context(), req.Password); err != nil {
		if errors.Is(err, services.ErrPasswordRejected) {
			h.errors.HandleError(w, r, apperrors.ErrValidation("password", "password is required"))
			return
		}
		h.errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Database password updated")
	render.JSON(w, r, ResultResponse{Success: true, Message: "Password updated"})
}

// CheckPassword handles POST /password/check
func (h *DatabaseHandler) CheckPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if err := h.binder.Bind(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	valid, err := h.service.CheckPassword(r.Context(), req.Password)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, PasswordCheckResponse{Valid: valid})
}

// KeyStatus handles GET /key-status
func (h *DatabaseHandler) KeyStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.KeyStatus(r.Context()))
}
