package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/middleware"
	"sealdb/internal/services"
)

// MessageResponse is the body for simple acknowledgements
type MessageResponse struct {
	Message string `json:"message"`
}

// ResultResponse carries an explicit success flag
type ResultResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// VerifyCodeRequest is the body of POST /verify
type VerifyCodeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// VerificationHandler serves /api/v1/verification
type VerificationHandler struct {
	service services.VerificationService
	binder  *middleware.Binder
	limiter *middleware.RateLimiter
	errors  *apperrors.ErrorHandler
	logger  *slog.Logger
}

// NewVerificationHandler creates the handler. limiter guards send-code and
// verify and may be nil.
func NewVerificationHandler(service services.VerificationService, limiter *middleware.RateLimiter, errorHandler *apperrors.ErrorHandler, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{
		service: service,
		binder:  middleware.NewBinder(),
		limiter: limiter,
		errors:  errorHandler,
		logger:  logger.With(slog.String("handler", "verification")),
	}
}

// Routes sets up the verification routes
func (h *VerificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/reset", h.Reset)

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Handler)
		}
		r.Post("/send-code", h.SendCode)
		r.Post("/verify", h.Verify)
	})
	return r
}

// GetStatus handles GET /status
func (h *VerificationHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, status)
}

// SendCode handles POST /send-code
func (h *VerificationHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	err := h.service.SendCode(r.Context())
	switch {
	case err == nil:
		render.JSON(w, r, MessageResponse{Message: "Verification code sent successfully"})
	case errors.Is(err, services.ErrAlreadyVerified):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, MessageResponse{Message: "Application is already verified"})
	case errors.Is(err, services.ErrAdminEmailNotConfigured):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, MessageResponse{Message: "Admin email is not configured"})
	default:
		h.errors.HandleError(w, r, err)
	}
}

// Verify handles POST /verify
func (h *VerificationHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyCodeRequest
	if err := h.binder.Bind(r, &req); err != nil {
		if strings.TrimSpace(req.Code) == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, ResultResponse{Success: false, Message: "Verification code is required"})
			return
		}
		h.logger.DebugContext(r.Context(), "Rejected malformed verification code", slog.String("error", err.Error()))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ResultResponse{Success: false, Message: "Invalid verification code or code expired"})
		return
	}

	err := h.service.Verify(r.Context(), req.Code)
	switch {
	case err == nil:
		render.JSON(w, r, ResultResponse{Success: true, Message: "Application verified successfully"})
	case errors.Is(err, services.ErrInvalidCodeOrExpired):
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ResultResponse{Success: false, Message: "Invalid verification code or code expired"})
	default:
		h.errors.HandleError(w, r, err)
	}
}

// Reset handles POST /reset
func (h *VerificationHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reset(r.Context()); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, MessageResponse{Message: "Verification status reset successfully"})
}
