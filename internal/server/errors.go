package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	bookingdomain "github.com/smallbiznis/tripsaga/internal/booking/domain"
	inventorydomain "github.com/smallbiznis/tripsaga/internal/inventory/domain"
	paymentdomain "github.com/smallbiznis/tripsaga/internal/payment/domain"
	sagadomain "github.com/smallbiznis/tripsaga/internal/saga/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

type errorClass struct {
	status  int
	kind    string
	message string
	errs    []error
}

// errorClasses is checked in order; the first class with a matching error wins.
var errorClasses = []errorClass{
	{
		status: http.StatusBadRequest,
		kind:   "validation_error",
		errs: []error{
			ErrInvalidRequest,
			bookingdomain.ErrInvalidRequest,
			sagadomain.ErrUnknownBookingType,
		},
	},
	{
		status: http.StatusConflict,
		kind:   "conflict",
		errs: []error{
			ErrConflict,
			bookingdomain.ErrNotCancellable,
			sagadomain.ErrSagaTerminal,
			sagadomain.ErrConcurrentUpdate,
			inventorydomain.ErrInsufficientInventory,
		},
	},
	{
		status:  http.StatusNotFound,
		kind:    "not_found",
		message: "not found",
		errs: []error{
			ErrNotFound,
			bookingdomain.ErrBookingNotFound,
			sagadomain.ErrSagaNotFound,
			inventorydomain.ErrUnknownResource,
			paymentdomain.ErrPaymentNotFound,
			gorm.ErrRecordNotFound,
		},
	},
	{
		status:  http.StatusServiceUnavailable,
		kind:    "service_unavailable",
		message: "service unavailable",
		errs:    []error{ErrServiceUnavailable},
	},
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if err != nil {
		for _, class := range errorClasses {
			if !matchesAny(err, class.errs) {
				continue
			}
			msg := class.message
			if msg == "" {
				msg = err.Error()
			}
			return class.status, errorPayload{Type: class.kind, Message: msg}
		}
	}

	return http.StatusInternalServerError, errorPayload{
		Type:    "internal_error",
		Message: "internal server error",
	}
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}
