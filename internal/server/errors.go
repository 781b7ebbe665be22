package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	fanoutdomain "github.com/smallbiznis/melodia/internal/fanout/domain"
	generationdomain "github.com/smallbiznis/melodia/internal/generation/domain"
	"github.com/smallbiznis/melodia/internal/leaderboard"
	ledgerdomain "github.com/smallbiznis/melodia/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/melodia/internal/payment/domain"
	"github.com/smallbiznis/melodia/internal/providers/songgen"
	reconciledomain "github.com/smallbiznis/melodia/internal/reconcile/domain"
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
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
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

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(err, code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, songgen.ErrInvalidCallbackToken):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, generationdomain.ErrRequestInFlight):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, generationdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, generationdomain.ErrCheckoutUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_unavailable",
			Message: "payment gateway unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, generationdomain.ErrInvalidRequest),
		errors.Is(err, generationdomain.ErrInvalidInput),
		errors.Is(err, generationdomain.ErrInvalidUser),
		errors.Is(err, generationdomain.ErrDonationTooSmall),
		errors.Is(err, ledgerdomain.ErrInvalidUser),
		errors.Is(err, fanoutdomain.ErrInvalidPeriod),
		errors.Is(err, fanoutdomain.ErrInvalidStat),
		errors.Is(err, leaderboard.ErrInvalidPeriod),
		errors.Is(err, leaderboard.ErrInvalidStat),
		errors.Is(err, leaderboard.ErrInvalidKey),
		errors.Is(err, paymentdomain.ErrInvalidProvider),
		errors.Is(err, paymentdomain.ErrInvalidSignature),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, songgen.ErrInvalidCallback):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, generationdomain.ErrRequestNotFound),
		errors.Is(err, ledgerdomain.ErrUserNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, reconciledomain.ErrTaskNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		generationdomain.ErrInvalidRequest,
		generationdomain.ErrInvalidInput,
		generationdomain.ErrInvalidUser,
		generationdomain.ErrDonationTooSmall,
		ledgerdomain.ErrInvalidUser,
		fanoutdomain.ErrInvalidPeriod,
		fanoutdomain.ErrInvalidStat,
		leaderboard.ErrInvalidPeriod,
		leaderboard.ErrInvalidStat,
		leaderboard.ErrInvalidKey,
		paymentdomain.ErrInvalidProvider,
		paymentdomain.ErrInvalidSignature,
		paymentdomain.ErrInvalidPayload,
		paymentdomain.ErrInvalidEvent,
		songgen.ErrInvalidCallback,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if code == generationdomain.ErrDonationTooSmall.Error() {
		return "donation_amount"
	}
	return ""
}

func validationErrorMessage(err error, code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case generationdomain.ErrInvalidInput.Error():
		// input errors carry the offending field after the sentinel
		if _, detail, ok := strings.Cut(err.Error(), ": "); ok {
			return detail
		}
		return "invalid value"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog feeds the request logger's error_type and error_code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
