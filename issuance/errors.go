package issuance

import (
	"encoding/json"
	"errors"
	"net/http"

	"coupon-issuance/issuance/domain"
)

var errBadRequest = errors.New("bad request")

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusFor traduz o erro para (status, código). Desconhecido = 500.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, domain.ErrCompensationFailure):
		return http.StatusInternalServerError, "COMPENSATION_FAILURE"
	case errors.Is(err, domain.ErrStockExhausted):
		return http.StatusConflict, "STOCK_EXHAUSTED"
	case errors.Is(err, domain.ErrDuplicateClaim):
		return http.StatusConflict, "DUPLICATE_CLAIM"
	case errors.Is(err, domain.ErrInvalidResourceType):
		return http.StatusNotFound, "INVALID_RESOURCE_TYPE"
	case errors.Is(err, domain.ErrPathNotAllowed):
		return http.StatusBadRequest, "PATH_NOT_ALLOWED"
	case errors.Is(err, domain.ErrResourceBusy):
		return http.StatusServiceUnavailable, "RESOURCE_BUSY"
	case errors.Is(err, domain.ErrGrantUnavailable):
		return http.StatusConflict, "GRANT_UNAVAILABLE"
	case errors.Is(err, domain.ErrReservationNotFound), errors.Is(err, domain.ErrRequestNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrReservationClosed),
		errors.Is(err, domain.ErrAlreadyCompensated),
		errors.Is(err, domain.ErrCompensationRunning):
		return http.StatusConflict, "RESERVATION_CLOSED"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
