// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"propmove/internal/modules/dispatch"
	"propmove/internal/modules/earnings"
	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/modules/rating"
	"propmove/internal/modules/trip"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts uuid-style and opaque upstream ids.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module errors to HTTP statuses. Unknown errors are
// logged by the access log through c.Error and reported as 500.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidInput),
		errors.Is(err, pricing.ErrInvalidInput),
		errors.Is(err, location.ErrInvalidInput),
		errors.Is(err, trip.ErrBadRequest),
		errors.Is(err, rating.ErrInvalidStars),
		errors.Is(err, earnings.ErrInvalidAmount):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, pricing.ErrNoPricingRule):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, trip.ErrForbidden),
		errors.Is(err, dispatch.ErrForbidden),
		errors.Is(err, location.ErrNotApproved):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, trip.ErrNotFound),
		errors.Is(err, location.ErrNotFound),
		errors.Is(err, rating.ErrDriverNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrConflict),
		errors.Is(err, trip.ErrInvalidState),
		errors.Is(err, trip.ErrAlreadyAssigned),
		errors.Is(err, trip.ErrExpired),
		errors.Is(err, rating.ErrAlreadyRated),
		errors.Is(err, dispatch.ErrDuplicateRequest):
		writeError(c, http.StatusConflict, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// bindJSON decodes the body and answers 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func pathID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return id, true
}
