package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/drover-io/drover/pkg/orchestrator"
	"github.com/drover-io/drover/pkg/registry"
	"github.com/drover-io/drover/pkg/store"
)

// errorResponse is the envelope for every API error.
type errorResponse struct {
	Detail string `json:"detail"`
}

// errorHandler renders all handler errors as {"detail": ...}.
func errorHandler(c *echo.Context, err error) {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	detail := he.Message
	if detail == "" {
		detail = http.StatusText(he.Code)
	}
	if err := c.JSON(he.Code, errorResponse{Detail: detail}); err != nil {
		slog.Error("Failed to write error response", "error", err)
	}
}

// mapError maps service-layer errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, registry.ErrAgentNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, orchestrator.ErrApprovalConflict) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	var transErr *store.InvalidTransitionError
	if errors.As(err, &transErr) {
		return echo.NewHTTPError(http.StatusConflict, transErr.Error())
	}
	if errors.Is(err, registry.ErrAgentUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
