package v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Init starts a live import.
// POST /api/v2/importruns/init
func (h *Handler) Init(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "failed to read request body"})
	}
	resp, err := h.service.Init(c.Request().Context(), body)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Feed applies a batch of events.
// POST /api/v2/importruns/feed?run=ID
func (h *Handler) Feed(c echo.Context) error {
	runID, err := queryRunID(c)
	if err != nil {
		return h.error(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "failed to read request body"})
	}
	if err := h.service.Feed(c.Request().Context(), runID, body); err != nil {
		return h.error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Finish closes a live import.
// POST /api/v2/importruns/finish?run=ID
func (h *Handler) Finish(c echo.Context) error {
	runID, err := queryRunID(c)
	if err != nil {
		return h.error(c, err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"message": "failed to read request body"})
	}
	if err := h.service.Finish(c.Request().Context(), runID, body); err != nil {
		return h.error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
