package v2

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// ListRuns lists runs, newest first.
// GET /api/v2/runs?unfinished=true&limit=N
func (h *Handler) ListRuns(c echo.Context) error {
	filter := domain.RunFilter{}
	if v := c.QueryParam("unfinished"); v != "" {
		unfinished, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid unfinished flag"})
		}
		filter.UnfinishedOnly = unfinished
	}
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"message": "invalid limit"})
		}
		filter.Limit = limit
	}

	runs, err := h.service.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// GetRun returns a run summary.
// GET /api/v2/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	runID, err := parseRunID(c.Param("run_id"))
	if err != nil {
		return h.error(c, err)
	}
	summary, err := h.service.GetRun(c.Request().Context(), runID)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

// GetRunResults returns the results of a run in execution order.
// GET /api/v2/runs/:run_id/results
func (h *Handler) GetRunResults(c echo.Context) error {
	runID, err := parseRunID(c.Param("run_id"))
	if err != nil {
		return h.error(c, err)
	}
	rows, err := h.service.RunResults(c.Request().Context(), runID)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"results": rows,
	})
}

// GetRunStats returns the statistics of a run.
// GET /api/v2/runs/:run_id/stats
func (h *Handler) GetRunStats(c echo.Context) error {
	runID, err := parseRunID(c.Param("run_id"))
	if err != nil {
		return h.error(c, err)
	}
	stats, err := h.service.RunStats(c.Request().Context(), runID)
	if err != nil {
		return h.error(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
