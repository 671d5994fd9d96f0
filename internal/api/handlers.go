// Package api implements the REST endpoints of the Lens observation service.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/middleware"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
	"github.com/bigdegenenergy/open-cloud-ops/lens/pkg/models"
)

// ObservationLister serves observation list requests.
type ObservationLister interface {
	List(ctx context.Context, projectID string, params query.Params, page, limit int) (models.ObservationsResponse, error)
}

// Pinger is a dependency whose reachability is reported by the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers provides REST API endpoint handlers.
type Handlers struct {
	lister       ObservationLister
	deps         map[string]Pinger
	defaultLimit int
	maxLimit     int
}

// NewHandlers creates a new Handlers instance. deps are checked by HealthCheck.
func NewHandlers(lister ObservationLister, defaultLimit, maxLimit int, deps map[string]Pinger) *Handlers {
	return &Handlers{
		lister:       lister,
		deps:         deps,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// HealthCheck returns the service health status with one entry per dependency.
func (h *Handlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": "lens",
		"version": "0.1.0",
		"checks":  checks,
	})
}

// listObservationsQuery is the query string of the observations list endpoint.
type listObservationsQuery struct {
	Page                *int       `form:"page"`
	Limit               *int       `form:"limit"`
	Name                string     `form:"name"`
	UserID              string     `form:"userId"`
	Type                string     `form:"type"`
	TraceID             string     `form:"traceId"`
	ParentObservationID string     `form:"parentObservationId"`
	Version             string     `form:"version"`
	FromStartTime       *time.Time `form:"fromStartTime" time_format:"2006-01-02T15:04:05Z07:00"`
	ToStartTime         *time.Time `form:"toStartTime" time_format:"2006-01-02T15:04:05Z07:00"`
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// ListObservations returns one page of observations of the caller's project.
// Query params: page, limit, name, userId, type, traceId, parentObservationId,
// version, fromStartTime, toStartTime (RFC 3339).
func (h *Handlers) ListObservations(c *gin.Context) {
	projectID := middleware.ProjectID(c)
	if projectID == "" {
		projectID = c.Param("project_id")
	}
	if projectID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "No project for this request."})
		return
	}

	var q listObservationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err.Error())
		return
	}

	page, limit := 1, h.defaultLimit
	if q.Page != nil {
		page = *q.Page
	}
	if q.Limit != nil {
		limit = *q.Limit
	}
	if limit > h.maxLimit {
		badRequest(c, "limit must not exceed "+strconv.Itoa(h.maxLimit))
		return
	}

	resp, err := h.lister.List(c.Request.Context(), projectID, query.Params{
		Name:                q.Name,
		UserID:              q.UserID,
		Type:                q.Type,
		TraceID:             q.TraceID,
		ParentObservationID: q.ParentObservationID,
		Version:             q.Version,
		FromStartTime:       q.FromStartTime,
		ToStartTime:         q.ToStartTime,
	}, page, limit)
	if err != nil {
		if query.IsInvalidInput(err) {
			badRequest(c, err.Error())
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_server_error",
			"message": "Failed to list observations.",
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}
