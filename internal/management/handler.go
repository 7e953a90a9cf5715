package management

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"meridian/internal/logger"
	"meridian/pkg/errors"
)

type Handler struct {
	service *Service
	logger  logger.Logger
}

func NewHandler(service *Service, log logger.Logger) *Handler {
	return &Handler{service: service, logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		components := v1.Group("/components")
		{
			components.GET("", h.ListComponents)
			components.GET("/:id", h.GetComponent)
			components.GET("/:id/backlog", h.Backlog)
			components.POST("/:id/:side/:op", h.SetState)
		}

		flows := v1.Group("/flows")
		{
			flows.GET("/:id", h.GetFlow)
			flows.GET("/:id/lineage", h.Lineage)
		}

		v1.GET("/groups/:id", h.Group)
		v1.GET("/errors", h.Errors)
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.logger.DebugwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, errors.ToErrorResponse(err))
}

func badQuery(c *gin.Context, name string, err error) {
	c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
		errors.ErrValidation.WithMessage("invalid query parameter "+name).WithCause(err)))
}

// ListComponents serves GET /components?owner=.
func (h *Handler) ListComponents(c *gin.Context) {
	list, err := h.service.ListComponents(c.Request.Context(), c.Query("owner"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) GetComponent(c *gin.Context) {
	comp, err := h.service.GetComponent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, comp)
}

// SetState serves POST /components/:id/{inbound|outbound}/{start|stop}.
func (h *Handler) SetState(c *gin.Context) {
	change, err := h.service.SetState(c.Request.Context(), c.Param("id"), c.Param("side"), c.Param("op"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

func (h *Handler) Backlog(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		badQuery(c, "limit", err)
		return
	}
	view, err := h.service.Backlog(c.Request.Context(), c.Param("id"), c.Query("direction"), limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetFlow serves GET /flows/:id; content=true includes the message body.
func (h *Handler) GetFlow(c *gin.Context) {
	includeContent := false
	if v := c.Query("content"); v != "" {
		var err error
		if includeContent, err = strconv.ParseBool(v); err != nil {
			badQuery(c, "content", err)
			return
		}
	}
	view, err := h.service.Flow(c.Request.Context(), c.Param("id"), includeContent)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) Lineage(c *gin.Context) {
	flows, err := h.service.Lineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, flows)
}

func (h *Handler) Group(c *gin.Context) {
	flows, err := h.service.Group(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, flows)
}

// Errors serves GET /errors?component_id=&since=RFC3339&limit=.
func (h *Handler) Errors(c *gin.Context) {
	var since time.Time
	if v := c.Query("since"); v != "" {
		var err error
		if since, err = time.Parse(time.RFC3339, v); err != nil {
			badQuery(c, "since", err)
			return
		}
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		badQuery(c, "limit", err)
		return
	}

	records, err := h.service.Errors(c.Request.Context(), c.Query("component_id"), since, limit)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func intQuery(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
