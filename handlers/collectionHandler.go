package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/middlewares"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
	"github.com/vendcash/collections_backend/workflow"
)

// CollectionService is the lifecycle engine as seen by the HTTP layer.
type CollectionService interface {
	Create(ctx context.Context, input *models.NewCollection) (*models.Collection, error)
	BulkCreate(ctx context.Context, input workflow.BulkCreateInput) (*workflow.BulkCreateResult, error)
	Receive(ctx context.Context, id string, managerId string, amount decimal.Decimal, notes *string) (*models.Collection, error)
	Edit(ctx context.Context, id string, userId string, amount decimal.Decimal, reason string) (*models.Collection, error)
	Cancel(ctx context.Context, id string, userId string, reason string) (*models.Collection, error)
	BulkCancel(ctx context.Context, input workflow.BulkCancelInput) (*workflow.BulkCancelResult, error)
	Remove(ctx context.Context, id string, userId string) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	FindPending(ctx context.Context) ([]*models.Collection, error)
	GetHistory(ctx context.Context, id string) ([]*models.CollectionHistory, error)
	CheckDuplicate(ctx context.Context, machineId string, collectedAt time.Time) (*models.Collection, error)
}

var _ CollectionService = (*workflow.CollectionWorkflow)(nil)

// CollectionHandler handles collection HTTP requests
type CollectionHandler struct {
	service CollectionService
	logger  *logrus.Logger
}

func NewCollectionHandler(service CollectionService, logger *logrus.Logger) *CollectionHandler {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &CollectionHandler{service: service, logger: logger}
}

// RegisterRoutes mounts the collection API under r. Every route requires an actor;
// DELETE additionally requires the admin role.
func (h *CollectionHandler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/collections", middlewares.RequireActor())
	g.POST("", h.Create)
	g.POST("/bulk", h.BulkCreate)
	g.POST("/bulk-cancel", h.BulkCancel)
	g.GET("/pending", h.FindPending)
	g.GET("/duplicates", h.CheckDuplicate)
	g.GET("/:id", h.GetCollection)
	g.GET("/:id/history", h.GetHistory)
	g.POST("/:id/receive", h.Receive)
	g.PUT("/:id/amount", h.Edit)
	g.POST("/:id/cancel", h.Cancel)
	g.DELETE("/:id", middlewares.RequireAdmin(), h.Remove)
}

type createRequest struct {
	MachineId          string                  `json:"machine_id"`
	CollectedAt        time.Time               `json:"collected_at"`
	Latitude           *float64                `json:"latitude"`
	Longitude          *float64                `json:"longitude"`
	Notes              string                  `json:"notes"`
	Source             models.CollectionSource `json:"source"`
	SkipDuplicateCheck bool                    `json:"skip_duplicate_check"`
}

type bulkCreateRequest struct {
	Items           []workflow.BulkCreateItem `json:"items"`
	Source          models.CollectionSource   `json:"source"`
	CheckDuplicates bool                      `json:"check_duplicates"`
}

type receiveRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Notes  *string         `json:"notes"`
}

type editRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type bulkCancelRequest struct {
	Ids    []string                 `json:"ids"`
	Filter *models.CollectionFilter `json:"filter"`
	Reason string                   `json:"reason"`
}

func actor(c *gin.Context) string {
	userId, _ := utils.GetUserIdFromContext(c.Request.Context())
	return userId
}

// Create handles POST /collections
func (h *CollectionHandler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	collection, err := h.service.Create(c.Request.Context(), &models.NewCollection{
		MachineId:          req.MachineId,
		OperatorId:         actor(c),
		CollectedAt:        req.CollectedAt,
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		Notes:              req.Notes,
		Source:             req.Source,
		SkipDuplicateCheck: req.SkipDuplicateCheck,
	})
	if err != nil {
		h.writeError(c, "Create", err)
		return
	}
	c.JSON(http.StatusCreated, collection)
}

// BulkCreate handles POST /collections/bulk
func (h *CollectionHandler) BulkCreate(c *gin.Context) {
	var req bulkCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.service.BulkCreate(c.Request.Context(), workflow.BulkCreateInput{
		Items:           req.Items,
		OperatorId:      actor(c),
		Source:          req.Source,
		CheckDuplicates: req.CheckDuplicates,
	})
	if err != nil {
		h.writeError(c, "BulkCreate", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Receive handles POST /collections/:id/receive
func (h *CollectionHandler) Receive(c *gin.Context) {
	var req receiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	collection, err := h.service.Receive(c.Request.Context(), c.Param("id"), actor(c), req.Amount, req.Notes)
	if err != nil {
		h.writeError(c, "Receive", err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

// Edit handles PUT /collections/:id/amount
func (h *CollectionHandler) Edit(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	collection, err := h.service.Edit(c.Request.Context(), c.Param("id"), actor(c), req.Amount, req.Reason)
	if err != nil {
		h.writeError(c, "Edit", err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

// Cancel handles POST /collections/:id/cancel. The body is optional.
func (h *CollectionHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	collection, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		h.writeError(c, "Cancel", err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

// BulkCancel handles POST /collections/bulk-cancel
func (h *CollectionHandler) BulkCancel(c *gin.Context) {
	var req bulkCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.service.BulkCancel(c.Request.Context(), workflow.BulkCancelInput{
		Ids:    req.Ids,
		Filter: req.Filter,
		UserId: actor(c),
		Reason: req.Reason,
	})
	if err != nil {
		h.writeError(c, "BulkCancel", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Remove handles DELETE /collections/:id
func (h *CollectionHandler) Remove(c *gin.Context) {
	if err := h.service.Remove(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		h.writeError(c, "Remove", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCollection handles GET /collections/:id
func (h *CollectionHandler) GetCollection(c *gin.Context) {
	collection, err := h.service.GetCollection(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "GetCollection", err)
		return
	}
	c.JSON(http.StatusOK, collection)
}

// FindPending handles GET /collections/pending
func (h *CollectionHandler) FindPending(c *gin.Context) {
	collections, err := h.service.FindPending(c.Request.Context())
	if err != nil {
		h.writeError(c, "FindPending", err)
		return
	}
	middlewares.AttachMachines(c.Request.Context(), collections)
	c.JSON(http.StatusOK, gin.H{"collections": collections, "count": len(collections)})
}

// GetHistory handles GET /collections/:id/history
func (h *CollectionHandler) GetHistory(c *gin.Context) {
	history, err := h.service.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "GetHistory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

// CheckDuplicate handles GET /collections/duplicates?machine_id=&collected_at=
func (h *CollectionHandler) CheckDuplicate(c *gin.Context) {
	collectedAt, err := time.Parse(time.RFC3339, c.Query("collected_at"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "collected_at must be an RFC3339 timestamp"})
		return
	}
	existing, err := h.service.CheckDuplicate(c.Request.Context(), c.Query("machine_id"), collectedAt)
	if err != nil {
		h.writeError(c, "CheckDuplicate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"duplicate": existing != nil, "collection": existing})
}

// writeError maps engine errors onto HTTP status codes. Unexpected errors are logged.
func (h *CollectionHandler) writeError(c *gin.Context, funcName string, err error) {
	var dup *models.DuplicateDetectedError
	switch {
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "existing_id": dup.ExistingId})
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrAlreadyCancelled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	default:
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(h.logger, "CollectionHandler", funcName, c.Request.URL.Path, map[string]string{"correlation_id": cid}, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
