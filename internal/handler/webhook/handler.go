package webhook

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sealtrack/webhook-service/internal/handler"
	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
	"github.com/sealtrack/webhook-service/internal/service/dispatcher"
	subscriptionService "github.com/sealtrack/webhook-service/internal/service/subscription"
	apperrors "github.com/sealtrack/webhook-service/pkg/errors"
)

type Handler struct {
	service      subscriptionService.Servicer
	dispatcher   *dispatcher.Service
	deliveryRepo repository.DeliveryRepository
}

func NewHandler(service subscriptionService.Servicer, dispatcher *dispatcher.Service, deliveryRepo repository.DeliveryRepository) *Handler {
	return &Handler{service: service, dispatcher: dispatcher, deliveryRepo: deliveryRepo}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("", h.CreateSubscription)
		webhooks.GET("", h.ListSubscriptions)
		webhooks.GET("/:id", h.GetSubscription)
		webhooks.PUT("/:id", h.UpdateSubscription)
		webhooks.DELETE("/:id", h.DeleteSubscription)
		webhooks.POST("/:id/activate", h.ActivateSubscription)
		webhooks.GET("/:id/deliveries", h.ListDeliveries)
	}
	deliveries := r.Group("/deliveries")
	{
		deliveries.GET("/:id", h.GetDelivery)
		deliveries.POST("/:id/replay", h.ReplayDelivery)
	}
}

type retryPolicyRequest struct {
	MaxAttempts       int     `json:"max_attempts" binding:"required,min=1"`
	InitialDelayMs    int     `json:"initial_delay_ms" binding:"min=0"`
	BackoffMultiplier float64 `json:"backoff_multiplier" binding:"required,min=1"`
}

type createSubscriptionRequest struct {
	OrganizationID string              `json:"organization_id" binding:"required,uuid"`
	Name           string              `json:"name" binding:"required"`
	URL            string              `json:"url" binding:"required"`
	Events         []string            `json:"events" binding:"required,min=1"`
	Secret         string              `json:"secret"`
	Headers        map[string]string   `json:"headers"`
	RetryPolicy    *retryPolicyRequest `json:"retry_policy"`
}

type updateSubscriptionRequest struct {
	Name        *string             `json:"name"`
	URL         *string             `json:"url"`
	Events      []string            `json:"events"`
	Secret      *string             `json:"secret"`
	Headers     map[string]string   `json:"headers"`
	RetryPolicy *retryPolicyRequest `json:"retry_policy"`
	Active      *bool               `json:"active"`
}

func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	orgID, err := uuid.Parse(req.OrganizationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid organization ID"))
		return
	}

	spec := subscriptionService.Spec{
		OrganizationID: orgID,
		Name:           req.Name,
		URL:            req.URL,
		Events:         req.Events,
		Secret:         req.Secret,
		Headers:        req.Headers,
		RetryPolicy:    toRetryPolicy(req.RetryPolicy),
	}

	sub, err := h.service.Register(c.Request.Context(), spec)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(sub))
}

func (h *Handler) ListSubscriptions(c *gin.Context) {
	orgID, err := uuid.Parse(c.Query("organization_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid organization ID"))
		return
	}

	subs, err := h.service.List(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(subs))
}

func (h *Handler) GetSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid subscription ID"))
		return
	}

	sub, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(sub))
}

func (h *Handler) UpdateSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid subscription ID"))
		return
	}

	var req updateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	update := subscriptionService.Update{
		Name:        req.Name,
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Headers:     req.Headers,
		RetryPolicy: toRetryPolicy(req.RetryPolicy),
		Active:      req.Active,
	}

	sub, err := h.service.Update(c.Request.Context(), id, update)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(sub))
}

func (h *Handler) DeleteSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid subscription ID"))
		return
	}

	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(nil))
}

func (h *Handler) ActivateSubscription(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid subscription ID"))
		return
	}

	sub, err := h.service.Activate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(sub))
}

func (h *Handler) ListDeliveries(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid subscription ID"))
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid limit"))
			return
		}
		limit = parsed
	}

	deliveries, err := h.deliveryRepo.ListBySubscription(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(deliveries))
}

func (h *Handler) GetDelivery(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid delivery ID"))
		return
	}

	d, err := h.deliveryRepo.Get(c.Request.Context(), id)
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, handler.NewErrorResponse("delivery not found"))
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, handler.NewSuccessResponse(d))
}

func (h *Handler) ReplayDelivery(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid delivery ID"))
		return
	}

	clone, err := h.dispatcher.Replay(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, handler.NewSuccessResponse(clone))
}

func toRetryPolicy(req *retryPolicyRequest) *model.RetryPolicy {
	if req == nil {
		return nil
	}
	return &model.RetryPolicy{
		MaxAttempts:       req.MaxAttempts,
		InitialDelayMs:    req.InitialDelayMs,
		BackoffMultiplier: req.BackoffMultiplier,
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, handler.NewErrorResponse(err.Error()))
	case apperrors.IsInvalidSpec(err):
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, handler.NewErrorResponse(err.Error()))
	}
}
