package handler

import (
	"errors"
	"net/http"

	"backend/internal/middleware"
	"backend/internal/registry"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type ApprovalHandler struct {
	approvalService service.ApprovalService
}

func NewApprovalHandler(approvalService service.ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{approvalService: approvalService}
}

func (h *ApprovalHandler) RegisterRoutes(router *gin.RouterGroup) {
	approvals := router.Group("/api/approvals")
	approvals.Use(middleware.RequireAuth())
	{
		approvals.POST("", h.InitiateRequest)
		approvals.GET("", h.ListPendingRequests)
		approvals.GET("/:id", h.GetRequest)
		approvals.PUT("/:id/approve", h.ApproveRequest)
		approvals.PUT("/:id/reject", h.RejectRequest)
	}
}

// InitiateRequest proposes a protected action for dual-control approval
// @Summary      Initiate approval request
// @Description  Records the intent to perform a protected action; a different eligible operator must approve before anything executes
// @Tags         approvals
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.InitiateRequestDTO  true  "Action and payload"
// @Success      201      {object}  response.Response{data=service.InitiateResult}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /api/approvals [post]
func (h *ApprovalHandler) InitiateRequest(c *gin.Context) {
	var req service.InitiateRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	userID, userRole := callerIdentity(c)
	result, err := h.approvalService.Initiate(c.Request.Context(), userID, userRole, req)
	if err != nil {
		status := statusForApprovalError(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, result))
}

// ListPendingRequests returns the pending queue scoped to the caller's role
// @Summary      List pending approval requests
// @Description  Pending requests the caller's role may approve; super admins can pass all=true for the unscoped view
// @Tags         approvals
// @Security     BearerAuth
// @Produce      json
// @Param        all    query     bool  false  "Privileged view of every pending request (super_admin only)"
// @Param        page   query     int   false  "Page number (default 1)"
// @Param        limit  query     int   false  "Number of items per page (default 20)"
// @Success      200    {object}  response.Response{data=object}
// @Router       /api/approvals [get]
func (h *ApprovalHandler) ListPendingRequests(c *gin.Context) {
	params := pagination.Parse(c)
	_, userRole := callerIdentity(c)

	role := userRole
	if c.Query("all") == "true" && userRole == registry.RoleSuperAdmin {
		role = ""
	}

	approvals, total, err := h.approvalService.ListPending(c.Request.Context(), role, params.Page, params.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, map[string]interface{}{
		"requests": approvals,
		"total":    total,
		"page":     params.Page,
		"limit":    params.Limit,
	}))
}

// GetRequest returns one approval request including its payload
// @Summary      Get approval request by id
// @Tags         approvals
// @Security     BearerAuth
// @Produce      json
// @Param        id   path      string  true  "Approval request id"
// @Success      200  {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/approvals/{id} [get]
func (h *ApprovalHandler) GetRequest(c *gin.Context) {
	result, err := h.approvalService.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := statusForApprovalError(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// ApproveRequest confirms a pending approval request
// @Summary      Approve request
// @Description  Confirms a pending request; the approver must differ from the initiator and hold an approver role for the action
// @Tags         approvals
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                     true   "Approval request id"
// @Param        payload  body      service.ApproveRequestDTO  false  "Optional note"
// @Success      200      {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      403      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/approvals/{id}/approve [put]
func (h *ApprovalHandler) ApproveRequest(c *gin.Context) {
	var req service.ApproveRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body — note is optional
		req.Note = ""
	}

	userID, userRole := callerIdentity(c)
	result, err := h.approvalService.Approve(c.Request.Context(), c.Param("id"), userID, userRole, req.Note)
	if err != nil {
		status := statusForApprovalError(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// RejectRequest rejects a pending approval request
// @Summary      Reject request
// @Description  Closes a pending request without executing anything; requires an approver role for the action
// @Tags         approvals
// @Security     BearerAuth
// @Accept       json
// @Produce      json
// @Param        id       path      string                    true  "Approval request id"
// @Param        payload  body      service.RejectRequestDTO  true  "Rejection reason"
// @Success      200      {object}  response.Response{data=service.ApprovalRequestResponse}
// @Failure      403      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/approvals/{id}/reject [put]
func (h *ApprovalHandler) RejectRequest(c *gin.Context) {
	var req service.RejectRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Rejection reason is required"))
		return
	}

	userID, userRole := callerIdentity(c)
	result, err := h.approvalService.Reject(c.Request.Context(), c.Param("id"), userID, userRole, req.Reason)
	if err != nil {
		status := statusForApprovalError(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// callerIdentity reads the identity the auth middleware attached.
func callerIdentity(c *gin.Context) (userID, userRole string) {
	id, _ := c.Get("userID")
	role, _ := c.Get("userRole")
	userID, _ = id.(string)
	userRole, _ = role.(string)
	return userID, userRole
}

// statusForApprovalError maps the engine's failure taxonomy onto HTTP.
// Expired and already-decided read as "this request was already resolved";
// the policy violations read as explicit denials.
func statusForApprovalError(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyDecided), errors.Is(err, service.ErrExpired):
		return http.StatusConflict
	case errors.Is(err, service.ErrSelfApproval), errors.Is(err, service.ErrRoleNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, service.ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
