package handler

import (
	"net/http"
	"time"

	"backend/internal/identity"
	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// AuthHandler exchanges operator credentials for the JWT every other route
// expects. The engine never sees credentials — only the (userID, role) pair
// the token carries.
type AuthHandler struct {
	operators *identity.Directory
	audit     service.AuditService
}

func NewAuthHandler(operators *identity.Directory, audit service.AuditService) *AuthHandler {
	return &AuthHandler{operators: operators, audit: audit}
}

func (h *AuthHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/api/auth/login", h.Login)
}

// Login authenticates an operator and returns a JWT token
// @Summary      Login operator
// @Description  Authenticates an operator against the configured directory, returning a JWT token
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        payload  body      handler.LoginRequest  true  "Login credentials"
// @Success      200      {object}  response.Response{data=handler.TokenResponse}
// @Failure      400      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Router       /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload"))
		return
	}

	operator, err := h.operators.Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  operator.ID,
		"role": operator.Role,
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
	})
	tokenString, err := token.SignedString(middleware.GetJWTSecret())
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, "Failed to generate token"))
		return
	}

	h.audit.Record(c.Request.Context(), &operator.ID, operator.Role, model.ActionOperatorLogin, operator.ID, operator.Username, map[string]interface{}{
		"username": operator.Username,
	})

	c.JSON(http.StatusOK, response.Success(http.StatusOK, TokenResponse{Token: tokenString, Role: operator.Role}))
}
