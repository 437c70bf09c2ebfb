package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/db"
	"github.com/coverline/coverline/services"
)

// AuthHandler serves login, logout, signup and the /api/me probe.
type AuthHandler struct {
	Users    *services.UserService
	Policies *services.PolicyService
	Admin    *services.SupabaseAdminService
}

func NewAuthHandler(users *services.UserService, policies *services.PolicyService, admin *services.SupabaseAdminService) *AuthHandler {
	return &AuthHandler{Users: users, Policies: policies, Admin: admin}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login runs the password grant and returns the provider session plus the
// resolved profile. The profiles row's role wins over token metadata here;
// the client stores the returned tokens and presents the access token on
// every request.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password required"})
		return
	}

	session, resolved, err := h.Users.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrTokenInvalid) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		respondServiceError(c, err)
		return
	}

	c.SetCookie(accessTokenCookie, session.AccessToken, session.ExpiresIn, "/", "", false, true)

	c.JSON(http.StatusOK, gin.H{
		"user":        resolved,
		"session":     session,
		"redirect_to": resolved.Role.LandingPath(),
	})
}

// Logout revokes the provider session and clears the cookie. Best effort:
// a dead session is already logged out.
func (h *AuthHandler) Logout(c *gin.Context) {
	if token := c.GetString("access_token"); token != "" {
		if err := h.Admin.SignOut(c.Request.Context(), token); err != nil {
			c.JSON(http.StatusOK, gin.H{"message": "signed out", "warning": err.Error()})
			c.SetCookie(accessTokenCookie, "", -1, "/", "", false, true)
			return
		}
	}
	c.SetCookie(accessTokenCookie, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"message": "signed out"})
}

type signupRequest struct {
	services.SignupParams
	// Optional first vehicle; when complete, a pending policy is minted.
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	VIN          string `json:"vin"`
	Color        string `json:"color"`
	Registration string `json:"registration"`
}

// Signup provisions a customer account and, when the form carried a
// complete vehicle, a pending policy for it.
func (h *AuthHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	user, err := h.Users.Signup(c.Request.Context(), req.SignupParams)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	if req.Make != "" && req.Model != "" && req.Year != 0 && req.VIN != "" && req.Registration != "" {
		vehicle := db.Vehicle{
			Make:         req.Make,
			Model:        req.Model,
			Year:         req.Year,
			VIN:          req.VIN,
			Color:        req.Color,
			Registration: req.Registration,
		}
		if _, err := h.Policies.CreateSignupPolicy(c.Request.Context(), user.ID, vehicle); err != nil {
			respondServiceError(c, err)
			return
		}
	}

	c.JSON(http.StatusCreated, gin.H{"message": "User created successfully", "id": user.ID})
}

// Me returns the resolved caller profile, including whether it came from
// the durable row or the metadata fallback.
func (h *AuthHandler) Me(c *gin.Context) {
	caller := authz.CallerFrom(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":       "unauthorized",
			"message":     "Not authenticated",
			"redirect_to": "/login",
		})
		return
	}
	c.JSON(http.StatusOK, caller)
}
