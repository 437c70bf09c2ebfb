package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/services"
)

// UserHandler serves the staff user-management endpoints.
type UserHandler struct {
	Users    *services.UserService
	Profiles *services.ProfileService
	Admin    *services.SupabaseAdminService
}

func NewUserHandler(users *services.UserService, profiles *services.ProfileService, admin *services.SupabaseAdminService) *UserHandler {
	return &UserHandler{Users: users, Profiles: profiles, Admin: admin}
}

// ListUsers returns the users visible to the caller. Subadmins get only
// the accounts they created; the service applies that row filter.
func (h *UserHandler) ListUsers(c *gin.Context) {
	users, err := h.Users.ListUsers(c.Request.Context(), authz.CallerFrom(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "total": len(users)})
}

func (h *UserHandler) CreateUser(c *gin.Context) {
	var params services.CreateUserParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	user, err := h.Users.CreateUser(c.Request.Context(), authz.CallerFrom(c), params)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *UserHandler) UpdateUser(c *gin.Context) {
	id := c.Param("id")
	var params services.UpdateUserParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	if err := h.Users.UpdateUser(c.Request.Context(), authz.CallerFrom(c), id, params); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user updated"})
}

// DeleteUser removes identity and profile. The route gate restricts this
// to admins.
func (h *UserHandler) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if err := h.Users.DeleteUser(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user deleted"})
}

// customerOption is a dropdown entry for policy assignment: the profile id
// plus a display label rich enough to tell customers apart.
type customerOption struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// ListCustomers returns profiles with role customer. An optional ?status=
// filter is resolved against identity metadata, since status lives in the
// provider's blob rather than the profiles table.
func (h *UserHandler) ListCustomers(c *gin.Context) {
	profiles, err := h.Profiles.ListCustomers(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	status := c.Query("status")
	statusByID := map[string]string{}
	if status != "" {
		authUsers, err := h.Admin.ListUsers(c.Request.Context())
		if err != nil {
			respondServiceError(c, err)
			return
		}
		for i := range authUsers {
			s := authUsers[i].MetaString("status")
			if s == "" {
				s = "pending"
			}
			statusByID[authUsers[i].ID] = s
		}
	}

	options := make([]customerOption, 0, len(profiles))
	for _, p := range profiles {
		if status != "" && statusByID[p.ID] != status {
			continue
		}
		name := p.Name
		if name == "" && p.FirstName != "" && p.LastName != "" {
			name = p.FirstName + " " + p.LastName
		}
		if name == "" {
			name = p.Email
		}
		if p.Email != "" && name != p.Email {
			name = name + " (" + p.Email + ")"
		}
		options = append(options, customerOption{ID: p.ID, Name: name, Email: p.Email, Phone: p.Phone})
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, options)
}
