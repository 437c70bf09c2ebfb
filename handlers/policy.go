package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/services"
)

// PolicyHandler serves policy CRUD and the revenue report.
type PolicyHandler struct {
	Policies *services.PolicyService
}

func NewPolicyHandler(policies *services.PolicyService) *PolicyHandler {
	return &PolicyHandler{Policies: policies}
}

// ListPolicies returns what the caller may see: customers their own
// policies, admins everything, subadmins the ones they created.
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	policies, err := h.Policies.ListPolicies(c.Request.Context(), authz.CallerFrom(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "total": len(policies)})
}

func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	policy, err := h.Policies.GetPolicy(c.Request.Context(), authz.CallerFrom(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

func (h *PolicyHandler) CreatePolicy(c *gin.Context) {
	var params services.PolicyParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	policy, err := h.Policies.CreatePolicy(c.Request.Context(), authz.CallerFrom(c), params)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, policy)
}

func (h *PolicyHandler) UpdatePolicy(c *gin.Context) {
	var params services.PolicyParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	policy, err := h.Policies.UpdatePolicy(c.Request.Context(), authz.CallerFrom(c), c.Param("id"), params)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// UnassignPolicy detaches a policy from its customer, keeping the record.
func (h *PolicyHandler) UnassignPolicy(c *gin.Context) {
	if err := h.Policies.UnassignPolicy(c.Request.Context(), authz.CallerFrom(c), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "policy unassigned"})
}

// DeletePolicy is admin-only via the route gate.
func (h *PolicyHandler) DeletePolicy(c *gin.Context) {
	if err := h.Policies.DeletePolicy(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "policy deleted"})
}

// Revenue lists written premium per policy with the grand total.
func (h *PolicyHandler) Revenue(c *gin.Context) {
	lines, total, err := h.Policies.Revenue(c.Request.Context(), authz.CallerFrom(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": lines, "total_gbp": total})
}
