package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/services"
)

// respondServiceError maps service failures onto the portal's error
// taxonomy: scope denials are 403 with the caller's own landing path,
// missing records 404, provider/datastore outages 502, everything else a
// plain 400.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrScopeDenied):
		redirect := "/policies"
		if caller := authz.CallerFrom(c); caller != nil {
			redirect = caller.CallerRole().LandingPath()
		}
		c.JSON(http.StatusForbidden, gin.H{
			"error":       "forbidden",
			"message":     "You don't have access to this resource",
			"redirect_to": redirect,
		})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case services.IsUpstream(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "upstream_error",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
