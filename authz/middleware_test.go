package authz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// setCaller injects a resolved caller ahead of the gate, standing in for the
// session middleware.
func setCaller(id string, role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(string(ContextKeyProfile), Caller(testCaller{id: id, role: role}))
		c.Next()
	}
}

func gateRouter(pre gin.HandlerFunc, allowed ...Role) *gin.Engine {
	r := gin.New()
	g := r.Group("/admin")
	if pre != nil {
		g.Use(pre)
	}
	g.Use(RequireRoles(allowed...))
	g.GET("/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestRequireRolesUnauthenticated(t *testing.T) {
	r := gateRouter(nil, StaffRoles...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, "/login", body["redirect_to"])
}

func TestRequireRolesForbiddenCustomer(t *testing.T) {
	r := gateRouter(setCaller("cus-1", RoleCustomer), StaffRoles...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "forbidden", body["error"])
	// Denied callers land on their own page, not the one they were denied.
	assert.Equal(t, "/policies", body["redirect_to"])
}

func TestRequireRolesSubadminOnAdminOnly(t *testing.T) {
	r := gateRouter(setCaller("sub-1", RoleSubadmin), AdminOnly...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "/admin", body["redirect_to"])
}

func TestRequireRolesAllowed(t *testing.T) {
	for _, role := range StaffRoles {
		r := gateRouter(setCaller("u-1", role), StaffRoles...)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code, "role %s", role)
	}
}

func TestCallerFromMissing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, CallerFrom(c))
}
