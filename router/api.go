package router

import (
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/handlers"
	"github.com/coverline/coverline/internal/config"
	"github.com/coverline/coverline/services"
)

// NewGinRouter wires services, the session resolver and the role gates
// onto the portal's route table.
func NewGinRouter(pg *sql.DB, rds *redis.Client) *gin.Engine {
	r := gin.Default()

	// CORS for the browser frontend
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	supabaseAuth := services.NewSupabaseAuthService(config.App.SupabaseURL, config.App.SupabaseJWTSecret)
	supabaseAdmin := services.NewSupabaseAdminService(config.App.SupabaseURL, config.App.SupabaseServiceRoleKey)
	profileService := services.NewProfileService(pg, rds)
	userService := services.NewUserService(supabaseAdmin, profileService)
	policyService := services.NewPolicyService(pg, profileService, supabaseAdmin)

	// Initialize handlers and middleware
	authMiddleware := handlers.NewAuthMiddleware(supabaseAuth, profileService)
	authHandler := handlers.NewAuthHandler(userService, policyService, supabaseAdmin)
	userHandler := handlers.NewUserHandler(userService, profileService, supabaseAdmin)
	policyHandler := handlers.NewPolicyHandler(policyService)

	// PUBLIC ENDPOINTS (no authentication required)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/env", func(c *gin.Context) {
		// Frontend bootstrap: where to reach the identity provider.
		c.JSON(200, gin.H{
			"supabase_url":      config.App.SupabaseURL,
			"supabase_anon_key": config.App.SupabaseAnonKey,
		})
	})

	auth := r.Group("/api/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/signup", authHandler.Signup)
	}

	// PROTECTED ENDPOINTS: resolve the session once, then gate per group.
	api := r.Group("/api")
	api.Use(authMiddleware.ResolveSession())
	{
		api.GET("/me", authHandler.Me)
		api.POST("/auth/logout", authHandler.Logout)

		// Any signed-in caller; row visibility is decided per role.
		policies := api.Group("/policies")
		policies.Use(authz.RequireRoles(authz.RoleAdmin, authz.RoleSubadmin, authz.RoleCustomer))
		{
			policies.GET("", policyHandler.ListPolicies)
			policies.GET("/:id", policyHandler.GetPolicy)
		}

		// Staff area: admins and subadmins.
		staff := api.Group("/admin")
		staff.Use(authz.RequireRoles(authz.StaffRoles...))
		{
			staff.GET("/users", userHandler.ListUsers)
			staff.POST("/users", userHandler.CreateUser)
			staff.PUT("/users/:id", userHandler.UpdateUser)

			staff.GET("/customers", userHandler.ListCustomers)

			staff.POST("/policies", policyHandler.CreatePolicy)
			staff.PUT("/policies/:id", policyHandler.UpdatePolicy)
			staff.POST("/policies/:id/unassign", policyHandler.UnassignPolicy)

			staff.GET("/revenue", policyHandler.Revenue)
		}

		// Destructive operations: admin only, subadmin excluded.
		admin := api.Group("/admin")
		admin.Use(authz.RequireRoles(authz.AdminOnly...))
		{
			admin.DELETE("/users/:id", userHandler.DeleteUser)
			admin.DELETE("/policies/:id", policyHandler.DeletePolicy)
		}
	}

	return r
}
