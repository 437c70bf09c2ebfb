// Command reconcile repairs drift between the identity provider and the
// profiles table: every Supabase Auth user gets a profiles row, and the
// configured bootstrap admin account is provisioned when missing. Safe to
// run repeatedly; every write is an idempotent upsert.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/internal/config"
	"github.com/coverline/coverline/services"
)

func main() {
	configPath := os.Getenv("COVERLINE_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}
	if config.App.SupabaseURL == "" || config.App.SupabaseServiceRoleKey == "" {
		log.Fatal("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	ctx := context.Background()
	admin := services.NewSupabaseAdminService(config.App.SupabaseURL, config.App.SupabaseServiceRoleKey)
	profiles := services.NewProfileService(pg, nil)

	if err := ensureBootstrapAdmin(ctx, admin, profiles); err != nil {
		log.Fatalf("Bootstrap admin: %v", err)
	}

	log.Println("Fetching all users from Supabase Auth...")
	users, err := admin.ListUsers(ctx)
	if err != nil {
		log.Fatalf("List auth users: %v", err)
	}
	log.Printf("Found %d users in the auth system", len(users))

	existing, err := profiles.ListProfileIDs(ctx)
	if err != nil {
		log.Fatalf("List profiles: %v", err)
	}
	log.Printf("Found %d profiles in the database", len(existing))

	var created, failed int
	for i := range users {
		u := &users[i]
		if existing[u.ID] {
			continue
		}
		if _, err := profiles.EnsureProfile(ctx, u.ID, services.FieldsFromAuthUser(u)); err != nil {
			log.Printf("Failed to create profile for %s (%s): %v", u.Email, u.ID, err)
			failed++
			continue
		}
		log.Printf("Created profile for %s (%s)", u.Email, u.ID)
		created++
	}

	log.Printf("Reconcile complete: %d profiles created, %d failed", created, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

// ensureBootstrapAdmin provisions the configured admin account so a fresh
// deployment always has a way in. No-op when unconfigured or when the
// account already exists.
func ensureBootstrapAdmin(ctx context.Context, admin *services.SupabaseAdminService, profiles *services.ProfileService) error {
	cfg := config.App.BootstrapAdmin
	if cfg.Email == "" || cfg.Password == "" {
		log.Println("No bootstrap admin configured, skipping")
		return nil
	}
	name := cfg.Name
	if name == "" {
		name = "Portal Admin"
	}

	users, err := admin.ListUsers(ctx)
	if err != nil {
		return err
	}
	for i := range users {
		if users[i].Email == cfg.Email {
			log.Printf("Bootstrap admin %s already exists", cfg.Email)
			_, err := profiles.EnsureProfile(ctx, users[i].ID, services.ProfileFields{
				Email: cfg.Email,
				Name:  name,
				Role:  authz.RoleAdmin,
			})
			return err
		}
	}

	au, err := admin.CreateUser(ctx, services.CreateAuthUserParams{
		Email:        cfg.Email,
		Password:     cfg.Password,
		EmailConfirm: true,
		UserMetadata: map[string]interface{}{
			"role":   string(authz.RoleAdmin),
			"name":   name,
			"status": "active",
		},
	})
	if err != nil {
		return err
	}
	log.Printf("Created bootstrap admin %s (%s)", cfg.Email, au.ID)

	_, err = profiles.EnsureProfile(ctx, au.ID, services.ProfileFields{
		Email: cfg.Email,
		Name:  name,
		Role:  authz.RoleAdmin,
	})
	return err
}
