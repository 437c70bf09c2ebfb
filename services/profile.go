package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/db"
)

// ProfileService owns the profiles table and the per-request caller
// resolution. The durable row is the source of truth; when it is missing
// the resolver falls back to the identity's metadata blob so a provisioning
// gap never locks a legitimate user out.
type ProfileService struct {
	PG    *sql.DB
	Redis *redis.Client
}

func NewProfileService(pg *sql.DB, rds *redis.Client) *ProfileService {
	return &ProfileService{PG: pg, Redis: rds}
}

// Resolved profiles are cached briefly; every profile write invalidates.
const profileCacheTTL = 60 * time.Second

func profileCacheKey(id string) string { return "profile:" + id }

// Resolve turns a verified identity into the caller profile used for every
// authorization decision. The durable profiles row wins per field over the
// token's metadata; with no row at all the profile is synthesized entirely
// from metadata. The role is validated at this boundary in both cases.
// Only a datastore failure is an error here - a missing row is not.
func (s *ProfileService) Resolve(ctx context.Context, claims *SupabaseClaims) (*db.ResolvedProfile, error) {
	if claims == nil || claims.UserID == "" {
		return nil, fmt.Errorf("%w: no identity", ErrTokenInvalid)
	}

	if cached := s.cacheGet(ctx, claims.UserID); cached != nil {
		return cached, nil
	}

	resolved, err := s.resolveUncached(ctx, claims)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, resolved)
	return resolved, nil
}

func (s *ProfileService) resolveUncached(ctx context.Context, claims *SupabaseClaims) (*db.ResolvedProfile, error) {
	profile, err := s.GetProfile(ctx, claims.UserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	resolved := &db.ResolvedProfile{
		Status:    claims.MetaString("status"),
		CreatedBy: claims.MetaString("created_by"),
	}

	if profile == nil {
		// Provisioning gap: identity exists, row not written yet.
		resolved.Source = db.ProfileFallback
		resolved.Profile = db.Profile{
			ID:        claims.UserID,
			Email:     claims.Email,
			Name:      fallbackName(claims.MetaString("name"), claims.Email),
			FirstName: claims.MetaString("first_name"),
			LastName:  claims.MetaString("last_name"),
			Role:      authz.ParseRole(claims.MetaString("role")),
			Address:   claims.MetaString("address"),
			DOB:       claims.MetaString("dob"),
		}
		return resolved, nil
	}

	// Durable row wins per field; metadata only fills the gaps. The row's
	// role takes precedence even when metadata disagrees.
	resolved.Source = db.ProfileFound
	resolved.Profile = *profile
	resolved.Role = authz.ParseRole(string(profile.Role))
	if resolved.Email == "" {
		resolved.Email = claims.Email
	}
	if resolved.Name == "" {
		resolved.Name = fallbackName(claims.MetaString("name"), resolved.Email)
	}
	if resolved.FirstName == "" {
		resolved.FirstName = claims.MetaString("first_name")
	}
	if resolved.LastName == "" {
		resolved.LastName = claims.MetaString("last_name")
	}
	if resolved.Address == "" {
		resolved.Address = claims.MetaString("address")
	}
	if resolved.DOB == "" {
		resolved.DOB = claims.MetaString("dob")
	}
	return resolved, nil
}

// fallbackName picks a display name when the profiles row has none: the
// metadata name if present, else a tidied version of the email local part
// ("jane.doe@example.com" -> "Jane Doe").
func fallbackName(metaName, email string) string {
	if metaName != "" {
		return metaName
	}
	local, _, found := strings.Cut(email, "@")
	if !found || local == "" {
		return "User"
	}
	cleaned := strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local)
	return cases.Title(language.English).String(cleaned)
}

const profileColumns = `id, email, name, COALESCE(first_name, '') as first_name, COALESCE(last_name, '') as last_name, role, COALESCE(phone, '') as phone, COALESCE(address, '') as address, COALESCE(dob, '') as dob, created_at, updated_at`

// GetProfile fetches one profiles row. ErrNotFound when absent.
func (s *ProfileService) GetProfile(ctx context.Context, id string) (*db.Profile, error) {
	var p db.Profile
	err := s.PG.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE id = $1`, id).
		Scan(&p.ID, &p.Email, &p.Name, &p.FirstName, &p.LastName, &p.Role, &p.Phone, &p.Address, &p.DOB, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get profile: %v", ErrUpstream, err)
	}
	p.Role = authz.ParseRole(string(p.Role))
	return &p, nil
}

// ProfileFields is the minimal field set for the ensure/upsert path.
type ProfileFields struct {
	Email     string
	Name      string
	FirstName string
	LastName  string
	Role      authz.Role
	Address   string
	DOB       string
}

// EnsureProfile upserts a profiles row for an identity id. Idempotent:
// calling it twice with the same input leaves exactly one row in the same
// state, so it is safe both at account creation and as a self-healing
// repair whenever a policy references an identity with no row yet.
func (s *ProfileService) EnsureProfile(ctx context.Context, id string, fields ProfileFields) (string, error) {
	if id == "" {
		return "", errors.New("profile: id required")
	}
	role := authz.ParseRole(string(fields.Role))
	name := fallbackName(fields.Name, fields.Email)

	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO profiles (id, email, name, first_name, last_name, role, address, dob, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			updated_at = NOW()`,
		id, fields.Email, name, fields.FirstName, fields.LastName, role, nullable(fields.Address), nullable(fields.DOB))
	if err != nil {
		return "", fmt.Errorf("%w: ensure profile: %v", ErrUpstream, err)
	}

	s.cacheInvalidate(ctx, id)
	return id, nil
}

// UpdateProfile applies an admin edit to the durable row (role and name
// move together with the identity metadata update, see UserService).
func (s *ProfileService) UpdateProfile(ctx context.Context, id string, role authz.Role, name string) error {
	res, err := s.PG.ExecContext(ctx,
		`UPDATE profiles SET role = $2, name = $3, updated_at = NOW() WHERE id = $1`,
		id, authz.ParseRole(string(role)), name)
	if err != nil {
		return fmt.Errorf("%w: update profile: %v", ErrUpstream, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.cacheInvalidate(ctx, id)
	return nil
}

// DeleteProfile removes the durable row after the identity is deleted.
func (s *ProfileService) DeleteProfile(ctx context.Context, id string) error {
	if _, err := s.PG.ExecContext(ctx, `DELETE FROM profiles WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete profile: %v", ErrUpstream, err)
	}
	s.cacheInvalidate(ctx, id)
	return nil
}

// ListCustomers returns customer profiles for assignment dropdowns,
// newest first.
func (s *ProfileService) ListCustomers(ctx context.Context) ([]db.Profile, error) {
	rows, err := s.PG.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE role = $1 ORDER BY created_at DESC`,
		authz.RoleCustomer)
	if err != nil {
		return nil, fmt.Errorf("%w: list customers: %v", ErrUpstream, err)
	}
	defer rows.Close()

	var customers []db.Profile
	for rows.Next() {
		var p db.Profile
		if err := rows.Scan(&p.ID, &p.Email, &p.Name, &p.FirstName, &p.LastName, &p.Role, &p.Phone, &p.Address, &p.DOB, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan customer: %v", ErrUpstream, err)
		}
		customers = append(customers, p)
	}
	return customers, rows.Err()
}

// ListProfileIDs returns the set of identity ids that already have a row.
// Used by the reconcile command to find provisioning gaps.
func (s *ProfileService) ListProfileIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.PG.QueryContext(ctx, `SELECT id FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("%w: list profile ids: %v", ErrUpstream, err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan profile id: %v", ErrUpstream, err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// FieldsFromAuthUser derives upsert fields from a provider record, the
// same way the resolver derives a fallback profile from token claims.
func FieldsFromAuthUser(user *AuthUser) ProfileFields {
	return ProfileFields{
		Email:     user.Email,
		Name:      fallbackName(user.MetaString("name"), user.Email),
		FirstName: user.MetaString("first_name"),
		LastName:  user.MetaString("last_name"),
		Role:      authz.ParseRole(user.MetaString("role")),
		Address:   user.MetaString("address"),
		DOB:       user.MetaString("dob"),
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// cache helpers; the portal works fine without Redis, so a nil client or a
// cache error just means a resolver round-trip to Postgres.

func (s *ProfileService) cacheGet(ctx context.Context, id string) *db.ResolvedProfile {
	if s.Redis == nil {
		return nil
	}
	data, err := s.Redis.Get(ctx, profileCacheKey(id)).Bytes()
	if err != nil {
		return nil
	}
	var resolved db.ResolvedProfile
	if err := json.Unmarshal(data, &resolved); err != nil {
		return nil
	}
	return &resolved
}

func (s *ProfileService) cacheSet(ctx context.Context, resolved *db.ResolvedProfile) {
	if s.Redis == nil {
		return
	}
	data, err := json.Marshal(resolved)
	if err != nil {
		return
	}
	if err := s.Redis.Set(ctx, profileCacheKey(resolved.ID), data, profileCacheTTL).Err(); err != nil {
		log.Printf("profile cache set failed: %v", err)
	}
}

func (s *ProfileService) cacheInvalidate(ctx context.Context, id string) {
	if s.Redis == nil {
		return
	}
	if err := s.Redis.Del(ctx, profileCacheKey(id)).Err(); err != nil {
		log.Printf("profile cache invalidate failed: %v", err)
	}
}
