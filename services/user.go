package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/db"
)

// UserService implements staff user management. Identities (credentials,
// metadata) live at the provider; every write is mirrored into the
// profiles table so the two stay reconciled.
type UserService struct {
	Admin    *SupabaseAdminService
	Profiles *ProfileService
}

func NewUserService(admin *SupabaseAdminService, profiles *ProfileService) *UserService {
	return &UserService{Admin: admin, Profiles: profiles}
}

// PortalUser is the merged identity+profile view shown in the admin user
// list. Role comes from the profiles row when one exists, else from
// metadata, coerced either way.
type PortalUser struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Role          authz.Role `json:"role"`
	Status        string     `json:"status,omitempty"`
	CreatedBy     string     `json:"created_by,omitempty"`
	ProfileExists bool       `json:"profile_exists"`
}

// CreateUserParams carries a staff user-creation request.
type CreateUserParams struct {
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Name     string     `json:"name"`
	Role     authz.Role `json:"role"`
	Address  string     `json:"address"`
	DOB      string     `json:"dob"`
}

// SignupParams carries a public customer signup.
type SignupParams struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Address   string `json:"address"`
	DOB       string `json:"dob"`
}

// ListUsers returns every portal user the caller may see. Admins see all;
// subadmins only the users they created (metadata created_by), applied as a
// row filter after the route gate has already passed.
func (s *UserService) ListUsers(ctx context.Context, caller authz.Caller) ([]PortalUser, error) {
	authUsers, err := s.Admin.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	profileIDs, err := s.Profiles.ListProfileIDs(ctx)
	if err != nil {
		return nil, err
	}

	creatorID, scoped := authz.ScopeToCreator(caller)

	users := make([]PortalUser, 0, len(authUsers))
	for i := range authUsers {
		au := &authUsers[i]
		if scoped && au.MetaString("created_by") != creatorID {
			continue
		}

		u := PortalUser{
			ID:            au.ID,
			Email:         au.Email,
			Name:          au.MetaString("name"),
			Role:          authz.ParseRole(au.MetaString("role")),
			Status:        au.MetaString("status"),
			CreatedBy:     au.MetaString("created_by"),
			ProfileExists: profileIDs[au.ID],
		}
		// Durable row wins when present.
		if u.ProfileExists {
			if p, err := s.Profiles.GetProfile(ctx, au.ID); err == nil {
				u.Role = p.Role
				if p.Name != "" {
					u.Name = p.Name
				}
			}
		}
		if u.Name == "" {
			u.Name = fallbackName("", au.Email)
		}
		users = append(users, u)
	}
	return users, nil
}

// CreateUser creates the identity record, stamps the metadata blob with the
// creating staff member, then upserts the matching profiles row.
func (s *UserService) CreateUser(ctx context.Context, caller authz.Caller, params CreateUserParams) (*PortalUser, error) {
	if params.Email == "" || params.Password == "" || params.Name == "" {
		return nil, errors.New("user: email, password, and name required")
	}
	role := authz.ParseRole(string(params.Role))

	au, err := s.Admin.CreateUser(ctx, CreateAuthUserParams{
		Email:        params.Email,
		Password:     params.Password,
		EmailConfirm: true,
		UserMetadata: map[string]interface{}{
			"role":       string(role),
			"name":       params.Name,
			"status":     "pending",
			"address":    params.Address,
			"dob":        params.DOB,
			"created_by": caller.CallerID(),
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Profiles.EnsureProfile(ctx, au.ID, ProfileFields{
		Email:   params.Email,
		Name:    params.Name,
		Role:    role,
		Address: params.Address,
		DOB:     params.DOB,
	}); err != nil {
		return nil, err
	}

	return &PortalUser{
		ID:            au.ID,
		Email:         au.Email,
		Name:          params.Name,
		Role:          role,
		Status:        "pending",
		CreatedBy:     caller.CallerID(),
		ProfileExists: true,
	}, nil
}

// Signup provisions a self-service customer account: identity first, then
// the profiles row. Role is always customer here regardless of input.
func (s *UserService) Signup(ctx context.Context, params SignupParams) (*AuthUser, error) {
	if params.Email == "" || params.Password == "" || params.Name == "" {
		return nil, errors.New("user: email, password, and name required")
	}

	au, err := s.Admin.CreateUser(ctx, CreateAuthUserParams{
		Email:        params.Email,
		Password:     params.Password,
		EmailConfirm: true,
		UserMetadata: map[string]interface{}{
			"role":       string(authz.RoleCustomer),
			"name":       params.Name,
			"first_name": params.FirstName,
			"last_name":  params.LastName,
			"status":     "active",
			"address":    params.Address,
			"dob":        params.DOB,
		},
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Profiles.EnsureProfile(ctx, au.ID, ProfileFields{
		Email:     params.Email,
		Name:      params.Name,
		FirstName: params.FirstName,
		LastName:  params.LastName,
		Role:      authz.RoleCustomer,
		Address:   params.Address,
		DOB:       params.DOB,
	}); err != nil {
		return nil, err
	}
	return au, nil
}

// UpdateUserParams carries a staff edit of an existing user.
type UpdateUserParams struct {
	Name    string     `json:"name"`
	Role    authz.Role `json:"role"`
	Status  string     `json:"status"`
	Address string     `json:"address"`
	DOB     string     `json:"dob"`
}

// UpdateUser writes the metadata blob and the profiles row together so the
// two stores cannot drift on role or name. Subadmins may only touch users
// they created.
func (s *UserService) UpdateUser(ctx context.Context, caller authz.Caller, id string, params UpdateUserParams) error {
	if id == "" {
		return errors.New("user: id required")
	}
	target, err := s.Admin.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if creatorID, scoped := authz.ScopeToCreator(caller); scoped {
		if target.MetaString("created_by") != creatorID {
			return fmt.Errorf("%w: user %s", ErrScopeDenied, id)
		}
	}

	role := authz.ParseRole(string(params.Role))
	status := params.Status
	if status == "" {
		status = "pending"
	}

	if _, err := s.Admin.UpdateUserMetadata(ctx, id, map[string]interface{}{
		"role":    string(role),
		"name":    params.Name,
		"status":  status,
		"address": params.Address,
		"dob":     params.DOB,
	}); err != nil {
		return err
	}

	if err := s.Profiles.UpdateProfile(ctx, id, role, params.Name); err != nil {
		// The row may be missing for legacy accounts; repair instead.
		if errors.Is(err, ErrNotFound) {
			_, err = s.Profiles.EnsureProfile(ctx, id, ProfileFields{
				Email:   target.Email,
				Name:    params.Name,
				Role:    role,
				Address: params.Address,
				DOB:     params.DOB,
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteUser destroys the identity then the profiles row. Admin only - the
// route gate enforces that, this method just does the work.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("user: id required")
	}
	if err := s.Admin.DeleteUser(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.Profiles.DeleteProfile(ctx, id)
}

// Login runs the password grant and resolves the caller profile with the
// durable row's role taking precedence over token metadata. This is the
// defensive variant: the profiles table, not the metadata blob, decides
// what a returning user may do.
func (s *UserService) Login(ctx context.Context, email, password string) (*Session, *db.ResolvedProfile, error) {
	session, err := s.Admin.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}

	resolved, err := s.Profiles.Resolve(ctx, claimsFromAuthUser(&session.User))
	if err != nil {
		return nil, nil, err
	}
	if resolved.Source == db.ProfileFallback {
		log.Printf("login: no profiles row for %s, serving metadata fallback", resolved.ID)
	}
	return session, resolved, nil
}

// claimsFromAuthUser adapts a provider user record into the claim shape the
// resolver consumes, so login and request-time resolution share one path.
func claimsFromAuthUser(user *AuthUser) *SupabaseClaims {
	return &SupabaseClaims{
		UserID:   user.ID,
		Email:    user.Email,
		UserMeta: user.UserMetadata,
		AppMeta:  user.AppMetadata,
	}
}
