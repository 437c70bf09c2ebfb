package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SupabaseAdminService talks to the Supabase Auth (GoTrue) admin API with
// the service-role key. It is the portal's only door into the identity
// store: credentials and sessions live there, the portal just reads and
// writes user records and their metadata blob.
//
// Server-side use only; the service-role key bypasses row-level security.
type SupabaseAdminService struct {
	SupabaseURL    string
	ServiceRoleKey string
	HTTPClient     *http.Client
}

// AuthUser is the provider's user record. UserMetadata is the embedded
// metadata blob the portal writes at signup/admin-create (role, name,
// status, address, dob, created_by).
type AuthUser struct {
	ID               string                 `json:"id"`
	Email            string                 `json:"email"`
	UserMetadata     map[string]interface{} `json:"user_metadata"`
	AppMetadata      map[string]interface{} `json:"app_metadata"`
	EmailConfirmedAt *time.Time             `json:"email_confirmed_at,omitempty"`
	LastSignInAt     *time.Time             `json:"last_sign_in_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// MetaString returns a string field from the user's metadata blob, or "".
func (u *AuthUser) MetaString(key string) string {
	if u.UserMetadata == nil {
		return ""
	}
	if v, ok := u.UserMetadata[key].(string); ok {
		return v
	}
	return ""
}

// Session is the token pair GoTrue returns from the password grant.
type Session struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	RefreshToken string   `json:"refresh_token"`
	User         AuthUser `json:"user"`
}

// CreateAuthUserParams carries the fields for admin user creation.
// EmailConfirm skips the confirmation mail, matching how staff create
// accounts on behalf of customers.
type CreateAuthUserParams struct {
	Email        string                 `json:"email"`
	Password     string                 `json:"password"`
	EmailConfirm bool                   `json:"email_confirm"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
}

func NewSupabaseAdminService(supabaseURL, serviceRoleKey string) *SupabaseAdminService {
	return &SupabaseAdminService{
		SupabaseURL:    strings.TrimRight(supabaseURL, "/"),
		ServiceRoleKey: serviceRoleKey,
		HTTPClient:     &http.Client{Timeout: 15 * time.Second},
	}
}

// ListUsers fetches every identity record. GoTrue pages at 50 by default,
// so walk pages until one comes back short.
func (s *SupabaseAdminService) ListUsers(ctx context.Context) ([]AuthUser, error) {
	const perPage = 50
	var all []AuthUser
	for page := 1; ; page++ {
		var out struct {
			Users []AuthUser `json:"users"`
		}
		path := fmt.Sprintf("/auth/v1/admin/users?page=%d&per_page=%d", page, perPage)
		if err := s.do(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		all = append(all, out.Users...)
		if len(out.Users) < perPage {
			return all, nil
		}
	}
}

// GetUser fetches one identity record by id.
func (s *SupabaseAdminService) GetUser(ctx context.Context, id string) (*AuthUser, error) {
	var user AuthUser
	if err := s.do(ctx, http.MethodGet, "/auth/v1/admin/users/"+id, nil, &user); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

// CreateUser creates an identity record with its metadata blob.
func (s *SupabaseAdminService) CreateUser(ctx context.Context, params CreateAuthUserParams) (*AuthUser, error) {
	var user AuthUser
	if err := s.do(ctx, http.MethodPost, "/auth/v1/admin/users", params, &user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// UpdateUserMetadata merges new metadata into the identity record.
func (s *SupabaseAdminService) UpdateUserMetadata(ctx context.Context, id string, meta map[string]interface{}) (*AuthUser, error) {
	body := map[string]interface{}{"user_metadata": meta}
	var user AuthUser
	if err := s.do(ctx, http.MethodPut, "/auth/v1/admin/users/"+id, body, &user); err != nil {
		return nil, fmt.Errorf("update user %s: %w", id, err)
	}
	return &user, nil
}

// DeleteUser destroys the identity record. The caller is responsible for
// removing the matching profiles row.
func (s *SupabaseAdminService) DeleteUser(ctx context.Context, id string) error {
	if err := s.do(ctx, http.MethodDelete, "/auth/v1/admin/users/"+id, nil, nil); err != nil {
		return fmt.Errorf("delete user %s: %w", id, err)
	}
	return nil
}

// SignInWithPassword runs the password grant and returns the provider
// session. Wrong credentials come back wrapping ErrTokenInvalid, outages
// wrapping ErrUpstream.
func (s *SupabaseAdminService) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}
	var session Session
	err := s.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", body, &session)
	if err != nil {
		if IsUpstream(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return &session, nil
}

// SignOut revokes the caller's session at the provider. Best effort.
func (s *SupabaseAdminService) SignOut(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.SupabaseURL+"/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.ServiceRoleKey)
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sign out: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		return fmt.Errorf("sign out: status %d", resp.StatusCode)
	}
	return nil
}

// do executes one admin API call. Transport failures and 5xx responses wrap
// ErrUpstream; 404 maps to ErrNotFound; other 4xx surface GoTrue's message.
func (s *SupabaseAdminService) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.SupabaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.ServiceRoleKey)
	req.Header.Set("Authorization", "Bearer "+s.ServiceRoleKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: auth API status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("auth API status %d: %s", resp.StatusCode, gotrueMessage(data))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// gotrueMessage digs the human-readable error out of a GoTrue error body.
func gotrueMessage(data []byte) string {
	var e struct {
		Msg       string `json:"msg"`
		Message   string `json:"message"`
		ErrorDesc string `json:"error_description"`
	}
	if err := json.Unmarshal(data, &e); err == nil {
		for _, m := range []string{e.Msg, e.Message, e.ErrorDesc} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(data))
}
