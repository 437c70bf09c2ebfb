package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListUsersPagination(t *testing.T) {
	// 50 users on page one, 3 on page two.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/admin/users", r.URL.Path)
		assert.Equal(t, "service-role-key", r.Header.Get("apikey"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		count := 50
		if page > 1 {
			count = 3
		}
		users := make([]AuthUser, count)
		for i := range users {
			users[i] = AuthUser{ID: fmt.Sprintf("u-%d-%d", page, i)}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"users": users})
	}))
	defer srv.Close()

	svc := NewSupabaseAdminService(srv.URL, "service-role-key")
	users, err := svc.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 53)
}

func TestGetUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	svc := NewSupabaseAdminService(srv.URL, "key")
	_, err := svc.GetUser(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAdminAPIOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewSupabaseAdminService(srv.URL, "key")
	_, err := svc.ListUsers(context.Background())
	assert.True(t, IsUpstream(err))

	// Transport failure reads the same way.
	srv.Close()
	_, err = svc.GetUser(context.Background(), "u1")
	assert.True(t, IsUpstream(err))
}

func TestAdminAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"msg": "A user with this email address has already been registered"})
	}))
	defer srv.Close()

	svc := NewSupabaseAdminService(srv.URL, "key")
	_, err := svc.CreateUser(context.Background(), CreateAuthUserParams{Email: "dup@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already been registered")
	assert.False(t, IsUpstream(err))
}

func TestUpdateUserMetadataBody(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/auth/v1/admin/users/u1", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(AuthUser{ID: "u1"})
	}))
	defer srv.Close()

	svc := NewSupabaseAdminService(srv.URL, "key")
	_, err := svc.UpdateUserMetadata(context.Background(), "u1", map[string]interface{}{"role": "subadmin"})
	require.NoError(t, err)

	meta, ok := got["user_metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "subadmin", meta["role"])
}

func TestSignInWithPasswordGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/token", r.URL.Path)
		require.Equal(t, "password", r.URL.Query().Get("grant_type"))
		json.NewEncoder(w).Encode(Session{AccessToken: "tok", ExpiresIn: 3600})
	}))
	defer srv.Close()

	svc := NewSupabaseAdminService(srv.URL, "key")
	session, err := svc.SignInWithPassword(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok", session.AccessToken)
}
