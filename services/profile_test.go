package services

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/db"
)

var profileCols = []string{"id", "email", "name", "first_name", "last_name", "role", "phone", "address", "dob", "created_at", "updated_at"}

func newProfileService(t *testing.T) (*ProfileService, sqlmock.Sqlmock) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	return NewProfileService(pg, nil), mock
}

func TestResolveDurableRowWins(t *testing.T) {
	svc, mock := newProfileService(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(profileCols).
			AddRow("user-1", "jane@example.com", "Jane Doe", "Jane", "Doe", "subadmin", "", "", "", now, now))

	// Metadata claims admin; the durable row says subadmin. The row wins.
	claims := &SupabaseClaims{
		UserID: "user-1",
		Email:  "jane@example.com",
		UserMeta: map[string]interface{}{
			"role":    "admin",
			"status":  "active",
			"address": "12 High St",
		},
	}

	resolved, err := svc.Resolve(context.Background(), claims)
	require.NoError(t, err)

	assert.Equal(t, db.ProfileFound, resolved.Source)
	assert.Equal(t, authz.RoleSubadmin, resolved.Role)
	assert.Equal(t, "Jane Doe", resolved.Name)
	// Fields absent from the row are filled from metadata.
	assert.Equal(t, "12 High St", resolved.Address)
	assert.Equal(t, "active", resolved.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveFallbackFromMetadata(t *testing.T) {
	svc, mock := newProfileService(t)

	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("user-2").
		WillReturnError(sql.ErrNoRows)

	claims := &SupabaseClaims{
		UserID: "user-2",
		Email:  "john.smith@example.com",
		UserMeta: map[string]interface{}{
			"role":       "manager", // not a portal role
			"status":     "pending",
			"created_by": "sub-9",
		},
	}

	resolved, err := svc.Resolve(context.Background(), claims)
	require.NoError(t, err)

	// A missing row is a provisioning gap, never a lockout.
	assert.Equal(t, db.ProfileFallback, resolved.Source)
	assert.Equal(t, "user-2", resolved.ID)
	assert.Equal(t, "John Smith", resolved.Name)
	assert.Equal(t, authz.RoleCustomer, resolved.Role, "unknown role coerces to customer")
	assert.Equal(t, "pending", resolved.Status)
	assert.Equal(t, "sub-9", resolved.CreatedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveDatastoreFailure(t *testing.T) {
	svc, mock := newProfileService(t)

	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("user-3").
		WillReturnError(errors.New("connection refused"))

	_, err := svc.Resolve(context.Background(), &SupabaseClaims{UserID: "user-3", Email: "a@b.c"})
	require.Error(t, err)
	// Outage is not "unauthorized".
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.False(t, errors.Is(err, ErrTokenInvalid))
}

func TestResolveNoIdentity(t *testing.T) {
	svc, _ := newProfileService(t)

	_, err := svc.Resolve(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrTokenInvalid))

	_, err = svc.Resolve(context.Background(), &SupabaseClaims{})
	assert.True(t, errors.Is(err, ErrTokenInvalid))
}

func TestGetProfileNotFound(t *testing.T) {
	svc, mock := newProfileService(t)

	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.GetProfile(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEnsureProfileIdempotent(t *testing.T) {
	svc, mock := newProfileService(t)

	upsert := regexp.QuoteMeta(`INSERT INTO profiles`)
	for i := 0; i < 2; i++ {
		mock.ExpectExec(upsert).
			WithArgs("user-1", "jane@example.com", "Jane Doe", "", "", "customer", nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	fields := ProfileFields{Email: "jane@example.com", Name: "Jane Doe", Role: authz.RoleCustomer}
	id, err := svc.EnsureProfile(context.Background(), "user-1", fields)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id)

	// Same input again: same upsert, same end state.
	_, err = svc.EnsureProfile(context.Background(), "user-1", fields)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureProfileCoercesRole(t *testing.T) {
	svc, mock := newProfileService(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO profiles`)).
		WithArgs("user-1", "x@y.z", "X", "", "", "customer", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.EnsureProfile(context.Background(), "user-1", ProfileFields{
		Email: "x@y.z", Name: "X", Role: "root",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProfileNotFound(t *testing.T) {
	svc, mock := newProfileService(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE profiles SET`)).
		WithArgs("ghost", "admin", "Ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.UpdateProfile(context.Background(), "ghost", authz.RoleAdmin, "Ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListProfileIDs(t *testing.T) {
	svc, mock := newProfileService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM profiles`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := svc.ListProfileIDs(context.Background())
	require.NoError(t, err)
	assert.True(t, ids["a"])
	assert.True(t, ids["b"])
	assert.False(t, ids["c"])
}

func TestFallbackName(t *testing.T) {
	tests := []struct {
		metaName string
		email    string
		want     string
	}{
		{"Jane Doe", "whatever@example.com", "Jane Doe"},
		{"", "jane.doe@example.com", "Jane Doe"},
		{"", "john_smith@example.com", "John Smith"},
		{"", "bob-jones@example.com", "Bob Jones"},
		{"", "alice@example.com", "Alice"},
		{"", "", "User"},
		{"", "@example.com", "User"},
	}
	for _, tt := range tests {
		if got := fallbackName(tt.metaName, tt.email); got != tt.want {
			t.Errorf("fallbackName(%q, %q) = %q, want %q", tt.metaName, tt.email, got, tt.want)
		}
	}
}
