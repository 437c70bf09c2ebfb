package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/db"
)

type fakeCaller struct {
	id   string
	role authz.Role
}

func (c fakeCaller) CallerID() string       { return c.id }
func (c fakeCaller) CallerRole() authz.Role { return c.role }

var policyCols = []string{"id", "number", "status", "premium_gbp", "start_date", "end_date", "vehicle", "specs", "engine", "mot", "covers", "addons", "customer_id", "created_by", "created_at", "updated_at"}

func policyRow(id, customerID, createdBy string) *sqlmock.Rows {
	now := time.Now()
	var cust, creator interface{}
	if customerID != "" {
		cust = customerID
	}
	if createdBy != "" {
		creator = createdBy
	}
	return sqlmock.NewRows(policyCols).AddRow(
		id, "POL-000123", "active", 512.50, "2026-01-01", "2027-01-01",
		[]byte(`{"make":"Ford","model":"Focus","makeModel":"Ford Focus","registration":"AB12CDE"}`),
		[]byte(`{"topSpeedMph":140}`), []byte(`{"capacityCc":1998}`), []byte(`{"expiry":"2026-10-01"}`),
		"{comprehensive}", "{breakdown}", cust, creator, now, now,
	)
}

func newPolicyService(t *testing.T, admin *SupabaseAdminService) (*PolicyService, sqlmock.Sqlmock) {
	t.Helper()
	pg, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { pg.Close() })
	profiles := NewProfileService(pg, nil)
	return NewPolicyService(pg, profiles, admin), mock
}

func TestListPoliciesRoleFilters(t *testing.T) {
	tests := []struct {
		name      string
		caller    fakeCaller
		wantWhere string
	}{
		{"admin sees everything", fakeCaller{"adm-1", authz.RoleAdmin}, `FROM policies ORDER BY`},
		{"customer sees own", fakeCaller{"cus-1", authz.RoleCustomer}, `WHERE customer_id = \$1`},
		{"subadmin sees created", fakeCaller{"sub-1", authz.RoleSubadmin}, `WHERE created_by = \$1`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := newPolicyService(t, nil)

			q := mock.ExpectQuery(tt.wantWhere)
			if tt.caller.role != authz.RoleAdmin {
				q.WithArgs(tt.caller.id)
			}
			q.WillReturnRows(policyRow("pol-1", "cus-1", "sub-1"))

			out, err := svc.ListPolicies(context.Background(), tt.caller)
			require.NoError(t, err)
			require.Len(t, out, 1)
			assert.Equal(t, "POL-000123", out[0].Number)
			assert.Equal(t, "Ford Focus", out[0].Vehicle.MakeModel)
			assert.Equal(t, []string{"comprehensive"}, out[0].Covers)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetPolicyCustomerScope(t *testing.T) {
	svc, mock := newPolicyService(t, nil)

	// Policy belongs to another customer.
	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("pol-1").
		WillReturnRows(policyRow("pol-1", "cus-2", "sub-1"))

	_, err := svc.GetPolicy(context.Background(), fakeCaller{"cus-1", authz.RoleCustomer}, "pol-1")
	assert.True(t, errors.Is(err, ErrScopeDenied))

	// Own policy reads fine.
	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("pol-1").
		WillReturnRows(policyRow("pol-1", "cus-1", "sub-1"))

	p, err := svc.GetPolicy(context.Background(), fakeCaller{"cus-1", authz.RoleCustomer}, "pol-1")
	require.NoError(t, err)
	assert.Equal(t, "pol-1", p.ID)
}

func TestGetPolicySubadminScope(t *testing.T) {
	svc, mock := newPolicyService(t, nil)

	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("pol-1").
		WillReturnRows(policyRow("pol-1", "cus-1", "sub-other"))

	_, err := svc.GetPolicy(context.Background(), fakeCaller{"sub-1", authz.RoleSubadmin}, "pol-1")
	assert.True(t, errors.Is(err, ErrScopeDenied))
}

func TestGetPolicyNotFound(t *testing.T) {
	svc, mock := newPolicyService(t, nil)

	mock.ExpectQuery(`SELECT .+ FROM policies WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.GetPolicy(context.Background(), fakeCaller{"adm-1", authz.RoleAdmin}, "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnassignPolicyCreatorScope(t *testing.T) {
	svc, mock := newPolicyService(t, nil)

	// Subadmin touching a policy someone else wrote.
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT created_by FROM policies WHERE id = $1`)).
		WithArgs("pol-1").
		WillReturnRows(sqlmock.NewRows([]string{"created_by"}).AddRow("sub-other"))

	err := svc.UnassignPolicy(context.Background(), fakeCaller{"sub-1", authz.RoleSubadmin}, "pol-1")
	assert.True(t, errors.Is(err, ErrScopeDenied))

	// Admins skip the scope lookup entirely.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE policies SET customer_id = NULL`)).
		WithArgs("pol-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = svc.UnassignPolicy(context.Background(), fakeCaller{"adm-1", authz.RoleAdmin}, "pol-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeletePolicyNotFound(t *testing.T) {
	svc, mock := newPolicyService(t, nil)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM policies WHERE id = $1`)).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.DeletePolicy(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRevenueSubadminScoped(t *testing.T) {
	svc, mock := newPolicyService(t, nil)

	mock.ExpectQuery(`WHERE p.created_by = \$1`).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"number", "premium_gbp", "email"}).
			AddRow("POL-000001", 100.0, "a@example.com").
			AddRow("POL-000002", 250.5, "b@example.com"))

	lines, total, err := svc.Revenue(context.Background(), fakeCaller{"sub-1", authz.RoleSubadmin})
	require.NoError(t, err)
	assert.Len(t, lines, 2)
	assert.Equal(t, 350.5, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Creating a policy for a customer whose profiles row is missing repairs the
// row from the identity provider before inserting, so the FK holds.
func TestCreatePolicyRepairsMissingProfile(t *testing.T) {
	gotrue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/auth/v1/admin/users/cus-1" {
			json.NewEncoder(w).Encode(AuthUser{
				ID:    "cus-1",
				Email: "jane@example.com",
				UserMetadata: map[string]interface{}{
					"name": "Jane Doe",
					"role": "customer",
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gotrue.Close()

	admin := NewSupabaseAdminService(gotrue.URL, "service-role-key")
	svc, mock := newPolicyService(t, admin)

	// No profiles row yet.
	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("cus-1").
		WillReturnError(sql.ErrNoRows)

	// Repair upsert from provider metadata.
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO profiles`)).
		WithArgs("cus-1", "jane@example.com", "Jane Doe", "", "", "customer", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO policies`)).
		WillReturnRows(policyRow("pol-new", "cus-1", "sub-1"))

	p, err := svc.CreatePolicy(context.Background(), fakeCaller{"sub-1", authz.RoleSubadmin}, PolicyParams{
		CustomerID: "cus-1",
		PremiumGBP: 512.50,
		Vehicle:    db.Vehicle{Make: "Ford", Model: "Focus", Registration: "ab12cde"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pol-new", p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePolicyUnknownCustomer(t *testing.T) {
	gotrue := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gotrue.Close()

	admin := NewSupabaseAdminService(gotrue.URL, "service-role-key")
	svc, mock := newPolicyService(t, admin)

	mock.ExpectQuery(`SELECT .+ FROM profiles WHERE id = \$1`).
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	_, err := svc.CreatePolicy(context.Background(), fakeCaller{"adm-1", authz.RoleAdmin}, PolicyParams{
		CustomerID: "nobody",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestNormalizeParams(t *testing.T) {
	p := PolicyParams{Vehicle: db.Vehicle{Make: "Ford", Model: "Focus", Registration: "ab12 cde"}}
	normalizeParams(&p)

	assert.Equal(t, db.PolicyStatusActive, p.Status)
	assert.Equal(t, "AB12 CDE", p.Vehicle.Registration)
	assert.Equal(t, "Ford Focus", p.Vehicle.MakeModel)
	assert.NotNil(t, p.Covers)
	assert.NotNil(t, p.Addons)
}

func TestNewPolicyNumberFormat(t *testing.T) {
	n := NewPolicyNumber()
	assert.Regexp(t, `^POL-\d{6}$`, n)
}
