package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/coverline/coverline/authz"
	"github.com/coverline/coverline/db"
)

// PolicyService owns the policies table. Policies reference profiles via
// customer_id; creation repairs a missing profiles row from the identity
// provider before inserting so the FK never fails for a real customer.
type PolicyService struct {
	PG       *sql.DB
	Profiles *ProfileService
	Admin    *SupabaseAdminService
}

func NewPolicyService(pg *sql.DB, profiles *ProfileService, admin *SupabaseAdminService) *PolicyService {
	return &PolicyService{PG: pg, Profiles: profiles, Admin: admin}
}

// PolicyParams carries a staff create/update request.
type PolicyParams struct {
	Status     string     `json:"status"`
	PremiumGBP float64    `json:"premium_gbp"`
	CustomerID string     `json:"customer_id"`
	StartDate  string     `json:"start_date"`
	EndDate    string     `json:"end_date"`
	Vehicle    db.Vehicle `json:"vehicle"`
	Specs      db.Specs   `json:"specs"`
	Engine     db.Engine  `json:"engine"`
	MOT        db.MOT     `json:"mot"`
	Covers     []string   `json:"covers"`
	Addons     []string   `json:"addons"`
}

// NewPolicyNumber mints a policy number in the portal's POL-nnnnnn format.
func NewPolicyNumber() string {
	return fmt.Sprintf("POL-%06d", rand.Intn(1000000))
}

func normalizeParams(p *PolicyParams) {
	if p.Status == "" {
		p.Status = db.PolicyStatusActive
	}
	p.Vehicle.Registration = strings.ToUpper(p.Vehicle.Registration)
	if p.Vehicle.MakeModel == "" {
		p.Vehicle.MakeModel = strings.TrimSpace(p.Vehicle.Make + " " + p.Vehicle.Model)
	}
	if p.Covers == nil {
		p.Covers = []string{}
	}
	if p.Addons == nil {
		p.Addons = []string{}
	}
}

const policyColumns = `id, number, status, premium_gbp, COALESCE(start_date, '') as start_date, COALESCE(end_date, '') as end_date, vehicle, specs, engine, mot, covers, addons, customer_id, created_by, created_at, updated_at`

// CreatePolicy inserts a policy for a customer. If the referenced customer
// has an identity record but no profiles row yet, the row is created from
// provider metadata first so the customer_id FK holds; a customer unknown
// to the provider is rejected.
func (s *PolicyService) CreatePolicy(ctx context.Context, caller authz.Caller, params PolicyParams) (*db.Policy, error) {
	if params.CustomerID == "" {
		return nil, errors.New("policy: customer required")
	}
	normalizeParams(&params)

	if err := s.ensureCustomerProfile(ctx, params.CustomerID); err != nil {
		return nil, err
	}

	creator := caller.CallerID()
	row := s.PG.QueryRowContext(ctx, `
		INSERT INTO policies (id, number, status, premium_gbp, start_date, end_date, vehicle, specs, engine, mot, covers, addons, customer_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		RETURNING `+policyColumns,
		uuid.New().String(), NewPolicyNumber(), params.Status, params.PremiumGBP,
		nullable(params.StartDate), nullable(params.EndDate),
		db.JSONB{V: params.Vehicle}, db.JSONB{V: params.Specs}, db.JSONB{V: params.Engine}, db.JSONB{V: params.MOT},
		pq.Array(params.Covers), pq.Array(params.Addons),
		params.CustomerID, creator)

	policy, err := scanPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("%w: insert policy: %v", ErrUpstream, err)
	}
	return policy, nil
}

// CreateSignupPolicy writes the pending first policy minted during customer
// signup. No creating staff member, premium priced later.
func (s *PolicyService) CreateSignupPolicy(ctx context.Context, customerID string, vehicle db.Vehicle) (*db.Policy, error) {
	vehicle.Registration = strings.ToUpper(vehicle.Registration)
	if vehicle.MakeModel == "" {
		vehicle.MakeModel = strings.TrimSpace(vehicle.Make + " " + vehicle.Model)
	}

	row := s.PG.QueryRowContext(ctx, `
		INSERT INTO policies (id, number, status, premium_gbp, start_date, end_date, vehicle, specs, engine, mot, covers, addons, customer_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW()::date::text, (NOW() + INTERVAL '1 year')::date::text, $4, '{}', '{}', '{}', '{}', '{}', $5, NULL, NOW(), NOW())
		RETURNING `+policyColumns,
		uuid.New().String(), NewPolicyNumber(), db.PolicyStatusPending, db.JSONB{V: vehicle}, customerID)

	policy, err := scanPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("%w: insert signup policy: %v", ErrUpstream, err)
	}
	return policy, nil
}

// ensureCustomerProfile is the data-integrity repair: a valid identity
// without a profiles row gets one synthesized from provider metadata
// instead of failing the policy insert.
func (s *PolicyService) ensureCustomerProfile(ctx context.Context, customerID string) error {
	_, err := s.Profiles.GetProfile(ctx, customerID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	au, err := s.Admin.GetUser(ctx, customerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("policy: customer %s not found", customerID)
		}
		return err
	}

	log.Printf("policy: repairing missing profiles row for customer %s", customerID)
	_, err = s.Profiles.EnsureProfile(ctx, au.ID, FieldsFromAuthUser(au))
	return err
}

// GetPolicy fetches one policy. Customers may only read their own;
// subadmins only policies they created.
func (s *PolicyService) GetPolicy(ctx context.Context, caller authz.Caller, id string) (*db.Policy, error) {
	row := s.PG.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	policy, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get policy: %v", ErrUpstream, err)
	}

	role := authz.ParseRole(string(caller.CallerRole()))
	switch {
	case role == authz.RoleCustomer:
		if policy.CustomerID == nil || *policy.CustomerID != caller.CallerID() {
			return nil, fmt.Errorf("%w: policy %s", ErrScopeDenied, id)
		}
	case role == authz.RoleSubadmin:
		if policy.CreatedBy == nil || *policy.CreatedBy != caller.CallerID() {
			return nil, fmt.Errorf("%w: policy %s", ErrScopeDenied, id)
		}
	}
	return policy, nil
}

// ListPolicies returns the policies visible to the caller: customers their
// own, admins everything, subadmins what they created.
func (s *PolicyService) ListPolicies(ctx context.Context, caller authz.Caller) ([]db.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	var args []interface{}

	role := authz.ParseRole(string(caller.CallerRole()))
	switch {
	case role == authz.RoleCustomer:
		query += ` WHERE customer_id = $1`
		args = append(args, caller.CallerID())
	case role == authz.RoleSubadmin:
		query += ` WHERE created_by = $1`
		args = append(args, caller.CallerID())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list policies: %v", ErrUpstream, err)
	}
	defer rows.Close()

	policies := []db.Policy{}
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan policy: %v", ErrUpstream, err)
		}
		policies = append(policies, *policy)
	}
	return policies, rows.Err()
}

// UpdatePolicy applies a staff edit. Subadmins may only edit policies they
// created; that scope check runs after the route gate.
func (s *PolicyService) UpdatePolicy(ctx context.Context, caller authz.Caller, id string, params PolicyParams) (*db.Policy, error) {
	if params.CustomerID == "" {
		return nil, errors.New("policy: customer required")
	}
	normalizeParams(&params)

	if err := s.checkCreatorScope(ctx, caller, id); err != nil {
		return nil, err
	}
	if err := s.ensureCustomerProfile(ctx, params.CustomerID); err != nil {
		return nil, err
	}

	row := s.PG.QueryRowContext(ctx, `
		UPDATE policies SET status = $2, premium_gbp = $3, start_date = $4, end_date = $5,
			vehicle = $6, specs = $7, engine = $8, mot = $9, covers = $10, addons = $11,
			customer_id = $12, updated_at = NOW()
		WHERE id = $1
		RETURNING `+policyColumns,
		id, params.Status, params.PremiumGBP,
		nullable(params.StartDate), nullable(params.EndDate),
		db.JSONB{V: params.Vehicle}, db.JSONB{V: params.Specs}, db.JSONB{V: params.Engine}, db.JSONB{V: params.MOT},
		pq.Array(params.Covers), pq.Array(params.Addons),
		params.CustomerID)

	policy, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: update policy: %v", ErrUpstream, err)
	}
	return policy, nil
}

// UnassignPolicy detaches a policy from its customer without deleting it.
func (s *PolicyService) UnassignPolicy(ctx context.Context, caller authz.Caller, id string) error {
	if err := s.checkCreatorScope(ctx, caller, id); err != nil {
		return err
	}
	res, err := s.PG.ExecContext(ctx,
		`UPDATE policies SET customer_id = NULL, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: unassign policy: %v", ErrUpstream, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePolicy removes a policy outright. The route gate restricts this to
// admins; there is no subadmin scope variant of delete.
func (s *PolicyService) DeletePolicy(ctx context.Context, id string) error {
	res, err := s.PG.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete policy: %v", ErrUpstream, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Revenue sums written premium per policy with the owning customer's email.
// Subadmins see only the revenue they wrote.
func (s *PolicyService) Revenue(ctx context.Context, caller authz.Caller) ([]db.RevenueLine, float64, error) {
	query := `
		SELECT p.number, p.premium_gbp, COALESCE(pr.email, '')
		FROM policies p
		LEFT JOIN profiles pr ON pr.id = p.customer_id`
	var args []interface{}
	if creatorID, scoped := authz.ScopeToCreator(caller); scoped {
		query += ` WHERE p.created_by = $1`
		args = append(args, creatorID)
	}
	query += ` ORDER BY p.created_at DESC`

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: revenue: %v", ErrUpstream, err)
	}
	defer rows.Close()

	lines := []db.RevenueLine{}
	var total float64
	for rows.Next() {
		var line db.RevenueLine
		if err := rows.Scan(&line.Number, &line.PremiumGBP, &line.CustomerEmail); err != nil {
			return nil, 0, fmt.Errorf("%w: scan revenue: %v", ErrUpstream, err)
		}
		total += line.PremiumGBP
		lines = append(lines, line)
	}
	return lines, total, rows.Err()
}

// checkCreatorScope enforces the subadmin row filter on single-policy
// writes. Admins and customers pass through (customers never reach the
// staff routes that call this).
func (s *PolicyService) checkCreatorScope(ctx context.Context, caller authz.Caller, id string) error {
	creatorID, scoped := authz.ScopeToCreator(caller)
	if !scoped {
		return nil
	}
	var createdBy sql.NullString
	err := s.PG.QueryRowContext(ctx, `SELECT created_by FROM policies WHERE id = $1`, id).Scan(&createdBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: check policy scope: %v", ErrUpstream, err)
	}
	if !createdBy.Valid || createdBy.String != creatorID {
		return fmt.Errorf("%w: policy %s", ErrScopeDenied, id)
	}
	return nil
}

func scanPolicy(row interface{ Scan(...interface{}) error }) (*db.Policy, error) {
	var (
		p          db.Policy
		startDate  string
		endDate    string
		covers     pq.StringArray
		addons     pq.StringArray
		customerID sql.NullString
		createdBy  sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Number, &p.Status, &p.PremiumGBP, &startDate, &endDate,
		db.JSONB{V: &p.Vehicle}, db.JSONB{V: &p.Specs}, db.JSONB{V: &p.Engine}, db.JSONB{V: &p.MOT},
		&covers, &addons, &customerID, &createdBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.StartDate = startDate
	p.EndDate = endDate
	p.Covers = covers
	p.Addons = addons
	if customerID.Valid {
		p.CustomerID = &customerID.String
	}
	if createdBy.Valid {
		p.CreatedBy = &createdBy.String
	}
	return &p, nil
}
