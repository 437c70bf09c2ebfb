package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coverline/coverline/authz"
)

// ===========================
// PROFILE MODELS
// ===========================

// Profile is the durable application record for a user, keyed by the
// identity provider's user id. A row should exist 1:1 with every identity,
// but the portal tolerates its absence (see services.ProfileService).
type Profile struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	FirstName string     `json:"first_name,omitempty"`
	LastName  string     `json:"last_name,omitempty"`
	Role      authz.Role `json:"role"`
	Phone     string     `json:"phone,omitempty"`
	Address   string     `json:"address,omitempty"`
	DOB       string     `json:"dob,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ProfileSource records where a resolved profile came from.
type ProfileSource string

const (
	// ProfileFound means the durable profiles row existed and won the merge.
	ProfileFound ProfileSource = "profile"
	// ProfileFallback means no row existed and the profile was synthesized
	// from identity metadata. A provisioning gap, not an error.
	ProfileFallback ProfileSource = "metadata"
)

// ResolvedProfile is the per-request merged view of a caller used for
// authorization decisions. Never persisted.
type ResolvedProfile struct {
	Profile
	Source    ProfileSource `json:"source"`
	Status    string        `json:"status,omitempty"`
	CreatedBy string        `json:"created_by,omitempty"`
}

// CallerID implements authz.Caller.
func (p *ResolvedProfile) CallerID() string { return p.ID }

// CallerRole implements authz.Caller.
func (p *ResolvedProfile) CallerRole() authz.Role { return p.Role }

// ===========================
// POLICY MODELS
// ===========================

// Vehicle describes the insured vehicle. Stored as a jsonb column.
type Vehicle struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	MakeModel    string `json:"makeModel"`
	Year         int    `json:"year"`
	VIN          string `json:"vin"`
	Color        string `json:"color"`
	Registration string `json:"registration"`
}

// Specs holds performance figures shown on the policy schedule.
type Specs struct {
	TopSpeedMph int    `json:"topSpeedMph"`
	PowerBhp    int    `json:"powerBhp"`
	Gearbox     string `json:"gearbox"`
}

// Engine holds drivetrain details shown on the policy schedule.
type Engine struct {
	CapacityCc  int    `json:"capacityCc"`
	Cylinders   int    `json:"cylinders"`
	FuelType    string `json:"fuelType"`
	Consumption string `json:"consumption"`
}

// MOT holds the UK roadworthiness/tax dates.
type MOT struct {
	Expiry        string `json:"expiry"`
	TaxValidUntil string `json:"taxValidUntil"`
}

// Policy mirrors the policies table. customer_id references profiles(id);
// the FK is kept satisfiable by the ensure-profile repair in the policy
// service. CustomerID and CreatedBy are pointers because a policy can be
// unassigned and self-signup policies have no creating staff member.
type Policy struct {
	ID         string    `json:"id"`
	Number     string    `json:"number"`
	Status     string    `json:"status"`
	PremiumGBP float64   `json:"premium_gbp"`
	StartDate  string    `json:"start_date"`
	EndDate    string    `json:"end_date"`
	Vehicle    Vehicle   `json:"vehicle"`
	Specs      Specs     `json:"specs"`
	Engine     Engine    `json:"engine"`
	MOT        MOT       `json:"mot"`
	Covers     []string  `json:"covers"`
	Addons     []string  `json:"addons"`
	CustomerID *string   `json:"customer_id"`
	CreatedBy  *string   `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Policy statuses as written by the portal.
const (
	PolicyStatusActive  = "active"
	PolicyStatusPending = "pending"
	PolicyStatusExpired = "expired"
)

// RevenueLine is one row of the staff revenue report.
type RevenueLine struct {
	Number        string  `json:"number"`
	PremiumGBP    float64 `json:"premium_gbp"`
	CustomerEmail string  `json:"customer_email,omitempty"`
}

// ===========================
// JSONB PLUMBING
// ===========================

// JSONB wraps a value for jsonb column round-trips with database/sql.
// Usage: row.Scan(db.JSONB{&p.Vehicle}) / Exec(..., db.JSONB{p.Vehicle}).
type JSONB struct {
	V interface{}
}

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if j.V == nil {
		return nil, nil
	}
	b, err := json.Marshal(j.V)
	if err != nil {
		return nil, fmt.Errorf("db: marshal jsonb: %w", err)
	}
	return b, nil
}

// Scan implements sql.Scanner.
func (j JSONB) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("db: cannot scan %T into jsonb", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, j.V)
}
