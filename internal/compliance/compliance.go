package compliance

import (
	"errors"
	"time"
)

// Verification statuses. Verified, rejected and expired are terminal; a new
// submission starts a fresh record.
const (
	StatusPending     = "pending"
	StatusUnderReview = "under_review"
	StatusVerified    = "verified"
	StatusRejected    = "rejected"
	StatusExpired     = "expired"
)

// Verification tiers.
const (
	TierIndividual = "individual"
	TierBusiness   = "business"
)

// Review decisions.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// SystemReviewer is the reviewer identity stamped by the automated decision
// hook.
const SystemReviewer = "system:auto-review"

var (
	ErrAlreadyVerified = errors.New("seller already has a verified record")
	ErrPendingExists   = errors.New("seller already has a verification in progress")
	ErrNotReviewable   = errors.New("verification is not in a reviewable status")
	ErrNotFound        = errors.New("verification not found")
	ErrInvalidDecision = errors.New("decision must be approve or reject")
	ErrMissingSellerID = errors.New("seller id is required")
	ErrUnknownTier     = errors.New("unknown verification tier")
)

// expiryOffsetMonths is the fixed offset from submission after which a
// non-terminal verification lapses.
const expiryOffsetMonths = 6

// Risk thresholds consumed by the settlement gate.
const (
	highRiskThreshold  = 70
	suspendedThreshold = 90
)

// PersonalInfo is the applicant data used for deterministic risk scoring.
type PersonalInfo struct {
	FullName     string
	Nationality  string // ISO 3166-1 alpha-2
	BusinessType string
	BirthDate    time.Time
}

// DocumentMeta describes a submitted document. Storage and parsing are
// external; only the metadata is recorded here.
type DocumentMeta struct {
	Type       string    `json:"type"`
	FileURL    string    `json:"file_url"`
	FileName   string    `json:"file_name"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Verification is one KYC attempt for a seller.
type Verification struct {
	ID              string
	SellerID        string
	Status          string
	Tier            string
	Documents       []DocumentMeta
	RiskScore       int
	SubmittedAt     time.Time
	ReviewedAt      *time.Time
	ReviewerID      string
	RejectionReason string
	ExpiresAt       time.Time
	TraceID         string
}

func terminal(status string) bool {
	switch status {
	case StatusVerified, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Status is the derived compliance view consumed by settlement.
type Status struct {
	SellerID           string   `json:"seller_id"`
	Status             string   `json:"status"`
	RiskScore          int      `json:"risk_score"`
	CanReceivePayments bool     `json:"can_receive_payments"`
	Restrictions       []string `json:"restrictions"`
}
