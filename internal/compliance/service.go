package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openmarket/settlement/internal/audit"
	"github.com/openmarket/settlement/pkg/messaging"
)

// Publisher emits compliance status events. Satisfied by *messaging.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// AutoDecision is the outcome of the external eligibility callback.
type AutoDecision struct {
	Outcome    string // approve or reject
	Confidence float64
	Reason     string
}

// DecisionFunc is the optional external decision hook invoked after a
// submission. It must never block or fail the submission: errors are
// logged and swallowed, leaving the record pending for manual review.
type DecisionFunc func(ctx context.Context, v *Verification) (*AutoDecision, error)

// minAutoConfidence is the confidence below which an automated decision is
// ignored.
const minAutoConfidence = 0.8

// Service owns the KYC verification lifecycle and the derived seller
// compliance view.
type Service struct {
	db        *sql.DB
	chain     *audit.Chain
	publisher Publisher
	logger    *slog.Logger

	autoDecide        DecisionFunc
	autoDecideEnabled bool
}

// Option configures a Service.
type Option func(*Service)

// WithAutoDecision enables the external decision hook.
func WithAutoDecision(fn DecisionFunc) Option {
	return func(s *Service) {
		s.autoDecide = fn
		s.autoDecideEnabled = fn != nil
	}
}

// WithPublisher sets the event publisher for kyc.status_changed.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

func NewService(db *sql.DB, chain *audit.Chain, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{db: db, chain: chain, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a new verification attempt for a seller. At most one
// non-terminal record may exist per seller.
func (s *Service) Submit(ctx context.Context, sellerID, tier string, info PersonalInfo, docs []DocumentMeta, traceID string) (*Verification, error) {
	if sellerID == "" {
		return nil, ErrMissingSellerID
	}
	if tier != TierIndividual && tier != TierBusiness {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}

	now := time.Now().UTC()

	v := &Verification{
		ID:          uuid.New().String(),
		SellerID:    sellerID,
		Status:      StatusPending,
		Tier:        tier,
		Documents:   docs,
		RiskScore:   riskScore(info, tier, docs, now),
		SubmittedAt: now,
		ExpiresAt:   now.AddDate(0, expiryOffsetMonths, 0),
		TraceID:     traceID,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin submit: %w", err)
	}
	defer tx.Rollback()

	var verified, open int
	err = tx.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN status = $1 THEN 1 END),
		   COUNT(CASE WHEN status IN ($2, $3) THEN 1 END)
		 FROM kyc_verifications WHERE seller_id = $4`,
		StatusVerified, StatusPending, StatusUnderReview, sellerID,
	).Scan(&verified, &open)
	if err != nil {
		return nil, fmt.Errorf("check existing records: %w", err)
	}
	if verified > 0 {
		return nil, ErrAlreadyVerified
	}
	if open > 0 {
		return nil, ErrPendingExists
	}

	docsJSON, err := json.Marshal(v.Documents)
	if err != nil {
		return nil, fmt.Errorf("marshal documents: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO kyc_verifications
		 (id, seller_id, status, tier, documents, risk_score, submitted_at,
		  expires_at, trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.SellerID, v.Status, v.Tier, string(docsJSON), v.RiskScore,
		v.SubmittedAt, v.ExpiresAt, v.TraceID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert verification: %w", err)
	}

	if err := s.mirrorSellerTx(ctx, tx, sellerID, false, v.RiskScore); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit submit: %w", err)
	}

	s.auditDecision(ctx, "seller:"+sellerID, "kyc_submitted", "submission", map[string]string{
		"verification_id": v.ID,
		"risk_score":      fmt.Sprintf("%d", v.RiskScore),
		"tier":            tier,
	})

	s.logger.Info("kyc submitted",
		"verification_id", v.ID,
		"seller_id", sellerID,
		"risk_score", v.RiskScore,
		"trace_id", traceID,
	)

	// Best-effort automated decision. A hook failure leaves the record
	// pending for manual review and never fails the submission.
	if s.autoDecideEnabled {
		s.tryAutoDecision(ctx, v)
	}

	return s.ByID(ctx, v.ID)
}

func (s *Service) tryAutoDecision(ctx context.Context, v *Verification) {
	decision, err := s.autoDecide(ctx, v)
	if err != nil {
		s.logger.Warn("auto decision hook failed, leaving pending",
			"verification_id", v.ID,
			"error", err,
			"trace_id", v.TraceID,
		)
		return
	}
	if decision == nil || decision.Confidence < minAutoConfidence {
		return
	}
	if decision.Outcome != DecisionApprove && decision.Outcome != DecisionReject {
		return
	}

	if _, err := s.Review(ctx, v.ID, SystemReviewer, decision.Outcome, decision.Reason); err != nil {
		s.logger.Warn("auto decision review failed, leaving pending",
			"verification_id", v.ID,
			"error", err,
			"trace_id", v.TraceID,
		)
	}
}

// BeginReview claims a pending verification for a reviewer.
func (s *Service) BeginReview(ctx context.Context, kycID, reviewerID string) (*Verification, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kyc_verifications SET status = $1, reviewer_id = $2
		 WHERE id = $3 AND status = $4`,
		StatusUnderReview, reviewerID, kycID, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("begin review: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		v, err := s.ByID(ctx, kycID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, v.Status)
	}
	return s.ByID(ctx, kycID)
}

// Review resolves a non-terminal verification to verified or rejected and
// mirrors the seller's aggregate compliance flag in the same transaction.
func (s *Service) Review(ctx context.Context, kycID, reviewerID, decision, reason string) (*Verification, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin review: %w", err)
	}
	defer tx.Rollback()

	v, err := byIDTx(ctx, tx, kycID)
	if err != nil {
		return nil, err
	}
	if terminal(v.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrNotReviewable, v.Status)
	}

	newStatus := StatusVerified
	if decision == DecisionReject {
		newStatus = StatusRejected
	}
	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE kyc_verifications
		 SET status = $1, reviewed_at = $2, reviewer_id = $3, rejection_reason = $4
		 WHERE id = $5`,
		newStatus, now, reviewerID, reason, kycID,
	)
	if err != nil {
		return nil, fmt.Errorf("update verification: %w", err)
	}

	if err := s.mirrorSellerTx(ctx, tx, v.SellerID, newStatus == StatusVerified, v.RiskScore); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit review: %w", err)
	}

	s.auditDecision(ctx, reviewerID, "kyc_reviewed", decision, map[string]string{
		"verification_id": kycID,
		"seller_id":       v.SellerID,
		"status":          newStatus,
	})

	s.publishStatusChange(ctx, kycID, v.SellerID, newStatus, v.RiskScore, v.TraceID)

	s.logger.Info("kyc reviewed",
		"verification_id", kycID,
		"seller_id", v.SellerID,
		"status", newStatus,
		"reviewer_id", reviewerID,
	)

	return s.ByID(ctx, kycID)
}

// ExpireStale sweeps every non-terminal verification past its expiry to
// expired, in one bulk statement. Idempotent: a second sweep with nothing
// stale changes nothing.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE kyc_verifications SET status = $1
		 WHERE status IN ($2, $3) AND expires_at < $4`,
		StatusExpired, StatusPending, StatusUnderReview, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale verifications: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.auditDecision(ctx, SystemReviewer, "kyc_expired", "expiry_sweep", map[string]string{
			"count": fmt.Sprintf("%d", n),
		})
		s.logger.Info("expired stale verifications", "count", n)
	}
	return n, nil
}

// Status derives the seller's compliance view from their latest
// verification record.
func (s *Service) Status(ctx context.Context, sellerID string) (*Status, error) {
	row := s.db.QueryRowContext(ctx,
		selectVerification+` WHERE seller_id = $1 ORDER BY submitted_at DESC LIMIT 1`,
		sellerID)

	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Status{
			SellerID:           sellerID,
			Status:             "none",
			CanReceivePayments: false,
			Restrictions:       []string{"seller identity not verified"},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest verification: %w", err)
	}

	st := &Status{
		SellerID:  sellerID,
		Status:    v.Status,
		RiskScore: v.RiskScore,
	}
	st.CanReceivePayments = v.Status == StatusVerified && v.RiskScore < highRiskThreshold

	if v.Status != StatusVerified {
		st.Restrictions = append(st.Restrictions, "seller identity not verified")
	}
	if v.RiskScore >= highRiskThreshold {
		st.Restrictions = append(st.Restrictions, "high risk profile")
	}
	if v.RiskScore >= suspendedThreshold {
		st.Restrictions = append(st.Restrictions, "payments suspended")
	}

	return st, nil
}

// PendingReviews returns the manual review queue, oldest submission first.
func (s *Service) PendingReviews(ctx context.Context, limit, offset int) ([]*Verification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		selectVerification+` WHERE status IN ($1, $2)
		 ORDER BY submitted_at ASC LIMIT $3 OFFSET $4`,
		StatusPending, StatusUnderReview, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query pending reviews: %w", err)
	}
	defer rows.Close()

	var out []*Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ByID returns one verification.
func (s *Service) ByID(ctx context.Context, kycID string) (*Verification, error) {
	row := s.db.QueryRowContext(ctx, selectVerification+` WHERE id = $1`, kycID)
	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query verification: %w", err)
	}
	return v, nil
}

// mirrorSellerTx maintains seller_compliance, the denormalized per-seller
// flag consumed by the wider platform's services (search ranking, payout
// scheduling) that must not join against the verification history. Status
// reads the full kyc_verifications record; the mirror is kept in the same
// transaction so external readers never observe a stale flag.
func (s *Service) mirrorSellerTx(ctx context.Context, tx *sql.Tx, sellerID string, verified bool, riskScore int) error {
	verifiedInt := 0
	if verified {
		verifiedInt = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO seller_compliance (seller_id, verified, risk_score, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (seller_id) DO UPDATE SET
		   verified = EXCLUDED.verified,
		   risk_score = EXCLUDED.risk_score,
		   updated_at = EXCLUDED.updated_at`,
		sellerID, verifiedInt, riskScore, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("mirror seller compliance: %w", err)
	}
	return nil
}

// auditDecision appends to the compliance chain. Chain unavailability is
// logged, not propagated: the state transition already committed.
func (s *Service) auditDecision(ctx context.Context, actor, action, reason string, details map[string]string) {
	if s.chain == nil {
		return
	}
	if _, err := s.chain.Append(ctx, actor, audit.SubsystemCompliance, action, reason, "", details); err != nil {
		s.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func (s *Service) publishStatusChange(ctx context.Context, kycID, sellerID, status string, riskScore int, traceID string) {
	if s.publisher == nil {
		return
	}
	env, err := messaging.NewEnvelope(messaging.TopicKYCStatusChanged, traceID, messaging.KYCStatusEvent{
		VerificationID: kycID,
		SellerID:       sellerID,
		Status:         status,
		RiskScore:      riskScore,
		TraceID:        traceID,
	})
	if err != nil {
		s.logger.Error("build kyc status event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, messaging.TopicKYCStatusChanged, env); err != nil {
		s.logger.Warn("publish kyc status event failed",
			"verification_id", kycID,
			"error", err,
		)
	}
}

const selectVerification = `SELECT id, seller_id, status, tier, documents,
	risk_score, submitted_at, reviewed_at, reviewer_id, rejection_reason,
	expires_at, trace_id FROM kyc_verifications`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVerification(row rowScanner) (*Verification, error) {
	var (
		v        Verification
		docs     string
		reviewed sql.NullTime
	)
	err := row.Scan(&v.ID, &v.SellerID, &v.Status, &v.Tier, &docs,
		&v.RiskScore, &v.SubmittedAt, &reviewed, &v.ReviewerID,
		&v.RejectionReason, &v.ExpiresAt, &v.TraceID)
	if err != nil {
		return nil, err
	}
	if reviewed.Valid {
		t := reviewed.Time
		v.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(docs), &v.Documents); err != nil {
		return nil, fmt.Errorf("unmarshal documents: %w", err)
	}
	return &v, nil
}

func byIDTx(ctx context.Context, tx *sql.Tx, kycID string) (*Verification, error) {
	row := tx.QueryRowContext(ctx, selectVerification+` WHERE id = $1`, kycID)
	v, err := scanVerification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query verification: %w", err)
	}
	return v, nil
}
