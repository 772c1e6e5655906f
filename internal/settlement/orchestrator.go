package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openmarket/settlement/internal/audit"
	"github.com/openmarket/settlement/internal/compliance"
	"github.com/openmarket/settlement/internal/ledger"
	"github.com/openmarket/settlement/internal/policy"
	"github.com/openmarket/settlement/pkg/messaging"
)

var (
	ErrSellerIneligible = errors.New("seller cannot receive payments")
	ErrPaymentFailed    = errors.New("upstream payment capture failed")
	ErrDuplicateEvent   = errors.New("event already settled")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrUnknownTier      = errors.New("no listing tier with that name")
	ErrUnknownPhase     = errors.New("gig fee phase must be upfront or completion")
	ErrNotFound         = errors.New("transaction not found")
)

// Transaction types.
const (
	TypeOrderPayment       = "order_payment"
	TypeSubscriptionCharge = "subscription_charge"
	TypeGigFee             = "gig_fee"
	TypeUsageCharge        = "ai_usage_charge"
)

// Transaction statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Gig fee phases.
const (
	PhaseUpfront    = "upfront"
	PhaseCompletion = "completion"
)

// Transaction is one priced business event. For completed transactions
// gross = fee + net.
type Transaction struct {
	ID                 uuid.UUID
	Type               string
	Status             string
	GrossAmount        decimal.Decimal
	FeeAmount          decimal.Decimal
	NetAmount          decimal.Decimal
	FXRate             *decimal.Decimal
	FXCapturedAt       *time.Time
	PolicyVersion      string
	TraceID            string
	EventID            string
	ExternalPaymentRef string
	CreatedAt          time.Time
}

// ComplianceGate is the seller eligibility check consulted before any flow
// that credits a seller.
type ComplianceGate interface {
	Status(ctx context.Context, sellerID string) (*compliance.Status, error)
}

// Publisher emits completion events. Satisfied by *messaging.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

// Orchestrator coordinates policy lookup, compliance gating, fee
// computation, ledger posting and audit recording for each business flow.
type Orchestrator struct {
	db        *sql.DB
	registry  *policy.Registry
	gate      ComplianceGate
	engine    *ledger.Engine
	chain     *audit.Chain
	publisher Publisher
	logger    *slog.Logger
}

func NewOrchestrator(db *sql.DB, registry *policy.Registry, gate ComplianceGate, engine *ledger.Engine, chain *audit.Chain, publisher Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:        db,
		registry:  registry,
		gate:      gate,
		engine:    engine,
		chain:     chain,
		publisher: publisher,
		logger:    logger,
	}
}

// OrderPayment describes a paid order reported by the upstream payment
// collaborator.
type OrderPayment struct {
	OrderID    string
	BuyerID    string
	SellerID   string
	Amount     decimal.Decimal
	RegionCode string
	PaymentRef string
	Captured   bool
	EventID    string
	TraceID    string
}

// ProcessOrderPayment settles one order sale: buyer debited the gross,
// seller credited the net, platform credited the transaction fee.
func (o *Orchestrator) ProcessOrderPayment(ctx context.Context, req OrderPayment) (*Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	pol, err := o.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	if err := o.checkSeller(ctx, req.SellerID); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:                 uuid.New(),
		Type:               TypeOrderPayment,
		PolicyVersion:      pol.Version,
		TraceID:            req.TraceID,
		EventID:            req.EventID,
		ExternalPaymentRef: req.PaymentRef,
	}

	if !req.Captured {
		// Upstream capture failed: record the failure, post nothing.
		txn.Status = StatusFailed
		txn.GrossAmount = req.Amount
		txn.NetAmount = req.Amount
		txn.FeeAmount = decimal.Zero
		return o.recordFailure(ctx, txn, "payment_capture_failed")
	}

	txn.Status = StatusCompleted
	txn.GrossAmount = req.Amount
	txn.FeeAmount = pct(req.Amount, pol.TransactionFeePct)
	txn.NetAmount = txn.GrossAmount.Sub(txn.FeeAmount)

	if req.RegionCode != "" {
		regional, err := policy.CalculateRegionalFee(pol, req.Amount, req.RegionCode)
		if err == nil {
			rate := regional.FXRate
			now := time.Now().UTC()
			txn.FXRate = &rate
			txn.FXCapturedAt = &now
		} else {
			o.logger.Warn("no regional rate, settling in canonical currency",
				"region", req.RegionCode,
				"trace_id", req.TraceID,
			)
		}
	}

	postings := []ledger.Posting{
		{AccountType: ledger.AccountBuyer, AccountID: req.BuyerID, Direction: ledger.Debit, Amount: txn.GrossAmount},
		{AccountType: ledger.AccountSeller, AccountID: req.SellerID, Direction: ledger.Credit, Amount: txn.NetAmount},
		{AccountType: ledger.AccountPlatform, Direction: ledger.Credit, Amount: txn.FeeAmount},
	}

	return o.commit(ctx, txn, postings, "order_settled", map[string]string{
		"order_id":  req.OrderID,
		"buyer_id":  req.BuyerID,
		"seller_id": req.SellerID,
	})
}

// SubscriptionCharge bills a seller their listing tier's weekly fee. The
// full amount is platform revenue.
type SubscriptionCharge struct {
	SubscriptionID string
	SellerID       string
	Tier           string
	PaymentRef     string
	EventID        string
	TraceID        string
}

func (o *Orchestrator) ChargeSubscription(ctx context.Context, req SubscriptionCharge) (*Transaction, error) {
	pol, err := o.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	tier, ok := pol.Tier(req.Tier)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, req.Tier)
	}
	if !tier.WeeklyFee.IsPositive() {
		return nil, ErrInvalidAmount
	}

	txn := &Transaction{
		ID:                 uuid.New(),
		Type:               TypeSubscriptionCharge,
		Status:             StatusCompleted,
		GrossAmount:        tier.WeeklyFee,
		FeeAmount:          tier.WeeklyFee,
		NetAmount:          decimal.Zero,
		PolicyVersion:      pol.Version,
		TraceID:            req.TraceID,
		EventID:            req.EventID,
		ExternalPaymentRef: req.PaymentRef,
	}

	postings := []ledger.Posting{
		{AccountType: ledger.AccountSeller, AccountID: req.SellerID, Direction: ledger.Debit, Amount: tier.WeeklyFee},
		{AccountType: ledger.AccountPlatform, Direction: ledger.Credit, Amount: tier.WeeklyFee},
	}

	return o.commit(ctx, txn, postings, "subscription_charged", map[string]string{
		"subscription_id": req.SubscriptionID,
		"seller_id":       req.SellerID,
		"tier":            tier.Name,
	})
}

// GigFee charges the marketplace fee for a gig: the posting percentage
// upfront and the booking percentage on completion.
type GigFee struct {
	GigID      string
	BuyerID    string
	SellerID   string
	Amount     decimal.Decimal
	Phase      string
	PaymentRef string
	EventID    string
	TraceID    string
}

func (o *Orchestrator) ChargeGigFee(ctx context.Context, req GigFee) (*Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	pol, err := o.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	var feePct decimal.Decimal
	switch req.Phase {
	case PhaseUpfront:
		feePct = pol.PostingFeePct
	case PhaseCompletion:
		feePct = pol.BookingFeePct
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, req.Phase)
	}

	if err := o.checkSeller(ctx, req.SellerID); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:                 uuid.New(),
		Type:               TypeGigFee,
		Status:             StatusCompleted,
		GrossAmount:        req.Amount,
		FeeAmount:          pct(req.Amount, feePct),
		PolicyVersion:      pol.Version,
		TraceID:            req.TraceID,
		EventID:            req.EventID,
		ExternalPaymentRef: req.PaymentRef,
	}
	txn.NetAmount = txn.GrossAmount.Sub(txn.FeeAmount)

	postings := []ledger.Posting{
		{AccountType: ledger.AccountBuyer, AccountID: req.BuyerID, Direction: ledger.Debit, Amount: txn.GrossAmount},
		{AccountType: ledger.AccountSeller, AccountID: req.SellerID, Direction: ledger.Credit, Amount: txn.NetAmount},
		{AccountType: ledger.AccountPlatform, Direction: ledger.Credit, Amount: txn.FeeAmount},
	}

	return o.commit(ctx, txn, postings, "gig_fee_charged", map[string]string{
		"gig_id":    req.GigID,
		"seller_id": req.SellerID,
		"phase":     req.Phase,
	})
}

// UsageCharge bills metered AI-program usage: the consuming buyer pays the
// gross, the program owner receives the net, the platform keeps the
// transaction fee.
type UsageCharge struct {
	ProgramID  string
	BuyerID    string
	OwnerID    string
	Amount     decimal.Decimal
	PaymentRef string
	EventID    string
	TraceID    string
}

func (o *Orchestrator) ChargeUsage(ctx context.Context, req UsageCharge) (*Transaction, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	pol, err := o.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	if err := o.checkSeller(ctx, req.OwnerID); err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:                 uuid.New(),
		Type:               TypeUsageCharge,
		Status:             StatusCompleted,
		GrossAmount:        req.Amount,
		FeeAmount:          pct(req.Amount, pol.TransactionFeePct),
		PolicyVersion:      pol.Version,
		TraceID:            req.TraceID,
		EventID:            req.EventID,
		ExternalPaymentRef: req.PaymentRef,
	}
	txn.NetAmount = txn.GrossAmount.Sub(txn.FeeAmount)

	postings := []ledger.Posting{
		{AccountType: ledger.AccountBuyer, AccountID: req.BuyerID, Direction: ledger.Debit, Amount: txn.GrossAmount},
		{AccountType: ledger.AccountSeller, AccountID: req.OwnerID, Direction: ledger.Credit, Amount: txn.NetAmount},
		{AccountType: ledger.AccountPlatform, Direction: ledger.Credit, Amount: txn.FeeAmount},
	}

	return o.commit(ctx, txn, postings, "usage_charged", map[string]string{
		"program_id": req.ProgramID,
		"owner_id":   req.OwnerID,
	})
}

// checkSeller fails fast outside the atomic scope when the seller cannot
// receive payments.
func (o *Orchestrator) checkSeller(ctx context.Context, sellerID string) error {
	status, err := o.gate.Status(ctx, sellerID)
	if err != nil {
		return fmt.Errorf("compliance check: %w", err)
	}
	if !status.CanReceivePayments {
		return fmt.Errorf("%w: %s (%v)", ErrSellerIneligible, sellerID, status.Restrictions)
	}
	return nil
}

// commit runs steps 3-5 of a flow as one atomic scope: transaction row,
// balanced ledger entries and the audit record all land or none do. The
// per-account and chain-key locks are held across the SQL commit.
func (o *Orchestrator) commit(ctx context.Context, txn *Transaction, postings []ledger.Posting, action string, details map[string]string) (*Transaction, error) {
	unlockAccounts := o.engine.LockAccounts(postings)
	defer unlockAccounts()
	unlockChain := o.chain.Lock(audit.SubsystemSettlement)
	defer unlockChain()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settlement: %w", err)
	}
	defer tx.Rollback()

	if err := o.insertTransactionTx(ctx, tx, txn); err != nil {
		return nil, err
	}

	if _, err := o.engine.PostEntries(ctx, tx, txn.ID, txn.PolicyVersion, txn.TraceID, postings); err != nil {
		return nil, err
	}

	auditDetails := map[string]string{
		"transaction_id": txn.ID.String(),
		"gross":          txn.GrossAmount.String(),
		"fee":            txn.FeeAmount.String(),
		"net":            txn.NetAmount.String(),
	}
	for k, v := range details {
		auditDetails[k] = v
	}
	if _, err := o.chain.AppendTx(ctx, tx, "settlement-orchestrator", audit.SubsystemSettlement,
		action, "completed", txn.PolicyVersion, auditDetails); err != nil {
		return nil, err
	}

	if err := recordRevenueTx(ctx, tx, txn); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settlement: %w", err)
	}

	o.logger.Info("transaction settled",
		"transaction_id", txn.ID,
		"type", txn.Type,
		"gross", txn.GrossAmount.String(),
		"fee", txn.FeeAmount.String(),
		"policy_version", txn.PolicyVersion,
		"trace_id", txn.TraceID,
	)

	o.publishOutcome(ctx, txn, "")

	return txn, nil
}

// recordFailure persists a failed transaction with an audit record and no
// ledger postings.
func (o *Orchestrator) recordFailure(ctx context.Context, txn *Transaction, reason string) (*Transaction, error) {
	unlockChain := o.chain.Lock(audit.SubsystemSettlement)
	defer unlockChain()

	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failure record: %w", err)
	}
	defer tx.Rollback()

	if err := o.insertTransactionTx(ctx, tx, txn); err != nil {
		return nil, err
	}

	if _, err := o.chain.AppendTx(ctx, tx, "settlement-orchestrator", audit.SubsystemSettlement,
		"settlement_failed", reason, txn.PolicyVersion, map[string]string{
			"transaction_id": txn.ID.String(),
			"type":           txn.Type,
		}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failure record: %w", err)
	}

	o.logger.Warn("transaction failed",
		"transaction_id", txn.ID,
		"type", txn.Type,
		"reason", reason,
		"trace_id", txn.TraceID,
	)

	o.publishOutcome(ctx, txn, reason)

	return txn, fmt.Errorf("%w: %s", ErrPaymentFailed, reason)
}

func (o *Orchestrator) insertTransactionTx(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	// Durable idempotency: an event id settles at most once, even after a
	// consumer restart wipes the in-memory dedup cache.
	if txn.EventID != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM transactions WHERE event_id = $1`,
			txn.EventID).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: event %s -> transaction %s", ErrDuplicateEvent, txn.EventID, existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check event id: %w", err)
		}
	}

	txn.CreatedAt = time.Now().UTC()

	var eventID interface{}
	if txn.EventID != "" {
		eventID = txn.EventID
	}
	var fxRate, fxCaptured interface{}
	if txn.FXRate != nil {
		fxRate = *txn.FXRate
	}
	if txn.FXCapturedAt != nil {
		fxCaptured = *txn.FXCapturedAt
	}

	_, err := tx.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, type, status, gross_amount, fee_amount, net_amount, fx_rate,
		  fx_captured_at, policy_version, trace_id, event_id,
		  external_payment_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID.String(), txn.Type, txn.Status, txn.GrossAmount, txn.FeeAmount,
		txn.NetAmount, fxRate, fxCaptured, txn.PolicyVersion, txn.TraceID,
		eventID, txn.ExternalPaymentRef, txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// recordRevenueTx accumulates the platform's fee income per day and
// transaction category inside the settlement transaction, so the metric
// lands iff the settlement commits. A redelivered event never reaches this
// point: it fails the duplicate guard first.
func recordRevenueTx(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO revenue_metrics (day, category, amount, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (day, category) DO UPDATE SET
		   amount = revenue_metrics.amount + EXCLUDED.amount,
		   count = revenue_metrics.count + 1`,
		txn.CreatedAt.UTC().Format("2006-01-02"), txn.Type, txn.FeeAmount,
	)
	if err != nil {
		return fmt.Errorf("record revenue metric: %w", err)
	}
	return nil
}

func (o *Orchestrator) publishOutcome(ctx context.Context, txn *Transaction, reason string) {
	if o.publisher == nil {
		return
	}

	topic := messaging.TopicTransactionCompleted
	if txn.Status == StatusFailed {
		topic = messaging.TopicTransactionFailed
	}

	env, err := messaging.NewEnvelope(topic, txn.TraceID, messaging.TransactionEvent{
		TransactionID: txn.ID.String(),
		Type:          txn.Type,
		Status:        txn.Status,
		GrossAmount:   txn.GrossAmount.String(),
		FeeAmount:     txn.FeeAmount.String(),
		NetAmount:     txn.NetAmount.String(),
		PolicyVersion: txn.PolicyVersion,
		TraceID:       txn.TraceID,
		Reason:        reason,
	})
	if err != nil {
		o.logger.Error("build transaction event", "error", err)
		return
	}

	// Fire-and-forget: the settlement already committed.
	if err := o.publisher.Publish(ctx, topic, env); err != nil {
		o.logger.Warn("publish transaction event failed",
			"transaction_id", txn.ID,
			"error", err,
		)
	}
}

// TransactionByID looks up one settled transaction.
func (o *Orchestrator) TransactionByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	return o.queryTransaction(ctx, `WHERE id = $1`, id.String())
}

// TransactionByEventID looks up the transaction settled for an upstream
// event.
func (o *Orchestrator) TransactionByEventID(ctx context.Context, eventID string) (*Transaction, error) {
	return o.queryTransaction(ctx, `WHERE event_id = $1`, eventID)
}

func (o *Orchestrator) queryTransaction(ctx context.Context, where string, arg interface{}) (*Transaction, error) {
	row := o.db.QueryRowContext(ctx,
		`SELECT id, type, status, gross_amount, fee_amount, net_amount,
		        fx_rate, fx_captured_at, policy_version, trace_id, event_id,
		        external_payment_ref, created_at
		 FROM transactions `+where, arg)

	var (
		txn        Transaction
		idStr      string
		fxRate     sql.NullString
		fxCaptured sql.NullTime
		eventID    sql.NullString
	)
	err := row.Scan(&idStr, &txn.Type, &txn.Status, &txn.GrossAmount,
		&txn.FeeAmount, &txn.NetAmount, &fxRate, &fxCaptured,
		&txn.PolicyVersion, &txn.TraceID, &eventID,
		&txn.ExternalPaymentRef, &txn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}

	if txn.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("parse transaction id: %w", err)
	}
	if fxRate.Valid {
		rate, err := decimal.NewFromString(fxRate.String)
		if err != nil {
			return nil, fmt.Errorf("parse fx rate: %w", err)
		}
		txn.FXRate = &rate
	}
	if fxCaptured.Valid {
		t := fxCaptured.Time
		txn.FXCapturedAt = &t
	}
	if eventID.Valid {
		txn.EventID = eventID.String
	}

	return &txn, nil
}

// pct computes amount * p / 100 rounded to the canonical minor unit.
func pct(amount, p decimal.Decimal) decimal.Decimal {
	return amount.Mul(p).Div(decimal.NewFromInt(100)).Round(2)
}
