package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNoActivePolicy    = errors.New("no active fee policy")
	ErrDuplicateVersion  = errors.New("policy version already exists")
	ErrInvalidSignature  = errors.New("policy signature does not verify")
	ErrPolicyNotFound    = errors.New("policy version not found")
	ErrNoRegionalRate    = errors.New("no regional rate for region")
	ErrEmptyVersion      = errors.New("policy version is empty")
	ErrNonPositivePolicy = errors.New("policy fee percentages must not be negative")
)

// Registry resolves and publishes fee policy versions. Exactly one policy
// is active (activated and not retired) at any instant.
type Registry struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewRegistry(db *sql.DB, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: db, logger: logger}
}

// Active returns the unique activated-and-not-retired policy.
func (r *Registry) Active(ctx context.Context) (*Policy, error) {
	row := r.db.QueryRowContext(ctx,
		selectPolicy+` WHERE retired_at IS NULL`)

	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoActivePolicy
	}
	if err != nil {
		return nil, fmt.Errorf("query active policy: %w", err)
	}
	return p, nil
}

// ByVersion returns a historical policy. Versions are retained forever, so
// this never fails for a version recorded on an existing transaction.
func (r *Registry) ByVersion(ctx context.Context, version string) (*Policy, error) {
	row := r.db.QueryRowContext(ctx,
		selectPolicy+` WHERE version = $1`, version)

	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query policy %s: %w", version, err)
	}
	return p, nil
}

// History returns all policy versions, newest activation first.
func (r *Registry) History(ctx context.Context) ([]*Policy, error) {
	rows, err := r.db.QueryContext(ctx,
		selectPolicy+` ORDER BY activated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query policy history: %w", err)
	}
	defer rows.Close()

	var policies []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// Publish activates a new policy version, retiring the current active one
// in the same SQL transaction. A reader never observes zero or two active
// policies.
func (r *Registry) Publish(ctx context.Context, p *Policy) (*Policy, error) {
	if strings.TrimSpace(p.Version) == "" {
		return nil, ErrEmptyVersion
	}
	if p.PostingFeePct.IsNegative() || p.BookingFeePct.IsNegative() || p.TransactionFeePct.IsNegative() {
		return nil, ErrNonPositivePolicy
	}
	if p.Signature != Sign(p) {
		return nil, ErrInvalidSignature
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM fee_policy_versions WHERE version = $1`,
		p.Version).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check version: %w", err)
	}
	if exists > 0 {
		return nil, ErrDuplicateVersion
	}

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE fee_policy_versions SET retired_at = $1 WHERE retired_at IS NULL`,
		now); err != nil {
		return nil, fmt.Errorf("retire active policy: %w", err)
	}

	stored := *p
	stored.ActivatedAt = now
	stored.RetiredAt = nil
	if stored.EffectiveAt.IsZero() {
		stored.EffectiveAt = now
	}

	tiers, err := json.Marshal(stored.Tiers)
	if err != nil {
		return nil, fmt.Errorf("marshal tiers: %w", err)
	}
	regions, err := json.Marshal(stored.Regions)
	if err != nil {
		return nil, fmt.Errorf("marshal regions: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO fee_policy_versions
		 (version, effective_at, activated_at, retired_at, posting_fee_pct,
		  booking_fee_pct, transaction_fee_pct, tiers, regions, notes, signature)
		 VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8, $9, $10)`,
		stored.Version, stored.EffectiveAt, stored.ActivatedAt,
		stored.PostingFeePct, stored.BookingFeePct, stored.TransactionFeePct,
		string(tiers), string(regions), stored.Notes, stored.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("insert policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}

	r.logger.Info("fee policy published",
		"version", stored.Version,
		"transaction_fee_pct", stored.TransactionFeePct.String(),
	)

	return &stored, nil
}

// Bootstrap installs the given policy iff no active policy exists. Steady
// state requires one active policy at all times, so this runs at startup.
func (r *Registry) Bootstrap(ctx context.Context, p *Policy) error {
	_, err := r.Active(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoActivePolicy) {
		return err
	}

	p.Signature = Sign(p)
	if _, err := r.Publish(ctx, p); err != nil {
		return fmt.Errorf("bootstrap policy: %w", err)
	}
	return nil
}

// CalculateRegionalFee converts a canonical-currency amount into a region's
// currency using the policy's regional overrides. Pure: deterministic given
// the policy version and its captured FX rate.
func CalculateRegionalFee(p *Policy, amount decimal.Decimal, regionCode string) (*RegionalAmount, error) {
	for _, region := range p.Regions {
		if !strings.EqualFold(region.RegionCode, regionCode) {
			continue
		}
		converted := amount.Mul(region.FXRate)
		if !region.FeeAdjustPct.IsZero() {
			converted = converted.Add(converted.Mul(region.FeeAdjustPct).Div(decimal.NewFromInt(100)))
		}
		return &RegionalAmount{
			Amount:   converted.Round(2),
			FXRate:   region.FXRate,
			Currency: region.Currency,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRegionalRate, regionCode)
}

const selectPolicy = `SELECT version, effective_at, activated_at, retired_at,
	posting_fee_pct, booking_fee_pct, transaction_fee_pct, tiers, regions,
	notes, signature FROM fee_policy_versions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var (
		p       Policy
		retired sql.NullTime
		tiers   string
		regions string
	)

	err := row.Scan(&p.Version, &p.EffectiveAt, &p.ActivatedAt, &retired,
		&p.PostingFeePct, &p.BookingFeePct, &p.TransactionFeePct,
		&tiers, &regions, &p.Notes, &p.Signature)
	if err != nil {
		return nil, err
	}

	if retired.Valid {
		t := retired.Time
		p.RetiredAt = &t
	}
	if err := json.Unmarshal([]byte(tiers), &p.Tiers); err != nil {
		return nil, fmt.Errorf("unmarshal tiers: %w", err)
	}
	if err := json.Unmarshal([]byte(regions), &p.Regions); err != nil {
		return nil, fmt.Errorf("unmarshal regions: %w", err)
	}

	return &p, nil
}
