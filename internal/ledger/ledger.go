package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUnbalancedPosting = errors.New("posting group does not balance")
	ErrEmptyPosting      = errors.New("posting group is empty")
	ErrInvalidPosting    = errors.New("posting amount must be positive")
)

// Account types.
const (
	AccountBuyer    = "buyer"
	AccountSeller   = "seller"
	AccountPlatform = "platform"
)

// Directions.
const (
	Credit = "credit"
	Debit  = "debit"
)

// epsilon is half a minor unit of the canonical currency. A posting group
// whose signed sum exceeds it is rejected outright.
var epsilon = decimal.NewFromFloat(0.005)

// Posting is one requested movement against one account.
type Posting struct {
	AccountType string
	AccountID   string // empty for the platform account
	Direction   string
	Amount      decimal.Decimal
}

// Entry is one immutable ledger row. Entries are never updated or deleted;
// corrections are posted as new compensating entries.
type Entry struct {
	Seq           int64
	ID            uuid.UUID
	TransactionID uuid.UUID
	AccountType   string
	AccountID     *string
	Direction     string
	Amount        decimal.Decimal
	BalanceAfter  decimal.Decimal
	PolicyVersion string
	TraceID       string
	CreatedAt     time.Time
}

// Engine appends balanced posting groups and reads account balances.
//
// Balance-after is computed as "latest balance for the account + signed
// delta" at insert time. That read-then-write is serialized per account by
// an in-process keyed mutex; locks are acquired in sorted key order so
// concurrent groups touching overlapping accounts cannot deadlock.
type Engine struct {
	db *sql.DB

	mu       sync.Mutex
	accounts map[string]*sync.Mutex
}

func NewEngine(db *sql.DB) *Engine {
	return &Engine{
		db:       db,
		accounts: make(map[string]*sync.Mutex),
	}
}

func accountKey(accountType, accountID string) string {
	return accountType + "/" + accountID
}

func (e *Engine) accountLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.accounts[key]
	if !ok {
		l = &sync.Mutex{}
		e.accounts[key] = l
	}
	return l
}

// signed returns the posting amount with credit positive and debit negative.
func signed(p Posting) decimal.Decimal {
	if p.Direction == Debit {
		return p.Amount.Neg()
	}
	return p.Amount
}

// Validate checks a posting group without writing anything.
func Validate(postings []Posting) error {
	if len(postings) == 0 {
		return ErrEmptyPosting
	}

	sum := decimal.Zero
	for _, p := range postings {
		if p.Direction != Credit && p.Direction != Debit {
			return fmt.Errorf("%w: unknown direction %q", ErrInvalidPosting, p.Direction)
		}
		if !p.Amount.IsPositive() {
			return fmt.Errorf("%w: %s %s", ErrInvalidPosting, p.Direction, p.Amount)
		}
		sum = sum.Add(signed(p))
	}

	if sum.Abs().GreaterThan(epsilon) {
		return fmt.Errorf("%w: signed sum %s", ErrUnbalancedPosting, sum)
	}
	return nil
}

// LockAccounts takes the per-account write locks for every account touched
// by the posting group, in sorted order so overlapping groups cannot
// deadlock. The caller must hold the locks from before PostEntries until
// its SQL transaction commits or rolls back; releasing earlier would let a
// concurrent group read a balance that is about to be superseded.
func (e *Engine) LockAccounts(postings []Posting) (unlock func()) {
	keys := make([]string, 0, len(postings))
	seen := make(map[string]bool, len(postings))
	for _, p := range postings {
		key := accountKey(p.AccountType, p.AccountID)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	locks := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		l := e.accountLock(key)
		l.Lock()
		locks = append(locks, l)
	}

	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// PostEntries appends one balanced group of entries inside the caller's SQL
// transaction. Either every entry is written or none is: a validation
// failure writes nothing, and a rollback of tx discards the group. The
// caller must hold the locks returned by LockAccounts for this group.
func (e *Engine) PostEntries(ctx context.Context, tx *sql.Tx, transactionID uuid.UUID, policyVersion, traceID string, postings []Posting) ([]Entry, error) {
	if err := Validate(postings); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entries := make([]Entry, 0, len(postings))

	for _, p := range postings {
		balance, err := latestBalanceTx(ctx, tx, p.AccountType, p.AccountID)
		if err != nil {
			return nil, err
		}

		entry := Entry{
			ID:            uuid.New(),
			TransactionID: transactionID,
			AccountType:   p.AccountType,
			Direction:     p.Direction,
			Amount:        p.Amount,
			BalanceAfter:  balance.Add(signed(p)),
			PolicyVersion: policyVersion,
			TraceID:       traceID,
			CreatedAt:     now,
		}

		var acctID interface{}
		if p.AccountID != "" {
			id := p.AccountID
			entry.AccountID = &id
			acctID = id
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO ledger_entries
			 (id, transaction_id, account_type, account_id, direction, amount,
			  balance_after, policy_version, trace_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entry.ID.String(), entry.TransactionID.String(), entry.AccountType,
			acctID, entry.Direction, entry.Amount, entry.BalanceAfter,
			entry.PolicyVersion, entry.TraceID, entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert ledger entry: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

// Balance returns the latest balance-after for an account, or zero when the
// account has no entries.
func (e *Engine) Balance(ctx context.Context, accountType, accountID string) (decimal.Decimal, error) {
	var (
		balance decimal.Decimal
		err     error
	)
	if accountID == "" {
		err = e.db.QueryRowContext(ctx,
			`SELECT balance_after FROM ledger_entries
			 WHERE account_type = $1 AND account_id IS NULL
			 ORDER BY seq DESC LIMIT 1`,
			accountType).Scan(&balance)
	} else {
		err = e.db.QueryRowContext(ctx,
			`SELECT balance_after FROM ledger_entries
			 WHERE account_type = $1 AND account_id = $2
			 ORDER BY seq DESC LIMIT 1`,
			accountType, accountID).Scan(&balance)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// EntriesForTransaction returns every entry posted for a transaction in
// insertion order.
func (e *Engine) EntriesForTransaction(ctx context.Context, transactionID uuid.UUID) ([]Entry, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT seq, id, transaction_id, account_type, account_id, direction,
		        amount, balance_after, policy_version, trace_id, created_at
		 FROM ledger_entries WHERE transaction_id = $1 ORDER BY seq`,
		transactionID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry  Entry
			idStr  string
			txnStr string
			acctID sql.NullString
		)
		err := rows.Scan(&entry.Seq, &idStr, &txnStr, &entry.AccountType,
			&acctID, &entry.Direction, &entry.Amount, &entry.BalanceAfter,
			&entry.PolicyVersion, &entry.TraceID, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if entry.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse entry id: %w", err)
		}
		if entry.TransactionID, err = uuid.Parse(txnStr); err != nil {
			return nil, fmt.Errorf("parse transaction id: %w", err)
		}
		if acctID.Valid {
			s := acctID.String
			entry.AccountID = &s
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func latestBalanceTx(ctx context.Context, tx *sql.Tx, accountType, accountID string) (decimal.Decimal, error) {
	var (
		balance decimal.Decimal
		err     error
	)
	if accountID == "" {
		err = tx.QueryRowContext(ctx,
			`SELECT balance_after FROM ledger_entries
			 WHERE account_type = $1 AND account_id IS NULL
			 ORDER BY seq DESC LIMIT 1`,
			accountType).Scan(&balance)
	} else {
		err = tx.QueryRowContext(ctx,
			`SELECT balance_after FROM ledger_entries
			 WHERE account_type = $1 AND account_id = $2
			 ORDER BY seq DESC LIMIT 1`,
			accountType, accountID).Scan(&balance)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query latest balance: %w", err)
	}
	return balance, nil
}
