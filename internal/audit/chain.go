// Package audit persists compliance and financial decisions as a
// tamper-evident hash chain. Each record's hash covers the previous
// record's hash, so a retroactive edit anywhere breaks replay verification
// for everything after it.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subsystems writing decision records. The chain key is the subsystem.
const (
	SubsystemSettlement = "settlement"
	SubsystemCompliance = "compliance"
	SubsystemPolicy     = "policy"
)

// Record is one append-only decision entry.
type Record struct {
	Seq           int64
	ID            uuid.UUID
	Actor         string
	Subsystem     string
	Action        string
	ReasonCode    string
	PolicyVersion string
	Context       map[string]string
	PrevHash      string
	Hash          string
	CreatedAt     time.Time
}

// Chain appends and verifies decision records.
//
// Appends for one chain key run under a per-key mutex so "read tail,
// compute, insert" never races against another append computing from the
// same stale tail.
type Chain struct {
	db *sql.DB

	mu    sync.Mutex
	chain map[string]*sync.Mutex
}

func NewChain(db *sql.DB) *Chain {
	return &Chain{
		db:    db,
		chain: make(map[string]*sync.Mutex),
	}
}

// genesisHash seeds every chain key.
func genesisHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

func (c *Chain) keyLock(subsystem string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.chain[subsystem]
	if !ok {
		l = &sync.Mutex{}
		c.chain[subsystem] = l
	}
	return l
}

// Append writes a decision record in its own transaction, holding the
// chain-key lock across the commit.
func (c *Chain) Append(ctx context.Context, actor, subsystem, action, reasonCode, policyVersion string, details map[string]string) (*Record, error) {
	unlock := c.Lock(subsystem)
	defer unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	rec, err := c.AppendTx(ctx, tx, actor, subsystem, action, reasonCode, policyVersion, details)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return rec, nil
}

// AppendTx writes a decision record inside the caller's transaction.
// Callers composing a larger atomic scope must hold Lock for the subsystem
// from before this call until their transaction commits or rolls back.
func (c *Chain) AppendTx(ctx context.Context, tx *sql.Tx, actor, subsystem, action, reasonCode, policyVersion string, details map[string]string) (*Record, error) {
	prev, err := tailHashTx(ctx, tx, subsystem)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:            uuid.New(),
		Actor:         actor,
		Subsystem:     subsystem,
		Action:        action,
		ReasonCode:    reasonCode,
		PolicyVersion: policyVersion,
		Context:       details,
		PrevHash:      prev,
		CreatedAt:     time.Now().UTC(),
	}
	rec.Hash = hashRecord(rec)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO decision_audit_log
		 (id, actor, subsystem, action, reason_code, policy_version, context,
		  prev_hash, hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID.String(), rec.Actor, rec.Subsystem, rec.Action, rec.ReasonCode,
		rec.PolicyVersion, encodeContext(rec.Context), rec.PrevHash, rec.Hash,
		rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}

	return rec, nil
}

// Lock serializes appends for one chain key. The returned func releases it.
func (c *Chain) Lock(subsystem string) (unlock func()) {
	l := c.keyLock(subsystem)
	l.Lock()
	return l.Unlock
}

// VerifyChain replays every record for a subsystem in creation order,
// recomputing each hash. Returns false on the first mismatch or gap.
func (c *Chain) VerifyChain(ctx context.Context, subsystem string) (bool, error) {
	records, err := c.Records(ctx, subsystem)
	if err != nil {
		return false, err
	}

	prev := genesisHash()
	for _, rec := range records {
		if rec.PrevHash != prev {
			return false, nil
		}
		if hashRecord(&rec) != rec.Hash {
			return false, nil
		}
		prev = rec.Hash
	}
	return true, nil
}

// Records returns all records for a subsystem in append order.
func (c *Chain) Records(ctx context.Context, subsystem string) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, id, actor, subsystem, action, reason_code, policy_version,
		        context, prev_hash, hash, created_at
		 FROM decision_audit_log WHERE subsystem = $1 ORDER BY seq`,
		subsystem,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec    Record
			idStr  string
			rawCtx string
		)
		err := rows.Scan(&rec.Seq, &idStr, &rec.Actor, &rec.Subsystem,
			&rec.Action, &rec.ReasonCode, &rec.PolicyVersion, &rawCtx,
			&rec.PrevHash, &rec.Hash, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if rec.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("parse audit record id: %w", err)
		}
		rec.Context = decodeContext(rawCtx)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// hashRecord computes sha256(prev_hash ‖ canonical record fields). The
// timestamp participates at second precision so the digest is stable across
// driver round-trips.
func hashRecord(rec *Record) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	fmt.Fprintf(h, "|%s|%s|%s|%s|%s|%s|%d",
		rec.ID.String(), rec.Actor, rec.Subsystem, rec.Action,
		rec.ReasonCode, rec.PolicyVersion, rec.CreatedAt.UTC().Unix())
	h.Write([]byte("|" + encodeContext(rec.Context)))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeContext renders the decision payload as canonical JSON. Marshal
// sorts map keys, so the same map always hashes identically, and the
// encoding stays unambiguous for values containing delimiter characters.
func encodeContext(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		// map[string]string cannot fail to marshal
		return ""
	}
	return string(data)
}

func decodeContext(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func tailHashTx(ctx context.Context, tx *sql.Tx, subsystem string) (string, error) {
	var hash string
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM decision_audit_log
		 WHERE subsystem = $1 ORDER BY seq DESC LIMIT 1`,
		subsystem).Scan(&hash)

	if errors.Is(err, sql.ErrNoRows) {
		return genesisHash(), nil
	}
	if err != nil {
		return "", fmt.Errorf("query chain tail: %w", err)
	}
	return hash, nil
}
