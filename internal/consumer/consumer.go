// Package consumer drives the settlement orchestrator from the upstream
// business-event bus. Delivery is at-least-once; every dispatch is guarded
// by the processed-event cache and, durably, by the unique event id
// recorded on the transaction row.
package consumer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/openmarket/settlement/internal/settlement"
	"github.com/openmarket/settlement/pkg/dedup"
	"github.com/openmarket/settlement/pkg/messaging"
)

var ErrUnknownEventType = errors.New("unknown event type")

// queueGroup is the NATS queue group name: one consumer instance per
// message across a deployment.
const queueGroup = "settlement-engine"

// Settler is the slice of the orchestrator the consumer dispatches to.
type Settler interface {
	ProcessOrderPayment(ctx context.Context, req settlement.OrderPayment) (*settlement.Transaction, error)
	ChargeSubscription(ctx context.Context, req settlement.SubscriptionCharge) (*settlement.Transaction, error)
	ChargeGigFee(ctx context.Context, req settlement.GigFee) (*settlement.Transaction, error)
	ChargeUsage(ctx context.Context, req settlement.UsageCharge) (*settlement.Transaction, error)
}

// Subscriber is the bus surface the consumer needs. Satisfied by
// *messaging.Client.
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error
}

// Consumer subscribes to the upstream topics and applies each event exactly
// once per delivery key.
type Consumer struct {
	db      *sql.DB
	settler Settler
	cache   dedup.Cache
	logger  *slog.Logger

	inbox   chan *messaging.Envelope
	workers int
}

// Config bounds the consumer's internal buffering.
type Config struct {
	Workers   int
	InboxSize int
}

func New(db *sql.DB, settler Settler, cache dedup.Cache, logger *slog.Logger, cfg Config) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 256
	}
	return &Consumer{
		db:      db,
		settler: settler,
		cache:   cache,
		logger:  logger,
		inbox:   make(chan *messaging.Envelope, cfg.InboxSize),
		workers: cfg.Workers,
	}
}

// Topics returns every upstream topic the consumer subscribes to.
func Topics() []string {
	return []string{
		messaging.TopicOrderPaid,
		messaging.TopicSubscriptionCharge,
		messaging.TopicGigFeeDue,
		messaging.TopicUsageBilled,
		messaging.TopicPayoutInitiated,
		messaging.TopicDisputeCreated,
	}
}

// Start subscribes to the bus and runs the worker pool until ctx is
// cancelled.
func (c *Consumer) Start(ctx context.Context, bus Subscriber) error {
	for _, topic := range Topics() {
		topic := topic
		err := bus.QueueSubscribe(topic, queueGroup, func(msg *nats.Msg) {
			var env messaging.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				c.logger.Error("malformed event envelope",
					"topic", topic,
					"error", err,
				)
				return
			}
			select {
			case c.inbox <- &env:
			case <-ctx.Done():
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case env := <-c.inbox:
					// Dispatch failures are logged and left
					// unacknowledged so bus redelivery retries.
					if err := c.Handle(ctx, env); err != nil {
						c.logger.Error("event dispatch failed",
							"event_id", env.EventID,
							"event_type", env.EventType,
							"trace_id", env.TraceID,
							"error", err,
						)
					}
				}
			}
		})
	}
	return g.Wait()
}

// Handle applies one event idempotently: a previously-applied event id is a
// no-op, a failed dispatch is not marked applied.
func (c *Consumer) Handle(ctx context.Context, env *messaging.Envelope) error {
	if env.EventID == "" {
		return fmt.Errorf("event without event_id (type %s)", env.EventType)
	}

	seen, err := c.cache.Seen(ctx, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if seen {
		c.logger.Debug("skipping duplicate event",
			"event_id", env.EventID,
			"event_type", env.EventType,
		)
		return nil
	}

	err = c.dispatch(ctx, env)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrDuplicateEvent):
		// Already settled durably (e.g. redelivery after a restart wiped
		// the cache). Treat as applied.
	case errors.Is(err, settlement.ErrPaymentFailed):
		// Terminal business outcome, recorded as a failed transaction.
		// Redelivery would only hit the duplicate guard.
	default:
		return err
	}

	if err := c.cache.Mark(ctx, env.EventID); err != nil {
		// The event applied; a failed mark only risks a redundant
		// redelivery hitting the durable guard.
		c.logger.Warn("dedup mark failed",
			"event_id", env.EventID,
			"error", err,
		)
	}
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, env *messaging.Envelope) error {
	switch env.EventType {
	case messaging.TopicOrderPaid:
		p, err := messaging.ParsePayload[messaging.OrderPaidEvent](env)
		if err != nil {
			return fmt.Errorf("parse order.paid: %w", err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		_, err = c.settler.ProcessOrderPayment(ctx, settlement.OrderPayment{
			OrderID:    p.OrderID,
			BuyerID:    p.BuyerID,
			SellerID:   p.SellerID,
			Amount:     amount,
			RegionCode: p.RegionCode,
			PaymentRef: p.PaymentRef,
			Captured:   p.Captured,
			EventID:    env.EventID,
			TraceID:    env.TraceID,
		})
		return err

	case messaging.TopicSubscriptionCharge:
		p, err := messaging.ParsePayload[messaging.SubscriptionChargedEvent](env)
		if err != nil {
			return fmt.Errorf("parse subscription.charged: %w", err)
		}
		_, err = c.settler.ChargeSubscription(ctx, settlement.SubscriptionCharge{
			SubscriptionID: p.SubscriptionID,
			SellerID:       p.SellerID,
			Tier:           p.Tier,
			PaymentRef:     p.PaymentRef,
			EventID:        env.EventID,
			TraceID:        env.TraceID,
		})
		return err

	case messaging.TopicGigFeeDue:
		p, err := messaging.ParsePayload[messaging.GigFeeDueEvent](env)
		if err != nil {
			return fmt.Errorf("parse gig.fee.due: %w", err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		_, err = c.settler.ChargeGigFee(ctx, settlement.GigFee{
			GigID:      p.GigID,
			BuyerID:    p.BuyerID,
			SellerID:   p.SellerID,
			Amount:     amount,
			Phase:      p.Phase,
			PaymentRef: p.PaymentRef,
			EventID:    env.EventID,
			TraceID:    env.TraceID,
		})
		return err

	case messaging.TopicUsageBilled:
		p, err := messaging.ParsePayload[messaging.UsageBilledEvent](env)
		if err != nil {
			return fmt.Errorf("parse ai.usage.billed: %w", err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		_, err = c.settler.ChargeUsage(ctx, settlement.UsageCharge{
			ProgramID:  p.ProgramID,
			BuyerID:    p.BuyerID,
			OwnerID:    p.OwnerID,
			Amount:     amount,
			PaymentRef: p.PaymentRef,
			EventID:    env.EventID,
			TraceID:    env.TraceID,
		})
		return err

	case messaging.TopicPayoutInitiated:
		p, err := messaging.ParsePayload[messaging.PayoutInitiatedEvent](env)
		if err != nil {
			return fmt.Errorf("parse payout.initiated: %w", err)
		}
		amount, err := decimal.NewFromString(p.Amount)
		if err != nil {
			return fmt.Errorf("parse amount: %w", err)
		}
		return c.recordPayout(ctx, env, amount)

	case messaging.TopicDisputeCreated:
		// Disputes post no ledger entries; the row is kept for the
		// accounting trail.
		return c.recordAccountingEvent(ctx, env)

	default:
		return fmt.Errorf("%w: %s", ErrUnknownEventType, env.EventType)
	}
}

func (c *Consumer) recordAccountingEvent(ctx context.Context, env *messaging.Envelope) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO accounting_events
		 (id, event_id, event_type, payload, trace_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), env.EventID, env.EventType, string(env.Payload),
		env.TraceID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record accounting event: %w", err)
	}
	return nil
}

// recordPayout writes the accounting trail row and the daily aggregate in
// one transaction, so a redelivered payout event either reruns both or
// neither. Fee-revenue metrics are recorded by the settlement flows inside
// their own transaction.
func (c *Consumer) recordPayout(ctx context.Context, env *messaging.Envelope, amount decimal.Decimal) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin payout record: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accounting_events
		 (id, event_id, event_type, payload, trace_id, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), env.EventID, env.EventType, string(env.Payload),
		env.TraceID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record accounting event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO payout_metrics (day, amount, count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (day) DO UPDATE SET
		   amount = payout_metrics.amount + EXCLUDED.amount,
		   count = payout_metrics.count + 1`,
		day(env.Timestamp), amount,
	)
	if err != nil {
		return fmt.Errorf("record payout metric: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payout record: %w", err)
	}
	return nil
}

func day(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02")
}
