package settlement

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmarket/settlement/internal/audit"
	"github.com/openmarket/settlement/internal/compliance"
	"github.com/openmarket/settlement/internal/ledger"
	"github.com/openmarket/settlement/internal/policy"
	"github.com/openmarket/settlement/internal/store"
)

type stubGate struct {
	eligible map[string]bool
}

func (g stubGate) Status(_ context.Context, sellerID string) (*compliance.Status, error) {
	st := &compliance.Status{
		SellerID:           sellerID,
		Status:             "verified",
		CanReceivePayments: g.eligible[sellerID],
	}
	if !st.CanReceivePayments {
		st.Restrictions = []string{"seller identity not verified"}
	}
	return st, nil
}

type fixture struct {
	db           *sql.DB
	orchestrator *Orchestrator
	engine       *ledger.Engine
	chain        *audit.Chain
}

func newFixture(t *testing.T, eligible ...string) *fixture {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := policy.NewRegistry(db, nil)
	pol := &policy.Policy{
		Version:           "v1.0.0",
		PostingFeePct:     decimal.NewFromInt(4),
		BookingFeePct:     decimal.NewFromInt(3),
		TransactionFeePct: decimal.NewFromInt(7),
		Tiers: []policy.ListingTier{
			{Name: "starter", MaxListings: 10, WeeklyFee: decimal.NewFromInt(5)},
		},
		Regions: []policy.RegionalFee{
			{RegionCode: "EU", Currency: "EUR", FXRate: decimal.NewFromFloat(0.9)},
		},
	}
	pol.Signature = policy.Sign(pol)
	_, err = registry.Publish(context.Background(), pol)
	require.NoError(t, err)

	gate := stubGate{eligible: make(map[string]bool)}
	for _, s := range eligible {
		gate.eligible[s] = true
	}

	engine := ledger.NewEngine(db)
	chain := audit.NewChain(db)
	return &fixture{
		db:           db,
		orchestrator: NewOrchestrator(db, registry, gate, engine, chain, nil, nil),
		engine:       engine,
		chain:        chain,
	}
}

func (f *fixture) ledgerRows(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM ledger_entries`).Scan(&n))
	return n
}

func TestProcessOrderPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("should split a captured order into net and fee", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		txn, err := f.orchestrator.ProcessOrderPayment(ctx, OrderPayment{
			OrderID:  "order-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(100),
			Captured: true,
			EventID:  "evt-1",
			TraceID:  "trace-1",
		})
		require.NoError(t, err)

		assert.Equal(t, StatusCompleted, txn.Status)
		assert.True(t, txn.GrossAmount.Equal(decimal.NewFromInt(100)))
		assert.True(t, txn.FeeAmount.Equal(decimal.NewFromInt(7)), txn.FeeAmount.String())
		assert.True(t, txn.NetAmount.Equal(decimal.NewFromInt(93)), txn.NetAmount.String())
		assert.True(t, txn.GrossAmount.Equal(txn.FeeAmount.Add(txn.NetAmount)))

		entries, err := f.engine.EntriesForTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 3)

		seller, err := f.engine.Balance(ctx, ledger.AccountSeller, "seller-1")
		require.NoError(t, err)
		assert.True(t, seller.Equal(decimal.NewFromInt(93)), seller.String())

		platform, err := f.engine.Balance(ctx, ledger.AccountPlatform, "")
		require.NoError(t, err)
		assert.True(t, platform.Equal(decimal.NewFromInt(7)), platform.String())

		buyer, err := f.engine.Balance(ctx, ledger.AccountBuyer, "buyer-1")
		require.NoError(t, err)
		assert.True(t, buyer.Equal(decimal.NewFromInt(-100)), buyer.String())

		records, err := f.chain.Records(ctx, audit.SubsystemSettlement)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "order_settled", records[0].Action)
		assert.Equal(t, "v1.0.0", records[0].PolicyVersion)

		// The fee metric commits with the settlement.
		var feeTotal string
		require.NoError(t, f.db.QueryRow(
			`SELECT amount FROM revenue_metrics WHERE category = $1`,
			TypeOrderPayment).Scan(&feeTotal))
		total, err := decimal.NewFromString(feeTotal)
		require.NoError(t, err)
		assert.True(t, total.Equal(decimal.NewFromInt(7)), feeTotal)

		valid, err := f.chain.VerifyChain(ctx, audit.SubsystemSettlement)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("should stamp the fx rate for a known region", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		txn, err := f.orchestrator.ProcessOrderPayment(ctx, OrderPayment{
			OrderID:    "order-1",
			BuyerID:    "buyer-1",
			SellerID:   "seller-1",
			Amount:     decimal.NewFromInt(100),
			RegionCode: "EU",
			Captured:   true,
			TraceID:    "trace-1",
		})
		require.NoError(t, err)
		require.NotNil(t, txn.FXRate)
		assert.True(t, txn.FXRate.Equal(decimal.NewFromFloat(0.9)))
		assert.NotNil(t, txn.FXCapturedAt)

		// The FX stamp survives the round trip through storage.
		stored, err := f.orchestrator.TransactionByID(ctx, txn.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.FXRate)
		assert.True(t, stored.FXRate.Equal(decimal.NewFromFloat(0.9)))
	})

	t.Run("should settle in canonical currency for an unknown region", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		txn, err := f.orchestrator.ProcessOrderPayment(ctx, OrderPayment{
			OrderID:    "order-1",
			BuyerID:    "buyer-1",
			SellerID:   "seller-1",
			Amount:     decimal.NewFromInt(100),
			RegionCode: "XX",
			Captured:   true,
			TraceID:    "trace-1",
		})
		require.NoError(t, err)
		assert.Nil(t, txn.FXRate)
		assert.Equal(t, StatusCompleted, txn.Status)
	})

	t.Run("should refuse an ineligible seller before touching the ledger", func(t *testing.T) {
		f := newFixture(t) // nobody eligible

		_, err := f.orchestrator.ProcessOrderPayment(ctx, OrderPayment{
			OrderID:  "order-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(100),
			Captured: true,
			TraceID:  "trace-1",
		})
		assert.ErrorIs(t, err, ErrSellerIneligible)
		assert.Zero(t, f.ledgerRows(t))
	})

	t.Run("should reject a non-positive amount", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		_, err := f.orchestrator.ProcessOrderPayment(ctx, OrderPayment{
			OrderID:  "order-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.Zero,
			Captured: true,
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("should record a failed capture without postings", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		_, err := f.orchestrator.ProcessOrderPayment(ctx, OrderPayment{
			OrderID:  "order-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(100),
			Captured: false,
			EventID:  "evt-fail",
			TraceID:  "trace-1",
		})
		require.ErrorIs(t, err, ErrPaymentFailed)

		stored, err := f.orchestrator.TransactionByEventID(ctx, "evt-fail")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, stored.Status)
		assert.True(t, stored.FeeAmount.IsZero())
		assert.Zero(t, f.ledgerRows(t))

		records, err := f.chain.Records(ctx, audit.SubsystemSettlement)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "settlement_failed", records[0].Action)
	})

	t.Run("should settle an event id exactly once", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		req := OrderPayment{
			OrderID:  "order-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(100),
			Captured: true,
			EventID:  "evt-1",
			TraceID:  "trace-1",
		}
		_, err := f.orchestrator.ProcessOrderPayment(ctx, req)
		require.NoError(t, err)

		_, err = f.orchestrator.ProcessOrderPayment(ctx, req)
		assert.ErrorIs(t, err, ErrDuplicateEvent)

		// The first settlement's postings are the only postings.
		assert.Equal(t, 3, f.ledgerRows(t))
	})
}

func TestChargeSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("should bill the tier fee entirely to the platform", func(t *testing.T) {
		f := newFixture(t)

		txn, err := f.orchestrator.ChargeSubscription(ctx, SubscriptionCharge{
			SubscriptionID: "sub-1",
			SellerID:       "seller-1",
			Tier:           "starter",
			EventID:        "evt-sub-1",
			TraceID:        "trace-1",
		})
		require.NoError(t, err)

		assert.True(t, txn.GrossAmount.Equal(decimal.NewFromInt(5)))
		assert.True(t, txn.FeeAmount.Equal(decimal.NewFromInt(5)))
		assert.True(t, txn.NetAmount.IsZero())

		seller, err := f.engine.Balance(ctx, ledger.AccountSeller, "seller-1")
		require.NoError(t, err)
		assert.True(t, seller.Equal(decimal.NewFromInt(-5)), seller.String())

		platform, err := f.engine.Balance(ctx, ledger.AccountPlatform, "")
		require.NoError(t, err)
		assert.True(t, platform.Equal(decimal.NewFromInt(5)), platform.String())
	})

	t.Run("should reject an unknown tier", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.ChargeSubscription(ctx, SubscriptionCharge{
			SubscriptionID: "sub-1",
			SellerID:       "seller-1",
			Tier:           "platinum",
		})
		assert.ErrorIs(t, err, ErrUnknownTier)
	})
}

func TestChargeGigFee(t *testing.T) {
	ctx := context.Background()

	t.Run("should charge the posting percentage upfront", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		txn, err := f.orchestrator.ChargeGigFee(ctx, GigFee{
			GigID:    "gig-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(200),
			Phase:    PhaseUpfront,
			TraceID:  "trace-1",
		})
		require.NoError(t, err)
		assert.True(t, txn.FeeAmount.Equal(decimal.NewFromInt(8)), txn.FeeAmount.String())
		assert.True(t, txn.NetAmount.Equal(decimal.NewFromInt(192)))
	})

	t.Run("should charge the booking percentage on completion", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		txn, err := f.orchestrator.ChargeGigFee(ctx, GigFee{
			GigID:    "gig-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(200),
			Phase:    PhaseCompletion,
			TraceID:  "trace-1",
		})
		require.NoError(t, err)
		assert.True(t, txn.FeeAmount.Equal(decimal.NewFromInt(6)), txn.FeeAmount.String())
	})

	t.Run("should reject an unknown phase", func(t *testing.T) {
		f := newFixture(t, "seller-1")

		_, err := f.orchestrator.ChargeGigFee(ctx, GigFee{
			GigID:    "gig-1",
			BuyerID:  "buyer-1",
			SellerID: "seller-1",
			Amount:   decimal.NewFromInt(200),
			Phase:    "midpoint",
		})
		assert.ErrorIs(t, err, ErrUnknownPhase)
	})
}

func TestChargeUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("should round the metered fee to the minor unit", func(t *testing.T) {
		f := newFixture(t, "owner-1")

		txn, err := f.orchestrator.ChargeUsage(ctx, UsageCharge{
			ProgramID: "prog-1",
			BuyerID:   "buyer-1",
			OwnerID:   "owner-1",
			Amount:    decimal.NewFromFloat(10.99),
			TraceID:   "trace-1",
		})
		require.NoError(t, err)
		// 7% of 10.99 is 0.7693, rounded to 0.77.
		assert.True(t, txn.FeeAmount.Equal(decimal.NewFromFloat(0.77)), txn.FeeAmount.String())
		assert.True(t, txn.NetAmount.Equal(decimal.NewFromFloat(10.22)))
	})

	t.Run("should gate on the program owner", func(t *testing.T) {
		f := newFixture(t) // owner not eligible

		_, err := f.orchestrator.ChargeUsage(ctx, UsageCharge{
			ProgramID: "prog-1",
			BuyerID:   "buyer-1",
			OwnerID:   "owner-1",
			Amount:    decimal.NewFromInt(10),
		})
		assert.ErrorIs(t, err, ErrSellerIneligible)
	})
}

func TestTransactionLookup(t *testing.T) {
	t.Run("should surface not found", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.orchestrator.TransactionByEventID(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
