package policy

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmarket/settlement/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testPolicy(version string) *Policy {
	p := &Policy{
		Version:           version,
		PostingFeePct:     decimal.NewFromInt(4),
		BookingFeePct:     decimal.NewFromInt(3),
		TransactionFeePct: decimal.NewFromInt(7),
		Tiers: []ListingTier{
			{Name: "starter", MaxListings: 10, WeeklyFee: decimal.NewFromInt(5)},
		},
		Regions: []RegionalFee{
			{RegionCode: "EU", Currency: "EUR", FXRate: decimal.NewFromFloat(0.9)},
		},
	}
	p.Signature = Sign(p)
	return p
}

func TestPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("should activate the published policy", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		published, err := r.Publish(ctx, testPolicy("v1"))
		require.NoError(t, err)
		assert.Nil(t, published.RetiredAt)

		active, err := r.Active(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", active.Version)
	})

	t.Run("should retire the previous policy atomically", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		_, err := r.Publish(ctx, testPolicy("v1"))
		require.NoError(t, err)
		_, err = r.Publish(ctx, testPolicy("v2"))
		require.NoError(t, err)

		active, err := r.Active(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v2", active.Version)

		old, err := r.ByVersion(ctx, "v1")
		require.NoError(t, err)
		require.NotNil(t, old.RetiredAt)

		// Exactly one active policy at any instant.
		history, err := r.History(ctx)
		require.NoError(t, err)
		activeCount := 0
		for _, p := range history {
			if p.RetiredAt == nil {
				activeCount++
			}
		}
		assert.Equal(t, 1, activeCount)
	})

	t.Run("should reject a duplicate version", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		_, err := r.Publish(ctx, testPolicy("v1"))
		require.NoError(t, err)

		_, err = r.Publish(ctx, testPolicy("v1"))
		assert.ErrorIs(t, err, ErrDuplicateVersion)
	})

	t.Run("should reject a bad signature", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		p := testPolicy("v1")
		p.Signature = "deadbeef"
		_, err := r.Publish(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("should reject a tampered policy", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		p := testPolicy("v1")
		p.TransactionFeePct = decimal.NewFromInt(1) // signed content changed
		_, err := r.Publish(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestActive(t *testing.T) {
	t.Run("should fail when no policy exists", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		_, err := r.Active(context.Background())
		assert.ErrorIs(t, err, ErrNoActivePolicy)
	})
}

func TestByVersion(t *testing.T) {
	ctx := context.Background()

	t.Run("should retain retired versions forever", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		_, err := r.Publish(ctx, testPolicy("v1"))
		require.NoError(t, err)
		_, err = r.Publish(ctx, testPolicy("v2"))
		require.NoError(t, err)

		p, err := r.ByVersion(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "v1", p.Version)
		assert.True(t, p.TransactionFeePct.Equal(decimal.NewFromInt(7)))
	})

	t.Run("should fail for an unknown version", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		_, err := r.ByVersion(ctx, "v99")
		assert.ErrorIs(t, err, ErrPolicyNotFound)
	})
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("should install a policy when none is active", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		require.NoError(t, r.Bootstrap(ctx, testPolicy("v1")))

		active, err := r.Active(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", active.Version)
	})

	t.Run("should be a no-op when a policy is active", func(t *testing.T) {
		r := NewRegistry(newTestDB(t), nil)

		require.NoError(t, r.Bootstrap(ctx, testPolicy("v1")))
		require.NoError(t, r.Bootstrap(ctx, testPolicy("v2")))

		active, err := r.Active(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v1", active.Version)
	})
}

func TestCalculateRegionalFee(t *testing.T) {
	p := testPolicy("v1")

	t.Run("should convert using the region's rate", func(t *testing.T) {
		result, err := CalculateRegionalFee(p, decimal.NewFromInt(100), "EU")
		require.NoError(t, err)
		assert.True(t, result.Amount.Equal(decimal.NewFromInt(90)), result.Amount.String())
		assert.Equal(t, "EUR", result.Currency)
	})

	t.Run("should be deterministic", func(t *testing.T) {
		a, err := CalculateRegionalFee(p, decimal.NewFromFloat(33.33), "EU")
		require.NoError(t, err)
		b, err := CalculateRegionalFee(p, decimal.NewFromFloat(33.33), "EU")
		require.NoError(t, err)
		assert.True(t, a.Amount.Equal(b.Amount))
	})

	t.Run("should fail for an unknown region", func(t *testing.T) {
		_, err := CalculateRegionalFee(p, decimal.NewFromInt(100), "XX")
		assert.ErrorIs(t, err, ErrNoRegionalRate)
	})
}

func TestSign(t *testing.T) {
	t.Run("should not depend on tier ordering", func(t *testing.T) {
		a := testPolicy("v1")
		a.Tiers = []ListingTier{
			{Name: "a", WeeklyFee: decimal.NewFromInt(1)},
			{Name: "b", WeeklyFee: decimal.NewFromInt(2)},
		}
		b := testPolicy("v1")
		b.Tiers = []ListingTier{
			{Name: "b", WeeklyFee: decimal.NewFromInt(2)},
			{Name: "a", WeeklyFee: decimal.NewFromInt(1)},
		}
		assert.Equal(t, Sign(a), Sign(b))
	})
}
