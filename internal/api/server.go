// Package api is the thin HTTP translation layer over the settlement
// subsystems. Routing and auth for the wider platform live elsewhere; these
// routes exist for operators and for internal service-to-service calls.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openmarket/settlement/internal/audit"
	"github.com/openmarket/settlement/internal/compliance"
	"github.com/openmarket/settlement/internal/ledger"
	"github.com/openmarket/settlement/internal/policy"
	"github.com/openmarket/settlement/internal/settlement"
)

type Server struct {
	registry     *policy.Registry
	gate         *compliance.Service
	engine       *ledger.Engine
	orchestrator *settlement.Orchestrator
	chain        *audit.Chain
	logger       *slog.Logger
}

func NewServer(registry *policy.Registry, gate *compliance.Service, engine *ledger.Engine, orchestrator *settlement.Orchestrator, chain *audit.Chain, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:     registry,
		gate:         gate,
		engine:       engine,
		orchestrator: orchestrator,
		chain:        chain,
		logger:       logger,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/transactions/:id", s.getTransaction)
		v1.GET("/ledger/balance/:account_type", s.getBalance)
		v1.GET("/compliance/:seller_id", s.getComplianceStatus)
		v1.GET("/kyc/pending", s.getPendingReviews)
		v1.GET("/policies", s.getPolicyHistory)
		v1.GET("/audit/:subsystem/verify", s.verifyChain)

		v1.POST("/orders/payment", s.processOrderPayment)
		v1.POST("/subscriptions/charge", s.chargeSubscription)
		v1.POST("/kyc", s.submitKYC)
		v1.POST("/kyc/:id/review", s.reviewKYC)
		v1.POST("/kyc/expire-stale", s.expireStale)
		v1.POST("/policies", s.publishPolicy)
	}

	return r
}

func (s *Server) getTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}

	txn, err := s.orchestrator.TransactionByID(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) getBalance(c *gin.Context) {
	accountType := c.Param("account_type")
	accountID := c.Query("account_id")

	balance, err := s.engine.Balance(c.Request.Context(), accountType, accountID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_type": accountType,
		"account_id":   accountID,
		"balance":      balance.String(),
	})
}

func (s *Server) getComplianceStatus(c *gin.Context) {
	status, err := s.gate.Status(c.Request.Context(), c.Param("seller_id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getPendingReviews(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	reviews, err := s.gate.PendingReviews(c.Request.Context(), limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "limit": limit, "offset": offset})
}

func (s *Server) getPolicyHistory(c *gin.Context) {
	history, err := s.registry.History(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": history})
}

func (s *Server) verifyChain(c *gin.Context) {
	valid, err := s.chain.VerifyChain(c.Request.Context(), c.Param("subsystem"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subsystem": c.Param("subsystem"), "valid": valid})
}

func (s *Server) processOrderPayment(c *gin.Context) {
	var req struct {
		OrderID    string `json:"order_id" binding:"required"`
		BuyerID    string `json:"buyer_id" binding:"required"`
		SellerID   string `json:"seller_id" binding:"required"`
		Amount     string `json:"amount" binding:"required"`
		RegionCode string `json:"region_code"`
		PaymentRef string `json:"payment_ref"`
		Captured   bool   `json:"captured"`
		EventID    string `json:"event_id"`
		TraceID    string `json:"trace_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	txn, err := s.orchestrator.ProcessOrderPayment(c.Request.Context(), settlement.OrderPayment{
		OrderID:    req.OrderID,
		BuyerID:    req.BuyerID,
		SellerID:   req.SellerID,
		Amount:     amount,
		RegionCode: req.RegionCode,
		PaymentRef: req.PaymentRef,
		Captured:   req.Captured,
		EventID:    req.EventID,
		TraceID:    traceID(req.TraceID),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) chargeSubscription(c *gin.Context) {
	var req struct {
		SubscriptionID string `json:"subscription_id" binding:"required"`
		SellerID       string `json:"seller_id" binding:"required"`
		Tier           string `json:"tier" binding:"required"`
		PaymentRef     string `json:"payment_ref"`
		EventID        string `json:"event_id"`
		TraceID        string `json:"trace_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	txn, err := s.orchestrator.ChargeSubscription(c.Request.Context(), settlement.SubscriptionCharge{
		SubscriptionID: req.SubscriptionID,
		SellerID:       req.SellerID,
		Tier:           req.Tier,
		PaymentRef:     req.PaymentRef,
		EventID:        req.EventID,
		TraceID:        traceID(req.TraceID),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, txn)
}

func (s *Server) submitKYC(c *gin.Context) {
	var req struct {
		SellerID     string                    `json:"seller_id" binding:"required"`
		Tier         string                    `json:"tier" binding:"required"`
		FullName     string                    `json:"full_name"`
		Nationality  string                    `json:"nationality"`
		BusinessType string                    `json:"business_type"`
		BirthDate    string                    `json:"birth_date"`
		Documents    []compliance.DocumentMeta `json:"documents"`
		TraceID      string                    `json:"trace_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info := compliance.PersonalInfo{
		FullName:     req.FullName,
		Nationality:  req.Nationality,
		BusinessType: req.BusinessType,
	}
	if req.BirthDate != "" {
		t, err := time.Parse("2006-01-02", req.BirthDate)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid birth_date"})
			return
		}
		info.BirthDate = t
	}

	v, err := s.gate.Submit(c.Request.Context(), req.SellerID, req.Tier, info, req.Documents, traceID(req.TraceID))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

func (s *Server) reviewKYC(c *gin.Context) {
	var req struct {
		ReviewerID string `json:"reviewer_id" binding:"required"`
		Decision   string `json:"decision" binding:"required"`
		Reason     string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	v, err := s.gate.Review(c.Request.Context(), c.Param("id"), req.ReviewerID, req.Decision, req.Reason)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) expireStale(c *gin.Context) {
	count, err := s.gate.ExpireStale(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": count})
}

func (s *Server) publishPolicy(c *gin.Context) {
	var req struct {
		Version           string               `json:"version" binding:"required"`
		PostingFeePct     string               `json:"posting_fee_pct" binding:"required"`
		BookingFeePct     string               `json:"booking_fee_pct" binding:"required"`
		TransactionFeePct string               `json:"transaction_fee_pct" binding:"required"`
		Tiers             []policy.ListingTier `json:"tiers"`
		Regions           []policy.RegionalFee `json:"regions"`
		Notes             string               `json:"notes"`
		Signature         string               `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	posting, err1 := decimal.NewFromString(req.PostingFeePct)
	booking, err2 := decimal.NewFromString(req.BookingFeePct)
	transaction, err3 := decimal.NewFromString(req.TransactionFeePct)
	if err1 != nil || err2 != nil || err3 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fee percentage"})
		return
	}

	p, err := s.registry.Publish(c.Request.Context(), &policy.Policy{
		Version:           req.Version,
		PostingFeePct:     posting,
		BookingFeePct:     booking,
		TransactionFeePct: transaction,
		Tiers:             req.Tiers,
		Regions:           req.Regions,
		Notes:             req.Notes,
		Signature:         req.Signature,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// writeError maps typed errors to status codes. Write-path errors carry no
// partial state: the caller sees either a fully-settled result or an error.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, settlement.ErrNotFound),
		errors.Is(err, compliance.ErrNotFound),
		errors.Is(err, policy.ErrPolicyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, settlement.ErrDuplicateEvent),
		errors.Is(err, policy.ErrDuplicateVersion),
		errors.Is(err, compliance.ErrPendingExists),
		errors.Is(err, compliance.ErrAlreadyVerified),
		errors.Is(err, compliance.ErrNotReviewable),
		errors.Is(err, ledger.ErrUnbalancedPosting):
		status = http.StatusConflict
	case errors.Is(err, settlement.ErrSellerIneligible):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrUnknownTier),
		errors.Is(err, settlement.ErrUnknownPhase),
		errors.Is(err, settlement.ErrPaymentFailed),
		errors.Is(err, compliance.ErrInvalidDecision),
		errors.Is(err, compliance.ErrUnknownTier),
		errors.Is(err, compliance.ErrMissingSellerID),
		errors.Is(err, policy.ErrInvalidSignature),
		errors.Is(err, policy.ErrEmptyVersion):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func intQuery(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func traceID(existing string) string {
	if existing != "" {
		return existing
	}
	return uuid.New().String()
}
