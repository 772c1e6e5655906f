package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Topics consumed from the upstream business-event bus.
const (
	TopicOrderPaid          = "order.paid"
	TopicSubscriptionCharge = "subscription.charged"
	TopicGigFeeDue          = "gig.fee.due"
	TopicUsageBilled        = "ai.usage.billed"
	TopicPayoutInitiated    = "payout.initiated"
	TopicDisputeCreated     = "dispute.created"
)

// Topics emitted for downstream metrics/notification consumers.
const (
	TopicTransactionCompleted = "transaction.completed"
	TopicTransactionFailed    = "transaction.failed"
	TopicKYCStatusChanged     = "kyc.status_changed"
)

// Envelope is the wire format shared by all bus topics. Delivery is
// at-least-once; EventID is the dedup key.
type Envelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	TraceID   string          `json:"trace_id"`
	Payload   json.RawMessage `json:"payload"`
}

// OrderPaidEvent is the payload for order.paid.
type OrderPaidEvent struct {
	OrderID    string `json:"order_id"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	Amount     string `json:"amount"`
	RegionCode string `json:"region_code,omitempty"`
	PaymentRef string `json:"payment_ref"`
	Captured   bool   `json:"captured"`
}

// SubscriptionChargedEvent is the payload for subscription.charged.
type SubscriptionChargedEvent struct {
	SubscriptionID string `json:"subscription_id"`
	SellerID       string `json:"seller_id"`
	Tier           string `json:"tier"`
	PaymentRef     string `json:"payment_ref"`
}

// GigFeeDueEvent is the payload for gig.fee.due.
type GigFeeDueEvent struct {
	GigID      string `json:"gig_id"`
	BuyerID    string `json:"buyer_id"`
	SellerID   string `json:"seller_id"`
	Amount     string `json:"amount"`
	Phase      string `json:"phase"` // "upfront" or "completion"
	PaymentRef string `json:"payment_ref"`
}

// UsageBilledEvent is the payload for ai.usage.billed.
type UsageBilledEvent struct {
	ProgramID  string `json:"program_id"`
	BuyerID    string `json:"buyer_id"`
	OwnerID    string `json:"owner_id"`
	Amount     string `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

// PayoutInitiatedEvent is the payload for payout.initiated. Payouts do not
// post new ledger entries; they are recorded and aggregated only.
type PayoutInitiatedEvent struct {
	PayoutID string `json:"payout_id"`
	SellerID string `json:"seller_id"`
	Amount   string `json:"amount"`
}

// DisputeCreatedEvent is the payload for dispute.created.
type DisputeCreatedEvent struct {
	DisputeID     string `json:"dispute_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// TransactionEvent is published on transaction.completed / transaction.failed.
type TransactionEvent struct {
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	GrossAmount   string `json:"gross_amount"`
	FeeAmount     string `json:"fee_amount"`
	NetAmount     string `json:"net_amount"`
	PolicyVersion string `json:"policy_version"`
	TraceID       string `json:"trace_id"`
	Reason        string `json:"reason,omitempty"`
}

// KYCStatusEvent is published on kyc.status_changed.
type KYCStatusEvent struct {
	VerificationID string `json:"verification_id"`
	SellerID       string `json:"seller_id"`
	Status         string `json:"status"`
	RiskScore      int    `json:"risk_score"`
	TraceID        string `json:"trace_id"`
}

// NewEnvelope wraps a payload for publishing.
func NewEnvelope(eventType, traceID string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
		Payload:   data,
	}, nil
}

// ParsePayload decodes an envelope payload into the given type.
func ParsePayload[T any](env *Envelope) (*T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
