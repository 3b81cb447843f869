package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	MerchantNo    string          `json:"merchant_no"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, merchantNo, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		MerchantNo:    merchantNo,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventPayoutCreated   = "payout.created"
	EventPayoutCompleted = "payout.completed"
	EventPayoutFailed    = "payout.failed"
	EventPayoutReversed  = "payout.reversed"

	EventBeneficiaryCreated     = "beneficiary.created"
	EventBeneficiaryDeactivated = "beneficiary.deactivated"

	EventBalanceSynced = "balance.synced"
)

// PayoutCreatedData is the data for payout.created events
type PayoutCreatedData struct {
	PayoutID        string `json:"payout_id"`
	OutTradeNo      string `json:"out_trade_no"`
	BeneficiaryID   string `json:"beneficiary_id"`
	AmountMinor     int64  `json:"amount_minor"`
	Currency        string `json:"currency"`
	Status          string `json:"status"`
	BeneficiaryName string `json:"beneficiary_name"`
}

// PayoutFinalizedData is the data for payout.completed, payout.failed and
// payout.reversed events.
type PayoutFinalizedData struct {
	PayoutID      string    `json:"payout_id"`
	OutTradeNo    string    `json:"out_trade_no"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	Status        string    `json:"status"`
	FinalizedBy   string    `json:"finalized_by"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// BalanceSyncedData is the data for balance.synced events
type BalanceSyncedData struct {
	AvailableMinor int64 `json:"available_minor"`
	PendingMinor   int64 `json:"pending_minor"`
	TotalMinor     int64 `json:"total_minor"`
}
