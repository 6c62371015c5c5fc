package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type AlertEvent struct {
	AlertID   string `json:"alert_id"`
	PartnerID string `json:"partner_id"`
	ClientID  string `json:"client_id"`
	RuleType  string `json:"rule_type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

type InvoiceEvent struct {
	TenantID      string `json:"tenant_id"`
	TransactionID string `json:"transaction_id"`
	ApprovalID    string `json:"approval_id,omitempty"`
	InvoiceNumber string `json:"invoice_number"`
	Status        string `json:"status"`
	DemoMode      bool   `json:"demo_mode"`
}

const (
	ChannelAlerts   = "finflow:events:alerts"
	ChannelInvoices = "finflow:events:invoices"

	EventAlertCreated  = "alert_created"
	EventInvoiceIssued = "invoice_issued"
)

// Bus broadcasts live notifications over Redis pub/sub. Delivery is best
// effort; the database row is the record.
type Bus struct {
	client redis.UniversalClient
}

func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, payload).Err()
}
