package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	StatusPending = "pending"

	DirectionOutbound = "outbound"
)

var ErrInvalidMessage = errors.New("messaging: invalid message")

// Message is an outbound communication waiting for a delivery worker.
type Message struct {
	ID         string
	TenantID   string
	CustomerID string
	DealID     string
	Channel    string
	Recipient  string
	Subject    string
	Body       string
	Metadata   map[string]any
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx, so messages can be
// enqueued inside a caller's transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGOutbox stores messages in crm_messages with status pending. Delivery is
// owned by the channel workers that drain the table.
type PGOutbox struct {
	db Querier
}

func NewOutbox(db Querier) *PGOutbox {
	return &PGOutbox{db: db}
}

// Enqueue inserts msg and returns its generated id.
func (o *PGOutbox) Enqueue(ctx context.Context, msg Message) (string, error) {
	if strings.TrimSpace(msg.TenantID) == "" || msg.CustomerID == "" || msg.Channel == "" {
		return "", fmt.Errorf("%w: tenant, customer and channel required", ErrInvalidMessage)
	}
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	body, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("messaging: marshal metadata: %w", err)
	}

	var deal any
	if msg.DealID != "" {
		deal = msg.DealID
	}

	const q = `
INSERT INTO crm_messages (tenant_id, customer_id, deal_id, channel, direction, recipient, subject, body, status, metadata)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10::jsonb)
RETURNING id::text
`
	var id string
	if err := o.db.QueryRow(ctx, q,
		msg.TenantID,
		msg.CustomerID,
		deal,
		msg.Channel,
		DirectionOutbound,
		msg.Recipient,
		msg.Subject,
		msg.Body,
		StatusPending,
		body,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("messaging: enqueue: %w", err)
	}
	return id, nil
}
