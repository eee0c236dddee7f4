// Copyright 2025 James Ross

// Package bus abstracts the message bus between admission and the reasoning
// workers. The core only ever talks to these interfaces; the Redis
// implementation lives alongside and is the sole component doing bus I/O.
package bus

import (
	"context"
	"encoding/json"
)

// PropertyTenantID is the application property carrying the job's tenant.
const PropertyTenantID = "tenantId"

// Sender delivers message bodies to a named queue, at-least-once.
type Sender interface {
	Send(ctx context.Context, body []byte, props map[string]string) error
	Close() error
}

// Message is a single locked delivery. Exactly one of Complete, Abandon or
// DeadLetter settles it; the lock otherwise expires and the bus redelivers.
type Message interface {
	Body() []byte
	Properties() map[string]string
	Complete(ctx context.Context) error
	Abandon(ctx context.Context) error
	DeadLetter(ctx context.Context, reason, description string) error
}

// Handler receives deliveries one at a time at the subscription level;
// concurrency beyond that is the subscriber's business.
type Handler struct {
	OnMessage func(ctx context.Context, msg Message)
	OnError   func(err error)
}

// Receiver pulls messages with a redelivery lock.
type Receiver interface {
	// Subscribe blocks until ctx is done, delivering messages serially.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// wireMessage is the on-queue JSON: the payload plus the application
// properties that ride alongside it.
type wireMessage struct {
	Body                  json.RawMessage   `json:"body"`
	ApplicationProperties map[string]string `json:"applicationProperties,omitempty"`
}

func encodeWire(body []byte, props map[string]string) (string, error) {
	b, err := json.Marshal(wireMessage{Body: body, ApplicationProperties: props})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeWire(payload string) (wireMessage, error) {
	var w wireMessage
	err := json.Unmarshal([]byte(payload), &w)
	return w, err
}

// deadLetterRecord wraps a dead-lettered payload with its reason.
type deadLetterRecord struct {
	Reason       string          `json:"reason"`
	Description  string          `json:"description"`
	DeadLetterAt string          `json:"deadLetteredAt"`
	Message      json.RawMessage `json:"message"`
}
