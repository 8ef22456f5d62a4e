package models

import (
	"encoding/json"
	"time"
)

// WebhookDelivery states.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryAbandoned = "abandoned"
)

// WebhookDelivery tracks one signed completion/failure notification.
// Created when a job reaches a terminal state and the client has a webhook
// configured; the record keeps its final delivered or abandoned status for
// seven days as an audit trail, then expires with its Redis TTL.
type WebhookDelivery struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	ClientID      string          `json:"client_id"`
	URL           string          `json:"url"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
	Attempt       int             `json:"attempt"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// WebhookEvent is the JSON body POSTed to a client webhook target.
type WebhookEvent struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}
