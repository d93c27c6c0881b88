package model

import (
	"encoding/json"
	"time"
)

// WebhookPayload is the raw inbound document posted by the WhatsApp gateway.
// Body and Message are alternates; whichever is non-empty carries the text.
type WebhookPayload struct {
	Type string             `json:"type" validate:"required"`
	Data WebhookMessageData `json:"data" validate:"required"`
}

// WebhookMessageData is the message variant of the gateway payload.
type WebhookMessageData struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	MediaURL  string `json:"media_url"`
}

// Text returns the message body, preferring Body over Message.
func (d WebhookMessageData) Text() string {
	if d.Body != "" {
		return d.Body
	}
	return d.Message
}

// InboundEvent is a normalized inbound message ready for routing.
// ReceivedAt is assigned by the server on receipt, never taken from the payload.
type InboundEvent struct {
	ExternalID string    `json:"external_id"`
	FromPhone  string    `json:"from_phone"`
	Body       string    `json:"body"`
	MediaURL   string    `json:"media_url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// HasMedia reports whether the event carries a downloadable attachment.
func (e InboundEvent) HasMedia() bool {
	return e.MediaURL != ""
}

// MediaOnly reports whether the event is an attachment with no text, which
// bypasses the keyword router and goes straight to the open entry's receipt slot.
func (e InboundEvent) MediaOnly() bool {
	return e.MediaURL != "" && e.Body == ""
}

// ReceiptJob is the queued unit of work for the receipt pipeline, keyed by entry.
type ReceiptJob struct {
	EntryID    int64     `json:"entry_id"`
	ContestID  string    `json:"contest_id"`
	CustomerID string    `json:"customer_id"`
	TenantID   string    `json:"tenant_id"`
	ImageURL   string    `json:"image_url"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ReceiptFields is the structured result of the OCR + VLM parse of a receipt.
// AmountSpent keeps the raw string (currency prefix included); validation
// strips the prefix before the numeric comparison.
type ReceiptFields struct {
	StoreName     string        `json:"store_name"`
	StoreLocation string        `json:"store_location"`
	AmountSpent   string        `json:"amount_spent"`
	Items         []ReceiptItem `json:"items"`
}

// ReceiptItem is one purchased line item parsed from the receipt.
type ReceiptItem struct {
	Name string `json:"name"`
	Qty  int    `json:"qty"`
}

// DecodeReceiptFields parses a model response into ReceiptFields. Outputs that
// are not valid JSON are treated as empty, per the pipeline contract.
func DecodeReceiptFields(raw []byte) ReceiptFields {
	var fields ReceiptFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ReceiptFields{}
	}
	return fields
}
