package transport

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/validator"
)

// payloadTypeMessage is the only gateway payload variant the engine consumes.
const payloadTypeMessage = "message"

// NormalizeInbound turns a raw gateway webhook body into an InboundEvent.
// receivedAt is the server receipt time; the payload timestamp is never
// trusted for ordering. Malformed payloads come back as ErrMalformedWebhook.
func NormalizeInbound(raw []byte, defaultCountryCode string, receivedAt time.Time) (*model.InboundEvent, error) {
	var payload model.WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrMalformedWebhook, err)
	}
	if err := validator.Validate(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrMalformedWebhook, err)
	}
	if payload.Type != payloadTypeMessage {
		return nil, fmt.Errorf("%w: unsupported payload type %q", apperrors.ErrMalformedWebhook, payload.Type)
	}
	if payload.Data.ID == "" {
		return nil, fmt.Errorf("%w: missing message id", apperrors.ErrMalformedWebhook)
	}

	phone, err := NormalizePhone(payload.Data.From, defaultCountryCode)
	if err != nil {
		return nil, fmt.Errorf("%w: sender %q: %w", apperrors.ErrMalformedWebhook, payload.Data.From, err)
	}

	return &model.InboundEvent{
		ExternalID: payload.Data.ID,
		FromPhone:  phone,
		Body:       strings.TrimSpace(payload.Data.Text()),
		MediaURL:   payload.Data.MediaURL,
		ReceivedAt: receivedAt,
	}, nil
}
