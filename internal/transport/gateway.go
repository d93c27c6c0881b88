package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/utils"
)

const (
	// gatewayTimeout bounds a single send attempt.
	gatewayTimeout = 10 * time.Second

	// Retry ladder for transient send failures: 0.5s, 2s, 8s.
	sendRetryInitialInterval = 500 * time.Millisecond
	sendRetryMultiplier      = 4
	sendMaxRetries           = 3
)

// SendResult is the gateway's acknowledgement of an accepted message.
type SendResult struct {
	GatewayMessageID string
}

// Sender posts outbound messages to the WhatsApp gateway.
type Sender interface {
	SendText(ctx context.Context, toPhone, body string) (*SendResult, error)
	SendMedia(ctx context.Context, toPhone, body, mediaURL string) (*SendResult, error)
}

// Gateway is the HTTP client for the third-party WhatsApp send API. The API
// takes form-encoded posts authenticated by (instance_id, access_token).
type Gateway struct {
	baseURL     string
	instanceID  string
	accessToken string
	companyID   string
	client      *http.Client
	// newBackOff builds the per-send retry policy; replaceable in tests.
	newBackOff func() backoff.BackOff
}

// NewGateway creates a gateway client for one tenant account.
func NewGateway(baseURL, instanceID, accessToken, companyID string) *Gateway {
	return &Gateway{
		baseURL:     strings.TrimRight(baseURL, "/"),
		instanceID:  instanceID,
		accessToken: accessToken,
		companyID:   companyID,
		client:      &http.Client{Timeout: gatewayTimeout},
		newBackOff:  newSendBackOff,
	}
}

// newSendBackOff builds the 0.5s/2s/8s transient-retry ladder.
func newSendBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = sendRetryInitialInterval
	b.Multiplier = sendRetryMultiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, sendMaxRetries)
}

// SendText posts a text message.
func (g *Gateway) SendText(ctx context.Context, toPhone, body string) (*SendResult, error) {
	form := url.Values{}
	form.Set("phone", toPhone)
	form.Set("body", body)
	return g.send(ctx, form)
}

// SendMedia posts a message with an attachment.
func (g *Gateway) SendMedia(ctx context.Context, toPhone, body, mediaURL string) (*SendResult, error) {
	form := url.Values{}
	form.Set("phone", toPhone)
	form.Set("body", body)
	form.Set("media_url", mediaURL)
	return g.send(ctx, form)
}

// send posts the form with the retry ladder. 4xx responses are permanent
// (ErrTransportRefused); 5xx and network failures retry and surface as
// ErrTransportUnavailable once the budget is spent.
func (g *Gateway) send(ctx context.Context, form url.Values) (*SendResult, error) {
	form.Set("instance_id", g.instanceID)
	form.Set("access_token", g.accessToken)
	endpoint := g.baseURL + "/send"

	observer.IncGatewaySendsAttempted(g.companyID)
	startTime := utils.Now()

	operation := func() (*SendResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: build send request: %w", apperrors.ErrTransportUnavailable, err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := g.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrTransportUnavailable, err)
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return parseSendResult(respBody), nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, backoff.Permanent(fmt.Errorf("%w: gateway returned %d: %s",
				apperrors.ErrTransportRefused, resp.StatusCode, strings.TrimSpace(string(respBody))))
		default:
			return nil, fmt.Errorf("%w: gateway returned %d", apperrors.ErrTransportUnavailable, resp.StatusCode)
		}
	}

	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying gateway send",
			zap.Error(err),
			zap.Duration("after", d))
	}

	policy := backoff.WithContext(g.newBackOff(), ctx)

	result, err := backoff.RetryNotifyWithData(operation, policy, notify)
	observer.ObserveGatewaySendDuration(g.companyID, time.Since(startTime))
	if err != nil {
		observer.IncGatewaySendErrors(g.companyID)
		return nil, err
	}
	observer.IncGatewaySendsDelivered(g.companyID)
	return result, nil
}

// parseSendResult pulls the gateway message id from the response body when
// present. Gateways that return opaque bodies yield an empty id, which is fine.
func parseSendResult(body []byte) *SendResult {
	var ack struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return &SendResult{}
	}
	return &SendResult{GatewayMessageID: ack.ID}
}
