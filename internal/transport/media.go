package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-contest-engine/pkg/logger"
)

// maxReceiptBytes caps a downloaded receipt image at 10 MiB.
const maxReceiptBytes = 10 << 20

// ReceiptStore persists receipt images and fetches gateway media.
type ReceiptStore interface {
	FetchMedia(ctx context.Context, mediaURL string) ([]byte, error)
	UploadReceipt(ctx context.Context, data []byte, filename string) (string, error)
}

// MediaStore implements ReceiptStore against an HTTP object storage service
// (PUT object, GET media). Gateway media URLs are pre-signed by the gateway
// and fetched directly.
type MediaStore struct {
	baseURL string
	client  *http.Client
	// newBackOff builds the per-operation retry policy; replaceable in tests.
	newBackOff func() backoff.BackOff
}

// NewMediaStore creates a media store rooted at the object storage base URL.
func NewMediaStore(baseURL string) *MediaStore {
	return &MediaStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: gatewayTimeout},
		newBackOff: newSendBackOff,
	}
}

// FetchMedia downloads the attachment the gateway webhook referenced.
func (m *MediaStore) FetchMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: build media request: %w", apperrors.ErrStorageUnavailable, err))
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("%w: media fetch returned %d", apperrors.ErrStorageUnavailable, resp.StatusCode))
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: media fetch returned %d", apperrors.ErrStorageUnavailable, resp.StatusCode)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxReceiptBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read media body: %w", apperrors.ErrStorageUnavailable, err)
		}
		return data, nil
	}

	return m.retryMedia(ctx, "FetchMedia", operation)
}

// UploadReceipt stores the receipt bytes and returns the durable URL the
// pipeline and admin console use from then on.
func (m *MediaStore) UploadReceipt(ctx context.Context, data []byte, filename string) (string, error) {
	target := fmt.Sprintf("%s/receipts/%s", m.baseURL, filename)

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: build upload request: %w", apperrors.ErrStorageUnavailable, err))
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := m.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrStorageUnavailable, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("%w: upload returned %d", apperrors.ErrStorageUnavailable, resp.StatusCode))
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: upload returned %d", apperrors.ErrStorageUnavailable, resp.StatusCode)
		}
		return nil, nil
	}

	if _, err := m.retryMedia(ctx, "UploadReceipt", operation); err != nil {
		return "", err
	}
	return target, nil
}

// retryMedia applies the same transient-retry ladder the gateway sender uses.
func (m *MediaStore) retryMedia(ctx context.Context, opName string, operation func() ([]byte, error)) ([]byte, error) {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying media operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d))
	}

	policy := backoff.WithContext(m.newBackOff(), ctx)
	return backoff.RetryNotifyWithData(operation, policy, notify)
}
