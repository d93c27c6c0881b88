package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/apperrors"
)

const (
	stageCallTimeout = 10 * time.Second

	stageRetryInitialInterval = 500 * time.Millisecond
	stageRetryMultiplier      = 4
	stageCallMaxRetries       = 2

	maxStageResponseBytes = 1 << 20 // 1 MiB
)

// Cropper selects the receipt region of an uploaded image.
type Cropper interface {
	Crop(ctx context.Context, imageURL string) (string, error)
}

// Recognizer runs OCR over an image and returns the raw text.
type Recognizer interface {
	Recognize(ctx context.Context, imageURL string) (string, error)
}

// Parser extracts structured receipt fields from OCR text plus the image.
type Parser interface {
	Parse(ctx context.Context, ocrText, imageURL string) ([]byte, error)
}

// stageHTTPClient is the shared plumbing of the three model-service clients.
// Same retry shape as the gateway: 4xx is permanent, 5xx and network errors
// retry on a short ladder inside the stage attempt.
type stageHTTPClient struct {
	baseURL    string
	client     *http.Client
	newBackOff func() backoff.BackOff
}

func newStageHTTPClient(baseURL string) stageHTTPClient {
	return stageHTTPClient{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: stageCallTimeout},
		newBackOff: newStageCallBackOff,
	}
}

func newStageCallBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = stageRetryInitialInterval
	bo.Multiplier = stageRetryMultiplier
	bo.RandomizationFactor = 0
	return backoff.WithMaxRetries(bo, stageCallMaxRetries)
}

// post sends a JSON request to path and decodes the JSON response into out.
func (c stageHTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	operation := func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrTransportUnavailable, doErr)
		}
		defer resp.Body.Close()

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxStageResponseBytes))
		if readErr != nil {
			return fmt.Errorf("%w: read response: %w", apperrors.ErrTransportUnavailable, readErr)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", apperrors.ErrTransportRefused, resp.StatusCode, respBody))
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", apperrors.ErrTransportUnavailable, resp.StatusCode)
		}
		if out != nil {
			if decErr := json.Unmarshal(respBody, out); decErr != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", decErr))
			}
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx))
}

// DetectorClient calls the visual-detector service that crops the receipt
// region out of the uploaded photo.
type DetectorClient struct {
	stageHTTPClient
}

func NewDetectorClient(baseURL string) *DetectorClient {
	return &DetectorClient{newStageHTTPClient(baseURL)}
}

func (c *DetectorClient) Crop(ctx context.Context, imageURL string) (string, error) {
	var resp struct {
		CroppedURL string `json:"cropped_url"`
	}
	err := c.post(ctx, "/detect", map[string]string{"image_url": imageURL}, &resp)
	if err != nil {
		return "", err
	}
	if resp.CroppedURL == "" {
		return "", fmt.Errorf("detector returned no region")
	}
	return resp.CroppedURL, nil
}

// OCRClient calls the OCR model service.
type OCRClient struct {
	stageHTTPClient
}

func NewOCRClient(baseURL string) *OCRClient {
	return &OCRClient{newStageHTTPClient(baseURL)}
}

func (c *OCRClient) Recognize(ctx context.Context, imageURL string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	err := c.post(ctx, "/ocr", map[string]string{"image_url": imageURL}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// VLMClient calls the vision-language model that turns OCR text plus the
// cropped image into structured receipt fields.
type VLMClient struct {
	stageHTTPClient
}

func NewVLMClient(baseURL string) *VLMClient {
	return &VLMClient{newStageHTTPClient(baseURL)}
}

func (c *VLMClient) Parse(ctx context.Context, ocrText, imageURL string) ([]byte, error) {
	var resp struct {
		Content string `json:"content"`
	}
	err := c.post(ctx, "/parse", map[string]string{
		"text":      ocrText,
		"image_url": imageURL,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return []byte(resp.Content), nil
}
