package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"gitlab.com/timkado/api/daisi-contest-engine/internal/model"
	storagemock "gitlab.com/timkado/api/daisi-contest-engine/internal/storage/mock"
	"gitlab.com/timkado/api/daisi-contest-engine/internal/tenant"
)

type handlerMock struct {
	mock.Mock
}

func (m *handlerMock) HandleInbound(ctx context.Context, event *model.InboundEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func newTestServer(t *testing.T, allowed ...string) (*Server, *handlerMock, *storagemock.StoreMock) {
	eng := new(handlerMock)
	st := new(storagemock.StoreMock)
	srv := NewServer(Config{
		Port:               "0",
		CompanyID:          "tenant-test-1",
		DefaultCountryCode: "60",
		AllowedSources:     allowed,
	}, eng, st, zaptest.NewLogger(t))
	return srv, eng, st
}

func doRequest(srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestWebhookAcceptsMessage(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	eng.On("HandleInbound", mock.Anything, mock.MatchedBy(func(e *model.InboundEvent) bool {
		return e.ExternalID == "wamid.1" && e.FromPhone == "60123456789" && e.Body == "JOIN"
	})).Return(nil)

	payload := []byte(`{"type":"message","data":{"id":"wamid.1","from":"0123456789","body":"JOIN"}}`)
	w := doRequest(srv, http.MethodPost, "/webhook", payload)

	assert.Equal(t, http.StatusOK, w.Code)
	eng.AssertExpectations(t)
}

func TestWebhookCarriesTenantContext(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	eng.On("HandleInbound", mock.MatchedBy(func(ctx context.Context) bool {
		companyID, err := tenant.FromContext(ctx)
		return err == nil && companyID == "tenant-test-1"
	}), mock.Anything).Return(nil)

	payload := []byte(`{"type":"message","data":{"id":"wamid.2","from":"0123456789","body":"hi"}}`)
	w := doRequest(srv, http.MethodPost, "/webhook", payload)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	eng.AssertExpectations(t)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/webhook", []byte(`{"type":"status"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	eng.AssertNotCalled(t, "HandleInbound", mock.Anything, mock.Anything)
}

func TestWebhookSignalsRedeliveryOnEngineError(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	eng.On("HandleInbound", mock.Anything, mock.Anything).Return(errors.New("db down"))

	payload := []byte(`{"type":"message","data":{"id":"wamid.3","from":"0123456789","body":"hi"}}`)
	w := doRequest(srv, http.MethodPost, "/webhook", payload)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWebhookSourceAllowlist(t *testing.T) {
	srv, eng, _ := newTestServer(t, "10.0.0.0/8")

	payload := []byte(`{"type":"message","data":{"id":"wamid.4","from":"0123456789","body":"hi"}}`)

	// httptest requests come from 192.0.2.1, outside the allowed block.
	w := doRequest(srv, http.MethodPost, "/webhook", payload)
	assert.Equal(t, http.StatusForbidden, w.Code)
	eng.AssertNotCalled(t, "HandleInbound", mock.Anything, mock.Anything)

	srvOpen, engOpen, _ := newTestServer(t, "192.0.2.1")
	engOpen.On("HandleInbound", mock.Anything, mock.Anything).Return(nil)
	w = doRequest(srvOpen, http.MethodPost, "/webhook", payload)
	assert.Equal(t, http.StatusOK, w.Code)
}
